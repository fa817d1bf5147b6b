// Package api is the local HTTP boundary the kiosk UI and the sync driver
// talk to. It delegates to the kiosk service and owns no business rules.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/model"
	"kiosk-go/internal/roster"
)

const (
	maxFrameSize  = 10 << 20
	maxRosterSize = 32 << 20
	maxJSONSize   = 1 << 20
)

// Service is the kiosk as seen by the API.
type Service interface {
	SubmitActivity(ctx context.Context, req kiosk.SubmitRequest) (*kiosk.SubmitResult, error)
	RecentActivities(ctx context.Context, limit int) ([]*model.ActivityView, error)
	ActivitiesBetween(ctx context.Context, from, to string) ([]*model.ActivityView, error)
	Enroll(ctx context.Context, ref kiosk.EmployeeRef, img image.Image) (*kiosk.EnrollResult, error)
	DeleteEnrollment(ctx context.Context, ref kiosk.EmployeeRef) error
	EnrollmentStatuses(ctx context.Context) ([]*kiosk.EnrollmentStatus, error)
	Verify(ctx context.Context, img image.Image) (*kiosk.VerifyResult, error)
	SyncRoster(ctx context.Context, roster []model.RemoteEmployee) (*model.ReconcileReport, error)
	PendingActivities(ctx context.Context) ([]*model.ActivityView, error)
	AckActivity(ctx context.Context, localID, remoteID int64) error
	FailActivity(ctx context.Context, localID int64, message string) error
	ListEmployees(ctx context.Context) ([]*model.Employee, error)
	Employee(ctx context.Context, ref kiosk.EmployeeRef) (*model.Employee, error)
	StoreEvidence(ctx context.Context, kind string, data []byte) (string, error)
	MatchCache() *biometric.MatchCache
}

// Operations records mutating API calls in the operation history.
type Operations interface {
	CreateOperation(ctx context.Context, kind, parameters string) (*model.Operation, error)
	SetOperationParameters(ctx context.Context, id int64, parameters string) error
	FinishOperation(ctx context.Context, id int64, status string) error
}

// HealthChecker reports whether a collaborator is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler serves the kiosk API.
type Handler struct {
	svc      Service
	ops      Operations    // nil disables operation history
	encoder  HealthChecker // nil skips the encoder health check
	logger   *slog.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	verifyMu sync.Mutex // one probe at a time through the matcher
	syncMu   sync.Mutex // reconciliation passes never overlap
}

// New creates a Handler. Metrics are registered on a private registry served
// at /metrics.
func New(svc Service, ops Operations, encoder HealthChecker, logger *slog.Logger) *Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Handler{
		svc:      svc,
		ops:      ops,
		encoder:  encoder,
		logger:   logger,
		metrics:  NewMetrics(reg),
		registry: reg,
	}
}

// Router wires all endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(h.observe)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/activities", h.handleSubmitActivity)
		r.Get("/activities", h.handleListActivities)

		r.Get("/outbox", h.handlePending)
		r.Post("/outbox/{id}/ack", h.handleAck)
		r.Post("/outbox/{id}/fail", h.handleFail)

		r.Post("/verify", h.handleVerify)
		r.Post("/evidence", h.handleStoreEvidence)

		r.Get("/employees", h.handleListEmployees)
		r.Get("/employees/{ref}", h.handleGetEmployee)
		r.Post("/employees/{ref}/enrollment", h.handleEnroll)
		r.Delete("/employees/{ref}/enrollment", h.handleDeleteEnrollment)
		r.Get("/enrollments", h.handleEnrollmentStatuses)

		r.Post("/roster", h.handleSyncRoster)
	})
	return r
}

// observe records request latency by route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveRequest(route, r.Method, status, start)
	})
}

// fail logs unexpected errors and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := statusFor(err); status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, err)
}

// track records a mutating call in the operation history. The returned
// function finishes it; a non-nil result replaces the recorded parameters.
func (h *Handler) track(ctx context.Context, kind string, params any) func(result any, err error) {
	if h.ops == nil {
		return func(any, error) {}
	}
	raw, _ := json.Marshal(params)
	op, err := h.ops.CreateOperation(ctx, kind, string(raw))
	if err != nil {
		h.logger.WarnContext(ctx, "failed to record operation", "kind", kind, "error", err)
		return func(any, error) {}
	}

	return func(result any, opErr error) {
		// The request context may be gone by now.
		bg := context.WithoutCancel(ctx)
		if result != nil {
			if out, err := json.Marshal(result); err == nil {
				if err := h.ops.SetOperationParameters(bg, op.ID, string(out)); err != nil {
					h.logger.WarnContext(ctx, "failed to record operation result", "id", op.ID, "error", err)
				}
			}
		}
		status := "success"
		if opErr != nil {
			status = "error"
		}
		if err := h.ops.FinishOperation(bg, op.ID, status); err != nil {
			h.logger.WarnContext(ctx, "failed to finish operation", "id", op.ID, "error", err)
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &model.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func readFrame(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		return nil, &model.ValidationError{Field: "frame", Message: err.Error()}
	}
	img, err := biometric.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, &model.ValidationError{Field: "frame", Message: "body must be a JPEG or PNG image"}
	}
	return img, nil
}

func pathRef(r *http.Request) (kiosk.EmployeeRef, error) {
	return kiosk.ParseEmployeeRef(chi.URLParam(r, "ref"))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"cache_expired": h.svc.MatchCache().IsExpired(),
	}
	status := http.StatusOK
	if h.encoder != nil {
		body["encoder"] = "ok"
		if err := h.encoder.Health(r.Context()); err != nil {
			body["status"] = "degraded"
			body["encoder"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func (h *Handler) handleSubmitActivity(w http.ResponseWriter, r *http.Request) {
	var req kiosk.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.svc.SubmitActivity(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result := "accepted"
	if !res.Accepted {
		result = "failed"
	}
	h.metrics.ActivitiesSubmitted.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		views []*model.ActivityView
		err   error
	)
	switch from, to := q.Get("from"), q.Get("to"); {
	case from != "" || to != "":
		if to == "" {
			to = from
		}
		views, err = h.svc.ActivitiesBetween(r.Context(), from, to)
	default:
		limit := 0
		if s := q.Get("limit"); s != "" {
			if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
				h.fail(w, r, &model.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
				return
			}
		}
		views, err = h.svc.RecentActivities(r.Context(), limit)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityViews(views))
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.PendingActivities(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityViews(views))
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		RemoteID int64 `json:"remote_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.AckActivity(r.Context(), id, req.RemoteID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.FailActivity(r.Context(), id, req.Message); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	img, err := readFrame(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.verifyMu.Lock()
	res, err := h.svc.Verify(r.Context(), img)
	h.verifyMu.Unlock()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.metrics.VerifyOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStoreEvidence(w http.ResponseWriter, r *http.Request) {
	img, err := readFrame(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	png, err := biometric.EncodePNG(img)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key, err := h.svc.StoreEvidence(r.Context(), kiosk.EvidenceActivity, png)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"evidence_ref": key})
}

func (h *Handler) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.svc.ListEmployees(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employeeViews(employees))
}

func (h *Handler) handleGetEmployee(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.svc.Employee(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employeeView(e))
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	img, err := readFrame(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.track(r.Context(), "enroll", map[string]string{"employee": ref.String(), "source": "api"})
	res, err := h.svc.Enroll(r.Context(), ref, img)
	if err != nil {
		done(nil, err)
		h.fail(w, r, err)
		return
	}
	done(res, nil)
	h.metrics.EnrollOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done := h.track(r.Context(), "enrollment delete", map[string]string{"employee": ref.String(), "source": "api"})
	err = h.svc.DeleteEnrollment(r.Context(), ref)
	done(nil, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEnrollmentStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.svc.EnrollmentStatuses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) handleSyncRoster(w http.ResponseWriter, r *http.Request) {
	format := roster.FormatJSON
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		switch mt {
		case "application/yaml", "application/x-yaml", "text/yaml":
			format = roster.FormatYAML
		}
	}

	records, err := roster.Decode(http.MaxBytesReader(w, r.Body, maxRosterSize), format)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if !h.syncMu.TryLock() {
		h.fail(w, r, fmt.Errorf("a roster sync is already running: %w", model.ErrConflict))
		return
	}
	defer h.syncMu.Unlock()

	start := time.Now()
	done := h.track(r.Context(), "roster sync", map[string]any{"records": len(records), "source": "api"})
	report, err := h.svc.SyncRoster(r.Context(), records)
	if err != nil {
		done(nil, err)
		h.fail(w, r, err)
		return
	}
	done(report, nil)
	h.metrics.ObserveRosterSync(start, report.Added, report.Updated, report.Deleted, report.Skipped)
	writeJSON(w, http.StatusOK, report)
}
