package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"

	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/model"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

const timestampLayout = "2006-01-02 15:04:05"

func optInt(p *int64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatInt(*p, 10)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// outcomeFmt pads s to width before coloring so columns stay aligned.
func outcomeFmt(o model.Outcome, width int) string {
	s := fmt.Sprintf("%-*s", width, o)
	switch o {
	case model.OutcomeAccepted, model.OutcomeMatched:
		return okFmt(s)
	case model.OutcomeNoMatch:
		return warnFmt(s)
	default:
		return errFmt(s)
	}
}

func renderReport(w io.Writer, r *model.ReconcileReport) {
	fmt.Fprintf(w, "added:           %d\n", r.Added)
	fmt.Fprintf(w, "updated:         %d\n", r.Updated)
	fmt.Fprintf(w, "deleted:         %d\n", r.Deleted)
	fmt.Fprintf(w, "restored:        %d\n", r.Restored)
	fmt.Fprintf(w, "vectors changed: %d\n", r.VectorsChanged)
	fmt.Fprintf(w, "skipped:         %d\n", r.Skipped)
	for _, s := range r.Skips {
		subject := "local " + strconv.FormatInt(s.LocalID, 10)
		if s.RemoteID != nil {
			subject = "remote " + strconv.FormatInt(*s.RemoteID, 10)
		}
		fmt.Fprintf(w, "  %s %s %q: %s\n", warnFmt("skip"), subject, s.DisplayName, s.Reason)
	}
}

func renderEmployees(w io.Writer, employees []*model.Employee) {
	if len(employees) == 0 {
		fmt.Fprintln(w, "No employees.")
		return
	}
	fmt.Fprintf(w, "%-6s %-6s %-24s %-11s %s\n", "ID", "SEQ", "NAME", "CODE", "ENROLLED")
	for _, e := range employees {
		code := e.ExternalCode
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(w, "%-6d %-6s %-24s %-11s %s\n", e.LocalID, optInt(e.SequenceNumber), e.DisplayName, code, yesNo(e.Enrolled()))
	}
}

func renderEmployee(w io.Writer, e *model.Employee) {
	fmt.Fprintf(w, "local id:   %d\n", e.LocalID)
	fmt.Fprintf(w, "remote id:  %s\n", optInt(e.RemoteID))
	fmt.Fprintf(w, "name:       %s\n", e.DisplayName)
	fmt.Fprintf(w, "code:       %s\n", e.ExternalCode)
	fmt.Fprintf(w, "sequence:   %s\n", optInt(e.SequenceNumber))
	enrolled := "no"
	if e.Enrolled() {
		enrolled = "yes"
		if e.EnrolledAt != nil {
			enrolled += " (" + e.EnrolledAt.UTC().Format(timestampLayout) + ")"
		}
	}
	fmt.Fprintf(w, "enrolled:   %s\n", enrolled)
	evidence := e.EnrollmentEvidence
	if evidence == "" {
		evidence = dimFmt("-")
	}
	fmt.Fprintf(w, "evidence:   %s\n", evidence)
	if !e.Active() {
		fmt.Fprintf(w, "deleted:    %s\n", e.DeletedAt.UTC().Format(timestampLayout))
	}
}

func renderEnroll(w io.Writer, res *kiosk.EnrollResult) {
	fmt.Fprintf(w, "%s score %d\n", outcomeFmt(res.Outcome, 17), res.Score)
	for _, is := range res.Issues {
		fmt.Fprintf(w, "  %-7s %s", is.Severity, is.Type)
		if is.Hint != "" {
			fmt.Fprintf(w, ": %s", is.Hint)
		}
		fmt.Fprintln(w)
	}
	if res.EvidenceKey != "" {
		fmt.Fprintf(w, "evidence: %s\n", res.EvidenceKey)
	}
}

func renderVerify(w io.Writer, res *kiosk.VerifyResult) {
	if m := res.Match; m != nil {
		fmt.Fprintf(w, "%s %s (#%s) distance %.4f confidence %d\n",
			outcomeFmt(res.Outcome, 8), m.DisplayName, optInt(m.SequenceNumber), m.Distance, m.Confidence)
		return
	}
	fmt.Fprintf(w, "%s %s\n", outcomeFmt(res.Outcome, 8), res.Reason)
}

func syncState(v *model.ActivityView) string {
	switch {
	case v.Status == model.ActivityFailed:
		return errFmt("failed") + ": " + v.LocalError
	case v.RemoteID != nil:
		return okFmt("synced") + " #" + strconv.FormatInt(*v.RemoteID, 10)
	case v.RemoteError != "":
		return warnFmt("refused") + ": " + v.RemoteError
	default:
		return "pending"
	}
}

func renderActivities(w io.Writer, views []*model.ActivityView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No activity.")
		return
	}
	fmt.Fprintf(w, "%-6s %-10s %-8s %-5s %-24s %s\n", "ID", "DATE", "TIME", "DIR", "EMPLOYEE", "STATE")
	for _, v := range views {
		name := v.EmployeeName
		if name == "" {
			name = v.RequestedRef
		}
		fmt.Fprintf(w, "%-6d %-10s %-8s %-5s %-24s %s\n",
			v.LocalID, v.OccurredDate, v.OccurredTime, v.Direction, name, syncState(v))
	}
}

func renderSubmit(w io.Writer, res *kiosk.SubmitResult) {
	if res.Accepted {
		fmt.Fprintf(w, "%s #%d (%s)\n", okFmt("recorded"), res.LocalID, res.SyncToken)
		return
	}
	fmt.Fprintf(w, "%s #%d: %s\n", errFmt("recorded as failed"), res.LocalID, res.Diagnostic)
}

func renderEnrollmentStatuses(w io.Writer, statuses []*kiosk.EnrollmentStatus) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No employees.")
		return
	}
	fmt.Fprintf(w, "%-6s %-6s %-24s %-8s %s\n", "ID", "SEQ", "NAME", "ENROLLED", "EVIDENCE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%-6d %-6s %-24s %-8s %s\n",
			s.EmployeeLocalID, optInt(s.SequenceNumber), s.DisplayName, yesNo(s.Enrolled), yesNo(s.HasEvidence))
	}
}

func renderHistory(w io.Writer, ops []*model.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "No operations recorded.")
		return
	}
	for _, op := range ops {
		duration := ""
		if op.FinishedAt != nil {
			duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
		}
		status := fmt.Sprintf("%-8s", op.Status)
		if op.Status == "error" {
			status = errFmt(status)
		}
		fmt.Fprintf(w, "#%d  %-18s  %s  %s  %s\n",
			op.ID,
			op.Kind,
			op.StartedAt.UTC().Format(timestampLayout),
			status,
			duration,
		)
	}
}

func renderBackfill(w io.Writer, s kiosk.BackfillState) {
	fmt.Fprintf(w, "batch %d: cursor %d, encoded %d, rejected %d, failed %d\n",
		s.Batches, s.Cursor, s.Encoded, s.Rejected, s.Failed)
}
