// Package encoder is the HTTP client of the face encoder sidecar that runs
// next to the kiosk. Frames are posted as PNG; answers are JSON.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/config"
)

// Error codes the sidecar reports with status 422.
const (
	codeNoFace        = "no_face"
	codeMultipleFaces = "multiple_faces"
)

// maxResponseSize bounds how much of a sidecar answer is read.
const maxResponseSize = 1 << 20

// Client implements biometric.Detector and biometric.Encoder against the sidecar.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient creates a client for the sidecar at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing encoder url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("encoder url must be http or https, got %q", baseURL)
	}
	return &Client{baseURL: u, http: &http.Client{Timeout: timeout}}, nil
}

// NewClientFromConfig creates a client from the [encoder] section.
func NewClientFromConfig(cfg config.EncoderConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("encoder url must be set")
	}
	return NewClient(cfg.URL, cfg.Timeout.Duration)
}

type wirePoint [2]int

type wireLandmarks struct {
	LeftEye  wirePoint `json:"left_eye"`
	RightEye wirePoint `json:"right_eye"`
	Nose     wirePoint `json:"nose"`
}

type wireFace struct {
	Box       [4]int         `json:"box"` // x0, y0, x1, y1
	Landmarks *wireLandmarks `json:"landmarks"`
}

type detectResponse struct {
	Faces []wireFace `json:"faces"`
}

type encodeResponse struct {
	Vector []float64 `json:"vector"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Detect returns the faces the sidecar finds in img.
func (c *Client) Detect(ctx context.Context, img image.Image) ([]biometric.Face, error) {
	var resp detectResponse
	if err := c.post(ctx, "detect", img, &resp); err != nil {
		return nil, err
	}

	faces := make([]biometric.Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		face := biometric.Face{Box: image.Rect(f.Box[0], f.Box[1], f.Box[2], f.Box[3])}
		if lm := f.Landmarks; lm != nil {
			face.Landmarks = &biometric.Landmarks{
				LeftEye:  image.Pt(lm.LeftEye[0], lm.LeftEye[1]),
				RightEye: image.Pt(lm.RightEye[0], lm.RightEye[1]),
				Nose:     image.Pt(lm.Nose[0], lm.Nose[1]),
			}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// Encode returns the feature vector of the single face in img.
func (c *Client) Encode(ctx context.Context, img image.Image) ([]float64, error) {
	var resp encodeResponse
	if err := c.post(ctx, "encode", img, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, errors.New("encoder returned an empty vector")
	}
	return resp.Vector, nil
}

// Health checks that the sidecar answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("healthz"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting encoder: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("encoder health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(name string) string {
	return c.baseURL.JoinPath(name).String()
}

func (c *Client) post(ctx context.Context, name string, img image.Image, out any) error {
	png, err := biometric.EncodePNG(img)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(name), bytes.NewReader(png))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling encoder %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading encoder %s response: %w", name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(name, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding encoder %s response: %w", name, err)
	}
	return nil
}

// statusError maps the sidecar's capture errors to the biometric sentinels.
func statusError(name string, status int, body []byte) error {
	var e errorResponse
	_ = json.Unmarshal(body, &e)

	if status == http.StatusUnprocessableEntity {
		switch e.Error {
		case codeNoFace:
			return biometric.ErrNoFace
		case codeMultipleFaces:
			return biometric.ErrMultipleFaces
		}
	}

	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("encoder %s returned status %d: %s", name, status, msg)
}
