// Package render provides the GenerationOperation implementations that turn
// one (model, material) pair into an image.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

const defaultPollInterval = 2 * time.Second

// HTTPRenderer submits units to a render service and polls until the
// render finishes or renderTimeout passes.
type HTTPRenderer struct {
	client        *http.Client
	endpoint      string
	apiKey        atomic.Value // string
	pollInterval  time.Duration
	renderTimeout time.Duration
	logger        *slog.Logger
}

var _ ports.GenerationOperation = (*HTTPRenderer)(nil)

func NewHTTPRenderer(logger *slog.Logger, cfg domain.RendererConfig) *HTTPRenderer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	r := &HTTPRenderer{
		client:        &http.Client{Timeout: timeout},
		endpoint:      cfg.Endpoint,
		pollInterval:  defaultPollInterval,
		renderTimeout: timeout,
		logger:        logger,
	}
	r.apiKey.Store(cfg.APIKey)
	return r
}

// SetAPIKey swaps the credential used on subsequent requests.
func (r *HTTPRenderer) SetAPIKey(key string) {
	r.apiKey.Store(key)
}

type renderRequest struct {
	JobID    domain.JobID `json:"job_id"`
	ModelID  string       `json:"model_id"`
	Material string       `json:"material"`
	Index    int          `json:"index"`
}

type renderStatus struct {
	RenderID  string `json:"render_id"`
	Status    string `json:"status"` // queued, running, completed, failed
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	OutputURL string `json:"output_url,omitempty"`
}

// Render blocks until the unit's render completes or fails.
func (r *HTTPRenderer) Render(ctx context.Context, unit domain.WorkUnit) error {
	payload, err := json.Marshal(renderRequest{
		JobID:    unit.JobID,
		ModelID:  unit.ModelID,
		Material: unit.Material,
		Index:    unit.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal render request: %w", err)
	}

	var submitted renderStatus
	if err := r.do(ctx, http.MethodPost, "/renders", payload, &submitted); err != nil {
		return err
	}
	if submitted.RenderID == "" {
		return fmt.Errorf("render service returned no render_id")
	}

	st, err := r.waitForRender(ctx, submitted.RenderID)
	if err != nil {
		return err
	}
	r.logger.Debug("unit rendered", "job_id", unit.JobID, "unit", unit.Key(), "output", st.OutputURL)
	return nil
}

// waitForRender polls the render until it reaches a final state. Every
// unfinished poll is reported as a heartbeat.
func (r *HTTPRenderer) waitForRender(ctx context.Context, id string) (renderStatus, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if r.renderTimeout > 0 {
		timer := time.NewTimer(r.renderTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		var st renderStatus
		if err := r.do(ctx, http.MethodGet, "/renders/"+id, nil, &st); err != nil {
			return renderStatus{}, err
		}

		switch st.Status {
		case "completed":
			return st, nil
		case "failed":
			cause := fmt.Errorf("render %s failed: %s", id, st.Error)
			if st.ErrorCode == "missing_input" {
				return renderStatus{}, domain.NonRetryable(fmt.Errorf("%w: %s", domain.ErrMissingInput, st.Error))
			}
			return renderStatus{}, cause
		}
		domain.Beat(ctx)

		select {
		case <-ctx.Done():
			return renderStatus{}, ctx.Err()
		case <-deadline:
			return renderStatus{}, fmt.Errorf("render %s did not finish within %s", id, r.renderTimeout)
		case <-ticker.C:
		}
	}
}

func (r *HTTPRenderer) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key, _ := r.apiKey.Load().(string); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var errRenderService = errors.New("render service error")

// statusError maps an HTTP failure to the retry policy: client errors other
// than timeouts and throttling will fail the same way again.
func statusError(code int, body string) error {
	err := fmt.Errorf("%w: status %d: %s", errRenderService, code, body)
	switch {
	case code == http.StatusNotFound:
		return domain.NonRetryable(fmt.Errorf("%w: %w", domain.ErrMissingInput, err))
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return err
	case code >= 400 && code < 500:
		return domain.NonRetryable(err)
	}
	return err
}
