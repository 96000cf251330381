package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

const (
	// EvidenceWindow is the maximum number of body bytes kept around a reflection.
	EvidenceWindow = 500

	// DefaultUserAgent is sent when HTTPConfig.UserAgent is empty.
	DefaultUserAgent = "probe-swarm/1.0"

	maxBodyBytes = 4 << 20
)

// HTTPConfig configures HTTPExecutor.
type HTTPConfig struct {
	Client    *http.Client
	UserAgent string
	// Delay is slept before every request (rate limiting against the target).
	Delay time.Duration
	// Timeout bounds each request when Client is nil.
	Timeout time.Duration
}

// HTTPExecutor injects the payload into an HTTP request and reports Success
// when the payload comes back verbatim in the response body.
type HTTPExecutor struct {
	client    *http.Client
	userAgent string
	delay     time.Duration
}

// NewHTTPExecutor creates an executor using cfg.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &HTTPExecutor{client: client, userAgent: ua, delay: cfg.Delay}
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, target string, point types.InjectionPoint, payload string) Outcome {
	start := time.Now()

	if h.delay > 0 {
		timer := time.NewTimer(h.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Kind: types.OutcomeError, Err: ctx.Err(), Latency: time.Since(start)}
		case <-timer.C:
		}
	}

	req, err := buildRequest(ctx, target, point, payload)
	if err != nil {
		return Outcome{Kind: types.OutcomeError, Err: err, Latency: time.Since(start)}
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return Outcome{Kind: types.OutcomeError, Err: fmt.Errorf("request %s: %w", point.Name, err), Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Kind: types.OutcomeError, Err: fmt.Errorf("read body: %w", err), Latency: time.Since(start)}
	}

	latency := time.Since(start)
	if evidence, ok := Reflection(body, payload); ok {
		return Outcome{Kind: types.OutcomeSuccess, Evidence: evidence, Latency: latency}
	}
	return Outcome{Kind: types.OutcomeFailure, Latency: latency}
}

func buildRequest(ctx context.Context, target string, point types.InjectionPoint, payload string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}

	method := strings.ToUpper(point.Method)

	switch point.Kind {
	case types.PointURLParam, "":
		q := u.Query()
		q.Set(point.Name, payload)
		u.RawQuery = q.Encode()
		if method == "" {
			method = http.MethodGet
		}
		return http.NewRequestWithContext(ctx, method, u.String(), nil)

	case types.PointPath:
		// Replace a {name} placeholder when present, otherwise append a segment
		placeholder := "{" + point.Name + "}"
		if strings.Contains(u.Path, placeholder) {
			u.Path = strings.ReplaceAll(u.Path, placeholder, payload)
			u.RawPath = ""
		} else {
			u = u.JoinPath(payload)
		}
		if method == "" {
			method = http.MethodGet
		}
		return http.NewRequestWithContext(ctx, method, u.String(), nil)

	case types.PointForm:
		form := url.Values{}
		form.Set(point.Name, payload)
		if method == "" {
			method = http.MethodPost
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	case types.PointHeader:
		if method == "" {
			method = http.MethodGet
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(point.Name, payload)
		return req, nil
	}

	return nil, fmt.Errorf("unsupported injection point kind %q", point.Kind)
}

// Reflection reports whether payload occurs verbatim in body and returns at
// most EvidenceWindow bytes around the first occurrence.
func Reflection(body []byte, payload string) ([]byte, bool) {
	if payload == "" {
		return nil, false
	}
	idx := bytes.Index(body, []byte(payload))
	if idx < 0 {
		return nil, false
	}

	pad := (EvidenceWindow - len(payload)) / 2
	if pad < 0 {
		pad = 0
	}
	start := idx - pad
	if start < 0 {
		start = 0
	}
	end := start + EvidenceWindow
	if end > len(body) {
		end = len(body)
		start = end - EvidenceWindow
		if start < 0 {
			start = 0
		}
	}
	return append([]byte(nil), body[start:end]...), true
}
