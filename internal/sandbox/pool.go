// Package sandbox runs generated code in the external container-execution
// service. The pool adds admission control in front of the service: a global
// concurrency cap, a bounded queue and per-tenant rate limiting.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capsuleforge/orchestrator/internal/circuitbreaker"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/tracing"
)

// Limits caps one execution. Zero values fall back to service defaults.
type Limits struct {
	TimeoutSec int   `json:"timeout_sec,omitempty"`
	MemoryMB   int   `json:"memory_mb,omitempty"`
	CPUShares  int   `json:"cpu_shares,omitempty"`
	NetworkOff bool  `json:"network_off"`
	MaxOutput  int64 `json:"max_output,omitempty"`
}

// ExecRequest is one sandbox execution.
type ExecRequest struct {
	Code     string            `json:"code"`
	Language string            `json:"language"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	Limits   Limits            `json:"limits"`
	TenantID string            `json:"-"`
}

// Pool fronts the execution service with admission control.
type Pool struct {
	base      string
	httpw     *circuitbreaker.HTTPWrapper
	logger    *zap.Logger
	languages map[string]bool
	netOff    bool

	slots chan struct{}
	depth int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPool builds the pool from config.
func NewPool(cfg config.SandboxConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	langs := make(map[string]bool, len(cfg.Languages))
	for _, l := range cfg.Languages {
		langs[strings.ToLower(l)] = true
	}
	httpClient := &http.Client{Timeout: timeout + 30*time.Second}
	return &Pool{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		httpw:     circuitbreaker.NewHTTPWrapper(httpClient, "sandbox", logger),
		logger:    logger,
		languages: langs,
		netOff:    cfg.NetworkOff,
		slots:     make(chan struct{}, maxConcurrent),
		depth:     depth,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Languages returns the configured language set.
func (p *Pool) Languages() []string {
	out := make([]string, 0, len(p.languages))
	for l := range p.languages {
		out = append(out, l)
	}
	return out
}

// Supports reports whether a language can be executed.
func (p *Pool) Supports(language string) bool {
	return p.languages[strings.ToLower(language)]
}

// Execute admits and runs one execution. Unsupported languages fail with a
// structured ValidationError, never an empty success. Admission failure
// under load surfaces as ResourceExhausted so the retry policy backs off.
func (p *Pool) Execute(ctx context.Context, req ExecRequest) (*models.ExecutionResult, error) {
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = DetectLanguage(req.Code)
	}
	if !p.languages[lang] {
		metrics.SandboxRejections.WithLabelValues("unsupported_language").Inc()
		return nil, taskerrors.Validation("unsupported sandbox language %q", req.Language)
	}
	req.Language = lang
	if p.netOff {
		req.Limits.NetworkOff = true
	}

	if err := p.admitTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	metrics.SandboxQueueDepth.Inc()
	defer metrics.SandboxQueueDepth.Dec()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		metrics.SandboxRejections.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()

	start := time.Now()
	result, err := p.call(ctx, req)
	status := "error"
	if err == nil {
		status = string(result.Status)
	}
	metrics.SandboxExecutions.WithLabelValues(req.Language, status).Inc()
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Sandbox execution finished",
		zap.String("language", req.Language),
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// admitTenant enforces FIFO fairness per tenant with a token bucket. A
// tenant hammering the pool waits; other tenants are unaffected.
func (p *Pool) admitTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return nil
	}
	p.mu.Lock()
	lim, ok := p.limiters[tenantID]
	if !ok {
		// One execution per second sustained, bursts up to the queue depth.
		lim = rate.NewLimiter(rate.Limit(1), p.depth)
		p.limiters[tenantID] = lim
	}
	p.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SandboxRejections.WithLabelValues("tenant_queue_full").Inc()
		return taskerrors.Exhausted("sandbox queue full for tenant %s", tenantID)
	}
	return nil
}

func (p *Pool) call(ctx context.Context, req ExecRequest) (*models.ExecutionResult, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, taskerrors.Validation("marshal sandbox request: %v", err)
	}
	url := p.base + "/execute"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := p.httpw.Do(httpReq)
	if err != nil {
		return nil, taskerrors.Dependency(err, "sandbox service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.SandboxRejections.WithLabelValues("service_queue_full").Inc()
		return nil, taskerrors.Exhausted("sandbox service at capacity")
	case resp.StatusCode >= 500:
		return nil, taskerrors.Dependency(nil, "sandbox service error: status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, taskerrors.Validation("sandbox rejected request: status %d: %s", resp.StatusCode, body)
	}

	var result models.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, taskerrors.Dependency(err, "decode sandbox response")
	}
	return &result, nil
}
