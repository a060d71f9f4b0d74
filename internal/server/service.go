// Package server is the in-process service facade over the Temporal client,
// the capsule store and the progress bus. Transport layers (gRPC, HTTP)
// consume this API; none is wired here.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/db"
	"github.com/capsuleforge/orchestrator/internal/ledger"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/workflows"
)

// ErrNotFound is returned when a capsule or workflow does not exist.
var ErrNotFound = errors.New("not found")

// Service exposes capsule generation operations to transport layers.
type Service struct {
	temporal  client.Client
	store     *db.Client
	bus       *streaming.Bus
	ledger    *ledger.Ledger
	taskQueue string
	wfConfig  workflows.Config
	logger    *zap.Logger
}

// New builds the facade.
func New(temporalClient client.Client, store *db.Client, bus *streaming.Bus, lgr *ledger.Ledger, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		temporal:  temporalClient,
		store:     store,
		bus:       bus,
		ledger:    lgr,
		taskQueue: cfg.Temporal.TaskQueue,
		wfConfig: workflows.Config{
			MaxConcurrency:  cfg.Workflow.MaxConcurrency,
			MaxRetries:      cfg.Workflow.MaxRetries,
			ApprovalTimeout: cfg.Workflow.ApprovalTimeout,
			CancelGrace:     cfg.Workflow.CancelGrace,
		},
		logger: logger,
	}
}

// ExecuteResult identifies a started workflow.
type ExecuteResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	RequestID  string `json:"request_id"`
}

// Execute starts a capsule generation workflow for the request.
func (s *Service) Execute(ctx context.Context, req *models.Request) (*ExecuteResult, error) {
	if req == nil || strings.TrimSpace(req.Description) == "" {
		return nil, taskerrors.Validation("request description is required")
	}
	if req.TenantID == "" {
		return nil, taskerrors.Validation("tenant_id is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	workflowID := "capsule-" + req.ID
	run, err := s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, workflows.CapsuleWorkflow, workflows.Input{
		Request: req,
		Config:  s.wfConfig,
	})
	if err != nil {
		return nil, taskerrors.Dependency(err, "start workflow for request %s", req.ID)
	}

	metrics.WorkflowsStarted.Inc()
	s.logger.Info("Workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", run.GetRunID()),
		zap.String("tenant_id", req.TenantID),
	)
	return &ExecuteResult{
		WorkflowID: workflowID,
		RunID:      run.GetRunID(),
		RequestID:  req.ID,
	}, nil
}

// Status queries the running workflow's stage and task counters.
func (s *Service) Status(ctx context.Context, workflowID string) (*workflows.Status, error) {
	resp, err := s.temporal.QueryWorkflow(ctx, workflowID, "", workflows.QueryStatus)
	if err != nil {
		return nil, taskerrors.Dependency(err, "query workflow %s", workflowID)
	}
	var status workflows.Status
	if err := resp.Get(&status); err != nil {
		return nil, taskerrors.Dependency(err, "decode status for %s", workflowID)
	}
	return &status, nil
}

// Result returns the persisted capsule for a workflow.
func (s *Service) Result(ctx context.Context, workflowID string) (*models.Capsule, error) {
	c, err := s.store.GetCapsuleByWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// Capsule returns a capsule by its id.
func (s *Service) Capsule(ctx context.Context, id string) (*models.Capsule, error) {
	c, err := s.store.GetCapsule(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// Download renders a workflow's persisted capsule as an archive and returns
// the bytes with a suggested filename. An empty format defaults to zip.
func (s *Service) Download(ctx context.Context, workflowID string, format capsule.Format) ([]byte, string, error) {
	if format == "" {
		format = capsule.FormatZip
	}
	c, err := s.Result(ctx, workflowID)
	if err != nil {
		return nil, "", err
	}
	data, err := capsule.Package(c, format)
	if err != nil {
		return nil, "", err
	}
	name := c.Manifest.Name
	if name == "" {
		name = c.ID
	}
	return data, name + "." + string(format), nil
}

// Cancel asks the workflow to stop at the next batch boundary.
func (s *Service) Cancel(ctx context.Context, workflowID string) error {
	if err := s.temporal.SignalWorkflow(ctx, workflowID, "", workflows.SignalCancel, nil); err != nil {
		return taskerrors.Dependency(err, "signal cancel to %s", workflowID)
	}
	return nil
}

// Approve resolves a pending human review positively.
func (s *Service) Approve(ctx context.Context, workflowID string) error {
	if err := s.temporal.SignalWorkflow(ctx, workflowID, "", workflows.SignalApprove, nil); err != nil {
		return taskerrors.Dependency(err, "signal approve to %s", workflowID)
	}
	metrics.HumanReviews.WithLabelValues("approved").Inc()
	return nil
}

// Reject resolves a pending human review negatively; the workflow fails.
func (s *Service) Reject(ctx context.Context, workflowID string) error {
	if err := s.temporal.SignalWorkflow(ctx, workflowID, "", workflows.SignalReject, nil); err != nil {
		return taskerrors.Dependency(err, "signal reject to %s", workflowID)
	}
	metrics.HumanReviews.WithLabelValues("rejected").Inc()
	return nil
}

// Stream subscribes to a workflow's progress events, replaying buffered
// history from sinceSeq first. The returned stop function must be called.
func (s *Service) Stream(workflowID string, sinceSeq uint64, buffer int) (<-chan streaming.Event, func()) {
	ch := s.bus.SubscribeWithReplay(workflowID, sinceSeq, buffer)
	stop := func() { s.bus.Unsubscribe(workflowID, ch) }
	return ch, stop
}

// Usage reports the cost ledger aggregate for one workflow.
func (s *Service) Usage(ctx context.Context, workflowID string) (*db.UsageSummary, error) {
	return s.ledger.Report(ctx, workflowID)
}

// TenantUsage reports a tenant's aggregate cost over a trailing window.
func (s *Service) TenantUsage(ctx context.Context, tenantID string, days int) (*db.UsageSummary, error) {
	return s.ledger.TenantReport(ctx, tenantID, days)
}
