// Package ledger is the append-only cost accountant. Every LLM call is
// recorded with six-decimal USD precision; persistence is asynchronous and
// its failures never fail the calling workflow.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/db"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/pricing"
)

// Usage describes one LLM call for recording.
type Usage struct {
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	WorkflowID       string
	TenantID         string
	UserID           string
	TaskID           int
	LatencyMs        int64
}

// store is the persistence surface the ledger needs from db.Client.
type store interface {
	InsertUsage(ctx context.Context, rec *models.CostRecord) error
	WorkflowUsage(ctx context.Context, workflowID string) (*db.UsageSummary, error)
	TenantUsage(ctx context.Context, tenantID string, days int) (*db.UsageSummary, error)
}

// Ledger computes costs and queues records for persistence.
type Ledger struct {
	store  store
	logger *zap.Logger

	queue  chan *models.CostRecord
	done   chan struct{}
	closed chan struct{}
}

const (
	queueDepth    = 256
	writeAttempts = 3
	writeBackoff  = 500 * time.Millisecond
)

// New starts the ledger's background writer.
func New(store store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		queue:  make(chan *models.CostRecord, queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go l.writer()
	return l
}

// Record prices the usage and queues it for persistence. It returns the
// completed record immediately; the database write happens in the
// background. When the queue is full the write falls through synchronously
// so no record is ever dropped silently.
func (l *Ledger) Record(ctx context.Context, u Usage) *models.CostRecord {
	inUSD, outUSD, total, _ := pricing.CostForSplit(u.Model, u.PromptTokens, u.CompletionTokens)
	rec := &models.CostRecord{
		ID:               uuid.New().String(),
		Model:            u.Model,
		Provider:         u.Provider,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		InputCostUSD:     inUSD,
		OutputCostUSD:    outUSD,
		TotalCostUSD:     total,
		WorkflowID:       u.WorkflowID,
		TenantID:         u.TenantID,
		UserID:           u.UserID,
		TaskID:           u.TaskID,
		LatencyMs:        u.LatencyMs,
		Timestamp:        time.Now().UTC(),
	}
	metrics.LedgerRecordedUSD.Add(total)
	metrics.TaskTokensUsed.Observe(float64(u.PromptTokens + u.CompletionTokens))

	select {
	case l.queue <- rec:
		metrics.LedgerPendingWrites.Inc()
	default:
		l.persist(context.WithoutCancel(ctx), rec)
	}
	return rec
}

// Estimate prices a call without recording it.
func (l *Ledger) Estimate(model string, promptTokens, completionTokens int) float64 {
	_, _, total, _ := pricing.CostForSplit(model, promptTokens, completionTokens)
	return total
}

// Report aggregates the persisted ledger for a workflow.
func (l *Ledger) Report(ctx context.Context, workflowID string) (*db.UsageSummary, error) {
	return l.store.WorkflowUsage(ctx, workflowID)
}

// TenantReport aggregates the persisted ledger for a tenant over a trailing
// window in days.
func (l *Ledger) TenantReport(ctx context.Context, tenantID string, days int) (*db.UsageSummary, error) {
	return l.store.TenantUsage(ctx, tenantID, days)
}

// Close drains the queue and stops the writer.
func (l *Ledger) Close() {
	close(l.done)
	<-l.closed
}

func (l *Ledger) writer() {
	defer close(l.closed)
	for {
		select {
		case rec := <-l.queue:
			metrics.LedgerPendingWrites.Dec()
			l.persist(context.Background(), rec)
		case <-l.done:
			for {
				select {
				case rec := <-l.queue:
					metrics.LedgerPendingWrites.Dec()
					l.persist(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

// persist retries transient failures. After the final attempt the record is
// logged at error level and abandoned; cost accounting must not block or
// fail generation.
func (l *Ledger) persist(ctx context.Context, rec *models.CostRecord) {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoff * time.Duration(attempt))
		}
		if err = l.store.InsertUsage(ctx, rec); err == nil {
			return
		}
	}
	metrics.LedgerWriteFailures.Inc()
	l.logger.Error("Cost record dropped after retries",
		zap.String("record_id", rec.ID),
		zap.String("workflow_id", rec.WorkflowID),
		zap.Float64("total_cost_usd", rec.TotalCostUSD),
		zap.Error(err),
	)
}
