// Package idempotency makes administration recording safe to retry. Each
// submission is keyed by Hash(PrescriptionID+AdministratorID+ScheduledTime);
// a nurse double-tapping the record button or a gateway retry lands on the
// same inbox row and gets the stored outcome instead of a second dose entry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of an inbox row
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// GenerateKey derives the idempotency key for one administration attempt.
// The scheduled time is truncated to the minute so small clock drift between
// retries still collapses onto one key.
func GenerateKey(prescriptionID, administratorID string, scheduledTime time.Time) string {
	joined := strings.Join([]string{
		prescriptionID,
		administratorID,
		scheduledTime.Truncate(time.Minute).Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// ErrMessageInProgress reports that another handler currently holds the key
var ErrMessageInProgress = errors.New("submission already in progress")

// ErrPermanentlyFailed reports that the key failed terminally before and will
// not be retried
var ErrPermanentlyFailed = errors.New("submission previously failed permanently")

// InboxConfig tunes row lifetime and crash recovery
type InboxConfig struct {
	// TTL bounds how long finished rows keep answering duplicates
	TTL time.Duration
	// CleanupInterval is the maintenance tick
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED row may sit before it is
	// presumed orphaned by a crash
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps rows for a week, which covers the MAR audit
// window for duplicate submissions.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox is the durable dedup table plus its maintenance loop
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox wires the inbox onto the shared connection pool
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult reports how a submission was handled
type ProcessResult struct {
	// IsNew is false when a stored outcome answered the request
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the guarded handler body
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per key. A duplicate of a finished submission
// returns the stored result; a concurrent submission returns
// ErrMessageInProgress; a submission orphaned by a crash is retried once the
// recovery timeout has passed.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	prior, err := i.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	recovered := false
	if prior != nil {
		switch prior.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: prior.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("key %s: %w", key, ErrPermanentlyFailed)
		case StatusStarted:
			if time.Since(prior.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Orphaned by a crash; make it claimable and fall through
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("recover orphaned entry: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		outcome, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		status := StatusRecoverable
		if terminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.setStatus(ctx, key, status, outcome); err != nil {
			i.logger.Error("inbox status update failed",
				zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	// The handler committed; a failure to persist the outcome must not
	// surface as a handler failure
	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("inbox finish failed", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        prior == nil,
		WasRecovered: recovered,
		Result:       result,
	}, nil
}

type loadedEntry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

func (i *Inbox) load(ctx context.Context, key string) (*loadedEntry, error) {
	var e loadedEntry
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1`,
		key,
	).Scan(&e.status, &e.result, &e.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// claim inserts the row as STARTED, or re-claims a RECOVERABLE row. Losing
// the conflict race to another handler surfaces as ErrMessageInProgress.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, NOW() + $4::interval)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handlerName, payload, i.config.TTL.String(),
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageInProgress
	}
	if err != nil {
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup runs the maintenance loop until Stop
func (i *Inbox) StartCleanup() {
	go i.maintenanceLoop()
	i.logger.Info("inbox maintenance started",
		zap.Duration("interval", i.config.CleanupInterval))
}

// Stop cancels the maintenance loop and waits for it
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) maintenanceLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.recoverStale(i.ctx); err != nil {
				i.logger.Error("stale entry recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Warn("recovered orphaned inbox entries", zap.Int64("count", n))
			}
			if err := i.expire(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// recoverStale flips STARTED rows past the recovery timeout, catching
// crashes between claim and outcome that no retry ever revisits
func (i *Inbox) recoverStale(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < NOW() - $1::interval`,
		i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (i *Inbox) expire(ctx context.Context) error {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("expired inbox entries removed",
			zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}

// terminal classifies handler errors that retrying cannot fix
func terminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
