package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/retry"
)

// Outcome values stored on an attempt.
const (
	OutcomeFound     = "found"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
	OutcomeConfirmed = "confirmed"
)

// CaptureAttempt is one finished step outcome of a capture session.
type CaptureAttempt struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"column:session_id;index;size:64" json:"session_id"`
	UserID      string    `gorm:"column:user_id;index;size:64" json:"-"`
	Grammar     string    `gorm:"column:grammar;size:32" json:"grammar"`
	Source      string    `gorm:"column:source;size:16" json:"source"`
	Outcome     string    `gorm:"column:outcome;size:16" json:"outcome"`
	FailureKind string    `gorm:"column:failure_kind;size:32" json:"failure_kind,omitempty"`
	Detections  int       `gorm:"column:detections" json:"detections"`
	Tokens      int       `gorm:"column:tokens" json:"tokens"`
	LatencyMs   int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (CaptureAttempt) TableName() string {
	return "capture_attempts"
}

// AttemptAggregate is the raw aggregation over all attempts.
type AttemptAggregate struct {
	TotalCount       int64
	FoundCount       int64
	NotFoundCount    int64
	FailedCount      int64
	ConfirmedCount   int64
	ManualCount      int64
	AverageLatencyMs float64
}

// CaptureRepository persists capture attempts.
type CaptureRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCaptureRepository creates a new repository instance.
func NewCaptureRepository(db *gorm.DB, logger *zap.Logger) *CaptureRepository {
	return &CaptureRepository{
		db:             db,
		logger:         logger.Named("capture_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *CaptureRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CaptureAttempt{})
}

// SaveAttempt persists an attempt, retrying transient database errors.
func (r *CaptureRepository) SaveAttempt(ctx context.Context, attempt *CaptureAttempt) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.SessionID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// ListBySessionAndUser returns the attempts of a session in insertion order.
func (r *CaptureRepository) ListBySessionAndUser(ctx context.Context, sessionID, userID string) ([]*CaptureAttempt, error) {
	var attempts []*CaptureAttempt
	err := r.executeWithRetry(ctx, "repository.list_attempts", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Order("id ASC").
			Find(&attempts).Error
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// AggregateMetrics summarises every stored attempt.
func (r *CaptureRepository) AggregateMetrics(ctx context.Context) (*AttemptAggregate, error) {
	var agg AttemptAggregate
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&CaptureAttempt{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS found_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS not_found_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS failed_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS confirmed_count,
				COALESCE(SUM(CASE WHEN outcome = ? AND source = ? THEN 1 ELSE 0 END), 0) AS manual_count,
				COALESCE(AVG(CASE WHEN latency_ms > 0 THEN latency_ms END), 0) AS average_latency_ms`,
				OutcomeFound, OutcomeNotFound, OutcomeFailed, OutcomeConfirmed, OutcomeConfirmed, "manual").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *CaptureRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !retry.IsTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}
