package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceverify-gateway/internal/logging"
	"github.com/example/faceverify-gateway/internal/retry"
)

// ErrNotFound is returned when no log matches the lookup.
var ErrNotFound = errors.New("verification log not found")

// VerificationLog represents a persisted verification outcome. Images are never stored.
type VerificationLog struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	Caller          string    `gorm:"column:caller;index;size:64" json:"caller"`
	Model           string    `gorm:"column:model;size:64" json:"model"`
	DetectorBackend string    `gorm:"column:detector_backend;size:64" json:"detector_backend"`
	DistanceMetric  string    `gorm:"column:distance_metric;size:32" json:"similarity_metric"`
	Distance        float64   `gorm:"column:distance" json:"distance"`
	Threshold       float64   `gorm:"column:threshold" json:"threshold"`
	Verified        bool      `gorm:"column:verified" json:"verified"`
	ClientThreshold bool      `gorm:"column:client_threshold" json:"client_threshold"`
	Attempts        int       `gorm:"column:attempts" json:"attempts"`
	LatencyMs       float64   `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation is the raw summary computed by the database.
type MetricsAggregation struct {
	TotalCount                 int64
	VerifiedCount              int64
	ClientThresholdCount       int64
	AverageDistance            float64
	AverageProcessingLatencyMs float64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db      *gorm.DB
	logger  *zap.Logger
	retrier *retry.Retrier
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:      db,
		logger:  logger.Named("verification_repository"),
		retrier: retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2}, logger),
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
	})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndCaller retrieves a verification log matching the request and caller.
func (r *VerificationRepository) FindByRequestIDAndCaller(ctx context.Context, requestID, caller string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND caller = ?", requestID, caller).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, logging.NewOperationError("repository.find_log", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every stored verification.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount           int64
		VerifiedCount        int64
		ClientThresholdCount int64
		AverageDistance      float64
		AverageLatency       float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified_count, " +
				"COALESCE(SUM(CASE WHEN client_threshold THEN 1 ELSE 0 END), 0) AS client_threshold_count, " +
				"COALESCE(AVG(distance), 0) AS average_distance, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:                 row.TotalCount,
		VerifiedCount:              row.VerifiedCount,
		ClientThresholdCount:       row.ClientThresholdCount,
		AverageDistance:            row.AverageDistance,
		AverageProcessingLatencyMs: row.AverageLatency,
	}, nil
}

// executeWithRetry retries fn only while it fails with timeouts or temporary
// errors; anything else is returned after the first attempt.
func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	_, err := retry.Do(ctx, r.retrier, operation, func(context.Context) (struct{}, error) {
		err := fn()
		if err != nil && !isTransientError(err) {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		wrapped := logging.NewOperationError(operation, requestID, err)
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.WithOperation(r.logger, operation, requestID).Error("database operation failed", zap.Error(wrapped))
		}
		return wrapped
	}
	return nil
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
