package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/auth"
	"github.com/example/faceverify-gateway/internal/cache"
	"github.com/example/faceverify-gateway/internal/comparator"
	"github.com/example/faceverify-gateway/internal/imageref"
	"github.com/example/faceverify-gateway/internal/logging"
	"github.com/example/faceverify-gateway/internal/repository"
	"github.com/example/faceverify-gateway/internal/retry"
	"github.com/example/faceverify-gateway/internal/verification"
)

var (
	// ErrResultNotFound is returned when no stored outcome matches the request id and caller.
	ErrResultNotFound = errors.New("verification result not found")
	// ErrAuditDisabled is returned by audit queries when no database is configured.
	ErrAuditDisabled = errors.New("audit log is not configured")
	// ErrNoThreshold means neither the caller, the service nor the default table gave a threshold.
	ErrNoThreshold = errors.New("no threshold available for model and metric")
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndCaller(ctx context.Context, requestID, caller string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Readiness gates calls on the model backend having a running instance.
type Readiness interface {
	EnsureReady(ctx context.Context) error
	Invalidate(ctx context.Context)
}

// VerifyRequest is a fully validated verification request.
type VerifyRequest struct {
	Img1      imageref.Reference
	Img2      imageref.Reference
	Options   comparator.Options
	Threshold *float64
}

// VerificationResult is returned to the caller. Threshold is always the
// effective one.
type VerificationResult struct {
	RequestID        string         `json:"request_id"`
	Verified         bool           `json:"verified"`
	Distance         float64        `json:"distance"`
	Threshold        float64        `json:"threshold"`
	Model            string         `json:"model"`
	DetectorBackend  string         `json:"detector_backend"`
	SimilarityMetric string         `json:"similarity_metric"`
	FacialAreas      map[string]any `json:"facial_areas,omitempty"`
	Time             float64        `json:"time"`
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	client    comparator.Client
	retrier   *retry.Retrier
	logger    *zap.Logger
	repo      VerificationRepository
	cache     cache.Cache
	resultTTL time.Duration
	gate      Readiness
	now       func() time.Time
}

// Option wires an optional collaborator.
type Option func(*VerificationUseCase)

// WithRepository enables the audit log.
func WithRepository(repo VerificationRepository) Option {
	return func(uc *VerificationUseCase) { uc.repo = repo }
}

// WithCache enables result caching for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(uc *VerificationUseCase) {
		uc.cache = c
		uc.resultTTL = ttl
	}
}

// WithReadiness gates every model call on the backend being up.
func WithReadiness(gate Readiness) Option {
	return func(uc *VerificationUseCase) { uc.gate = gate }
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(client comparator.Client, retrier *retry.Retrier, logger *zap.Logger, opts ...Option) *VerificationUseCase {
	uc := &VerificationUseCase{
		client:    client,
		retrier:   retrier,
		logger:    logger.Named("verification_usecase"),
		resultTTL: 5 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Verify compares two images and renders the verdict.
func (uc *VerificationUseCase) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	requestID := uuid.NewString()
	caller, _ := auth.CallerFrom(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).With(zap.String("caller", caller))

	if err := uc.ensureReady(ctx, requestID); err != nil {
		opLogger.Warn("backend not ready", zap.Error(err))
		return nil, err
	}

	params := comparator.VerifyParams{
		Img1:      req.Img1.Canonical(),
		Img2:      req.Img2.Canonical(),
		Options:   req.Options,
		Threshold: req.Threshold,
	}

	started := uc.now()
	attempts := 0
	comparison, err := retry.Do(ctx, uc.retrier, "usecase.compare", func(ctx context.Context) (*comparator.Comparison, error) {
		attempts++
		return uc.client.Verify(ctx, params)
	})
	if err != nil {
		uc.invalidateOnExhaustion(ctx, err)
		wrapped := logging.NewOperationError("usecase.compare", requestID, err)
		opLogger.Error("comparison failed", zap.Error(wrapped), zap.Int("attempts", attempts))
		return nil, wrapped
	}
	latency := uc.now().Sub(started)

	metric := firstNonEmpty(comparison.SimilarityMetric, req.Options.DistanceMetric)
	model := firstNonEmpty(comparison.Model, req.Options.ModelName)

	modelDefault := comparison.Threshold
	if modelDefault <= 0 && req.Threshold == nil {
		fallback, ok := verification.DefaultThreshold(model, metric)
		if !ok {
			err := logging.NewOperationError("usecase.decide", requestID, fmt.Errorf("%w: %s/%s", ErrNoThreshold, model, metric))
			opLogger.Error("cannot render verdict", zap.Error(err))
			return nil, err
		}
		modelDefault = fallback
	}
	decision := verification.Decide(comparison.Distance, req.Threshold, modelDefault)

	result := &VerificationResult{
		RequestID:        requestID,
		Verified:         decision.Verified,
		Distance:         decision.Distance,
		Threshold:        decision.Threshold,
		Model:            model,
		DetectorBackend:  firstNonEmpty(comparison.DetectorBackend, req.Options.DetectorBackend),
		SimilarityMetric: metric,
		FacialAreas:      comparison.Facial,
		Time:             comparison.TimeSeconds,
	}
	opLogger.Info("verification completed",
		zap.Bool("verified", result.Verified),
		zap.Float64("distance", result.Distance),
		zap.Float64("threshold", result.Threshold),
		zap.Bool("client_threshold", decision.ClientThreshold),
		zap.Int("attempts", attempts),
	)

	uc.record(ctx, opLogger, &repository.VerificationLog{
		RequestID:       requestID,
		Caller:          caller,
		Model:           result.Model,
		DetectorBackend: result.DetectorBackend,
		DistanceMetric:  result.SimilarityMetric,
		Distance:        result.Distance,
		Threshold:       result.Threshold,
		Verified:        result.Verified,
		ClientThreshold: decision.ClientThreshold,
		Attempts:        attempts,
		LatencyMs:       float64(latency) / float64(time.Millisecond),
		CreatedAt:       started.UTC(),
	})

	return result, nil
}

// Represent returns face embeddings for one image.
func (uc *VerificationUseCase) Represent(ctx context.Context, img imageref.Reference, options comparator.Options, maxFaces int) (map[string]any, error) {
	requestID := uuid.NewString()
	if err := uc.ensureReady(ctx, requestID); err != nil {
		return nil, err
	}
	params := comparator.RepresentParams{Img: img.Canonical(), Options: options, MaxFaces: maxFaces}
	out, err := retry.Do(ctx, uc.retrier, "usecase.represent", func(ctx context.Context) (map[string]any, error) {
		return uc.client.Represent(ctx, params)
	})
	if err != nil {
		uc.invalidateOnExhaustion(ctx, err)
		wrapped := logging.NewOperationError("usecase.represent", requestID, err)
		logging.WithOperation(uc.logger, "usecase.represent", requestID).Error("represent failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return out, nil
}

// Analyze returns facial attributes for one image.
func (uc *VerificationUseCase) Analyze(ctx context.Context, img imageref.Reference, actions []string, options comparator.Options) (map[string]any, error) {
	requestID := uuid.NewString()
	if err := uc.ensureReady(ctx, requestID); err != nil {
		return nil, err
	}
	params := comparator.AnalyzeParams{Img: img.Canonical(), Actions: actions, Options: options}
	out, err := retry.Do(ctx, uc.retrier, "usecase.analyze", func(ctx context.Context) (map[string]any, error) {
		return uc.client.Analyze(ctx, params)
	})
	if err != nil {
		uc.invalidateOnExhaustion(ctx, err)
		wrapped := logging.NewOperationError("usecase.analyze", requestID, err)
		logging.WithOperation(uc.logger, "usecase.analyze", requestID).Error("analyze failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return out, nil
}

// GetResult retrieves a cached verification outcome or loads from persistence.
// Only the caller that ran the verification can read it.
func (uc *VerificationUseCase) GetResult(ctx context.Context, caller, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx, resultKey(requestID))
		switch {
		case err == nil:
			var log repository.VerificationLog
			if err := json.Unmarshal([]byte(cached), &log); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else if log.Caller == caller {
				return &log, nil
			}
		case !cache.IsMiss(err):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	log, err := uc.repo.FindByRequestIDAndCaller(ctx, requestID, caller)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (uc *VerificationUseCase) ensureReady(ctx context.Context, requestID string) error {
	if uc.gate == nil {
		return nil
	}
	if err := uc.gate.EnsureReady(ctx); err != nil {
		return logging.NewOperationError("usecase.ensure_ready", requestID, err)
	}
	return nil
}

// invalidateOnExhaustion forces a fresh readiness poll after the backend kept
// reporting itself unavailable.
func (uc *VerificationUseCase) invalidateOnExhaustion(ctx context.Context, err error) {
	if uc.gate != nil && errors.Is(err, retry.ErrExhausted) {
		uc.gate.Invalidate(ctx)
	}
}

// record writes the audit row and caches it. Failures are logged but do not
// fail the verification that already succeeded.
func (uc *VerificationUseCase) record(ctx context.Context, opLogger *zap.Logger, log *repository.VerificationLog) {
	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist verification log", zap.Error(err))
		}
	}
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(log)
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return
	}
	if err := uc.cache.Set(ctx, resultKey(log.RequestID), string(serialized), uc.resultTTL); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}
}

func resultKey(requestID string) string {
	return "verification:" + requestID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
