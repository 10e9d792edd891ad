package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/faceverify-gateway/internal/auth"
	"github.com/example/faceverify-gateway/internal/comparator"
	"github.com/example/faceverify-gateway/internal/imageref"
	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/repository"
	"github.com/example/faceverify-gateway/internal/retry"
	"github.com/example/faceverify-gateway/internal/usecase"
	"github.com/example/faceverify-gateway/internal/verification"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 10 << 20

// maxBodySize leaves room for two images plus form fields.
const maxBodySize = 2*MaxUploadSize + 1<<20

// ErrInvalidParameter is returned for malformed algorithm parameters.
var ErrInvalidParameter = errors.New("invalid parameter")

var defaultActions = []string{"age", "gender", "emotion", "race"}

// Service is the use case surface the routes depend on.
type Service interface {
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerificationResult, error)
	Represent(ctx context.Context, img imageref.Reference, options comparator.Options, maxFaces int) (map[string]any, error)
	Analyze(ctx context.Context, img imageref.Reference, actions []string, options comparator.Options) (map[string]any, error)
	GetResult(ctx context.Context, caller, requestID string) (*repository.VerificationLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options tune the HTTP surface.
type Options struct {
	Version string
	// RetryAfter is advertised when the backend is not ready.
	RetryAfter time.Duration
	Logger     *zap.Logger
}

type routes struct {
	svc      Service
	resolver imageref.Resolver
	opts     Options
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, opts Options) {
	if opts.Version == "" {
		opts.Version = "unknown"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &routes{
		svc:      svc,
		resolver: imageref.Resolver{MaxUploadBytes: MaxUploadSize},
		opts:     opts,
		logger:   logger.Named("handlers"),
	}

	router.Use(versionHeader(opts.Version))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	protected := router.Group("/", authMiddleware, limitBody(maxBodySize))
	protected.GET("/", h.home)
	protected.POST("/verify", h.verify)
	protected.POST("/represent", h.represent)
	protected.POST("/analyze", h.analyze)
	protected.GET("/result/:id", h.result)
	protected.GET("/metrics/summary", h.metrics)
}

func versionHeader(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Version", version)
		c.Next()
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func (h *routes) home(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf("<h1>Welcome to the face verification gateway v%s!</h1>", h.opts.Version)))
}

func (h *routes) verify(c *gin.Context) {
	in, err := imageref.FromRequest(c.Request)
	if err != nil {
		h.fail(c, err)
		return
	}

	img1, err := h.resolver.Resolve(in, "img1")
	if err != nil {
		h.fail(c, err)
		return
	}
	img2, err := h.resolver.Resolve(in, "img2")
	if err != nil {
		h.fail(c, err)
		return
	}

	threshold, err := verification.ParseThreshold(in.Fields["threshold"])
	if err != nil {
		h.fail(c, err)
		return
	}

	options, err := parseOptions(in.Fields)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.svc.Verify(c.Request.Context(), usecase.VerifyRequest{
		Img1:      img1,
		Img2:      img2,
		Options:   options,
		Threshold: threshold,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *routes) represent(c *gin.Context) {
	in, err := imageref.FromRequest(c.Request)
	if err != nil {
		h.fail(c, err)
		return
	}
	img, err := h.resolver.Resolve(in, "img")
	if err != nil {
		h.fail(c, err)
		return
	}
	options, err := parseOptions(in.Fields)
	if err != nil {
		h.fail(c, err)
		return
	}
	maxFaces, err := parseMaxFaces(in.Fields["max_faces"])
	if err != nil {
		h.fail(c, err)
		return
	}

	out, err := h.svc.Represent(c.Request.Context(), img, options, maxFaces)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *routes) analyze(c *gin.Context) {
	in, err := imageref.FromRequest(c.Request)
	if err != nil {
		h.fail(c, err)
		return
	}
	img, err := h.resolver.Resolve(in, "img")
	if err != nil {
		h.fail(c, err)
		return
	}
	options, err := parseOptions(in.Fields)
	if err != nil {
		h.fail(c, err)
		return
	}
	actions, err := parseActions(in.Fields["actions"])
	if err != nil {
		h.fail(c, err)
		return
	}

	out, err := h.svc.Analyze(c.Request.Context(), img, actions, options)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *routes) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	caller, _ := auth.CallerFrom(c.Request.Context())

	log, err := h.svc.GetResult(c.Request.Context(), caller, requestID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *routes) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// fail maps err onto a status and writes {"error": msg}.
func (h *routes) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable && h.opts.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(h.opts.RetryAfter.Seconds())))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Info("request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": publicMessage(err, status)})
}

func statusFor(err error) int {
	var statusErr *comparator.StatusError
	switch {
	case errors.Is(err, imageref.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageref.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, imageref.ErrMissingField),
		errors.Is(err, imageref.ErrEmptyUpload),
		errors.Is(err, imageref.ErrMalformedBody),
		errors.Is(err, verification.ErrInvalidThreshold),
		errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrAuditDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, lifecycle.ErrBackendNotReady), errors.Is(err, retry.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr):
		if statusErr.Code >= 400 && statusErr.Code < 500 {
			return statusErr.Code
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func publicMessage(err error, status int) string {
	var fieldErr *imageref.FieldError
	var statusErr *comparator.StatusError
	switch {
	case errors.As(err, &fieldErr):
		return fieldErr.Error()
	case errors.Is(err, verification.ErrInvalidThreshold):
		return "Threshold must be a valid float value"
	case errors.Is(err, lifecycle.ErrBackendNotReady):
		return "backend not ready"
	case errors.Is(err, retry.ErrExhausted):
		return "backend temporarily unavailable"
	case errors.As(err, &statusErr) && status < http.StatusInternalServerError:
		return statusErr.Message
	case status < http.StatusInternalServerError:
		return err.Error()
	default:
		return http.StatusText(status)
	}
}

func parseOptions(fields map[string]any) (comparator.Options, error) {
	opts := comparator.DefaultOptions()
	var err error
	if opts.ModelName, err = stringParam(fields, "model_name", opts.ModelName); err != nil {
		return opts, err
	}
	if opts.DetectorBackend, err = stringParam(fields, "detector_backend", opts.DetectorBackend); err != nil {
		return opts, err
	}
	if opts.DistanceMetric, err = stringParam(fields, "distance_metric", opts.DistanceMetric); err != nil {
		return opts, err
	}
	if opts.Align, err = boolParam(fields, "align", opts.Align); err != nil {
		return opts, err
	}
	if opts.EnforceDetection, err = boolParam(fields, "enforce_detection", opts.EnforceDetection); err != nil {
		return opts, err
	}
	if opts.AntiSpoofing, err = boolParam(fields, "anti_spoofing", opts.AntiSpoofing); err != nil {
		return opts, err
	}
	return opts, nil
}

func stringParam(fields map[string]any, key, fallback string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	value, isString := raw.(string)
	if !isString {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParameter, key)
	}
	if value = strings.TrimSpace(value); value == "" {
		return fallback, nil
	}
	return value, nil
}

func boolParam(fields map[string]any, key string, fallback bool) (bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	if s, isString := raw.(string); isString {
		if s = strings.TrimSpace(s); s == "" {
			return fallback, nil
		}
		raw = s
	}
	value, err := cast.ToBoolE(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameter, key)
	}
	return value, nil
}

func parseMaxFaces(raw any) (int, error) {
	if raw == nil {
		return 0, nil
	}
	if s, isString := raw.(string); isString && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	value, err := cast.ToFloat64E(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: max_faces must be a non-negative number", ErrInvalidParameter)
	}
	return int(value), nil
}

// parseActions accepts a JSON list or a loose string such as "[age, 'gender']".
func parseActions(raw any) ([]string, error) {
	if raw == nil {
		return defaultActions, nil
	}
	var items []string
	switch v := raw.(type) {
	case string:
		cleaned := strings.NewReplacer("[", "", "]", "", "(", "", ")", "", `"`, "", "'", "", " ", "").Replace(v)
		for _, item := range strings.Split(cleaned, ",") {
			if item != "" {
				items = append(items, item)
			}
		}
	case []any:
		for _, item := range v {
			s, err := cast.ToStringE(item)
			if err != nil {
				return nil, fmt.Errorf("%w: actions must be strings", ErrInvalidParameter)
			}
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
	default:
		return nil, fmt.Errorf("%w: actions must be a list", ErrInvalidParameter)
	}
	if len(items) == 0 {
		return defaultActions, nil
	}
	return items, nil
}
