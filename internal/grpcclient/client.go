package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify-gateway/internal/comparator"
	"github.com/example/faceverify-gateway/internal/logging"
)

// Full method names served by the face model service. Messages are
// google.protobuf.Struct in both directions.
const (
	MethodVerify    = "/faceverify.v1.FaceService/Verify"
	MethodRepresent = "/faceverify.v1.FaceService/Represent"
	MethodAnalyze   = "/faceverify.v1.FaceService/Analyze"
)

// Config describes how to reach the model service.
type Config struct {
	Addr        string
	Secret      string
	Issuer      string
	TokenTTL    time.Duration
	CallTimeout time.Duration
}

// DialComparator returns a comparator.Client for the model service. The dial
// does not block: instances may be stopped, and the first call brings them up.
func DialComparator(ctx context.Context, cfg Config, logger *zap.Logger, extra ...grpc.DialOption) (comparator.Client, *grpc.ClientConn, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.Secret != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(newServiceToken(cfg.Secret, cfg.Issuer, cfg.TokenTTL)))
	}
	opts = append(opts, extra...)

	conn, err := grpc.DialContext(ctx, cfg.Addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_comparator", "", err)
		logger.Error("failed to dial comparison service", zap.Error(wrapped), zap.String("addr", cfg.Addr))
		return nil, nil, wrapped
	}
	return &grpcComparator{conn: conn, logger: logger.Named("grpc_comparator"), callTimeout: cfg.CallTimeout}, conn, nil
}

type grpcComparator struct {
	conn        grpc.ClientConnInterface
	logger      *zap.Logger
	callTimeout time.Duration
}

func (g *grpcComparator) Verify(ctx context.Context, params comparator.VerifyParams) (*comparator.Comparison, error) {
	fields := optionFields(params.Options)
	fields["img1_path"] = params.Img1
	fields["img2_path"] = params.Img2
	fields["distance_metric"] = params.Options.DistanceMetric
	if params.Threshold != nil {
		fields["threshold"] = *params.Threshold
	}

	resp, err := g.invoke(ctx, MethodVerify, fields)
	if err != nil {
		return nil, err
	}
	return comparisonFromMap(resp)
}

func (g *grpcComparator) Represent(ctx context.Context, params comparator.RepresentParams) (map[string]any, error) {
	fields := optionFields(params.Options)
	fields["img_path"] = params.Img
	if params.MaxFaces > 0 {
		fields["max_faces"] = params.MaxFaces
	}
	return g.invoke(ctx, MethodRepresent, fields)
}

func (g *grpcComparator) Analyze(ctx context.Context, params comparator.AnalyzeParams) (map[string]any, error) {
	fields := optionFields(params.Options)
	delete(fields, "model_name")
	fields["img_path"] = params.Img
	actions := make([]any, 0, len(params.Actions))
	for _, a := range params.Actions {
		actions = append(actions, a)
	}
	fields["actions"] = actions
	return g.invoke(ctx, MethodAnalyze, fields)
}

func (g *grpcComparator) invoke(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, method, req, resp); err != nil {
		mapped := fromStatus(err)
		g.logger.Warn("comparison call failed", zap.String("method", method), zap.Error(mapped))
		return nil, mapped
	}
	return resp.AsMap(), nil
}

func optionFields(o comparator.Options) map[string]any {
	return map[string]any{
		"model_name":        o.ModelName,
		"detector_backend":  o.DetectorBackend,
		"align":             o.Align,
		"enforce_detection": o.EnforceDetection,
		"anti_spoofing":     o.AntiSpoofing,
	}
}

var errMalformedResponse = errors.New("malformed comparison response")

func comparisonFromMap(m map[string]any) (*comparator.Comparison, error) {
	rawDistance, ok := m["distance"]
	if !ok {
		return nil, &comparator.StatusError{Code: http.StatusBadGateway, Message: errMalformedResponse.Error() + ": distance missing"}
	}
	distance, err := cast.ToFloat64E(rawDistance)
	if err != nil {
		return nil, &comparator.StatusError{Code: http.StatusBadGateway, Message: fmt.Sprintf("%v: distance: %v", errMalformedResponse, err)}
	}

	c := &comparator.Comparison{
		Distance:         distance,
		Threshold:        cast.ToFloat64(m["threshold"]),
		Verified:         cast.ToBool(m["verified"]),
		Model:            cast.ToString(m["model"]),
		DetectorBackend:  cast.ToString(m["detector_backend"]),
		SimilarityMetric: cast.ToString(m["similarity_metric"]),
		TimeSeconds:      cast.ToFloat64(m["time"]),
	}
	if facial, ok := m["facial_areas"].(map[string]any); ok {
		c.Facial = facial
	}
	return c, nil
}
