package grpcclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify-gateway/internal/comparator"
)

const testSecret = "model-secret"

type fakeService struct {
	method   string
	request  map[string]any
	authz    string
	response map[string]any
	err      error
}

func (f *fakeService) handle(_ any, stream grpc.ServerStream) error {
	f.method, _ = grpc.MethodFromServerStream(stream)
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			f.authz = values[0]
		}
	}
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	f.request = req.AsMap()
	if f.err != nil {
		return f.err
	}
	resp, err := structpb.NewStruct(f.response)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startFakeService(t *testing.T, svc *fakeService) comparator.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnknownServiceHandler(svc.handle))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	client, conn, err := DialComparator(context.Background(), Config{
		Addr:        "bufnet",
		Secret:      testSecret,
		CallTimeout: 5 * time.Second,
	}, zap.NewNop(), grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestVerifySendsParamsAndParsesComparison(t *testing.T) {
	svc := &fakeService{response: map[string]any{
		"verified":          true,
		"distance":          0.21,
		"threshold":         0.68,
		"model":             "VGG-Face",
		"detector_backend":  "opencv",
		"similarity_metric": "cosine",
		"facial_areas":      map[string]any{"img1": map[string]any{"x": 1.0}},
		"time":              1.5,
	}}
	client := startFakeService(t, svc)
	threshold := 0.3

	got, err := client.Verify(context.Background(), comparator.VerifyParams{
		Img1:      "https://example.com/a.jpg",
		Img2:      "data:image/png;base64,AAAA",
		Options:   comparator.DefaultOptions(),
		Threshold: &threshold,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if svc.method != MethodVerify {
		t.Fatalf("unexpected method %q", svc.method)
	}
	if svc.request["img1_path"] != "https://example.com/a.jpg" || svc.request["distance_metric"] != "cosine" {
		t.Fatalf("unexpected request: %v", svc.request)
	}
	if svc.request["threshold"] != 0.3 {
		t.Fatalf("expected threshold forwarded, got %v", svc.request["threshold"])
	}
	if got.Distance != 0.21 || got.Threshold != 0.68 || got.Model != "VGG-Face" || got.Facial == nil {
		t.Fatalf("unexpected comparison: %+v", got)
	}

	token := strings.TrimPrefix(svc.authz, "Bearer ")
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}); err != nil {
		t.Fatalf("expected valid service token, got %v", err)
	}
	if claims.Issuer != "faceverify-gateway" || claims.Subject != "gateway" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyOmitsThresholdWhenAbsent(t *testing.T) {
	svc := &fakeService{response: map[string]any{"distance": 0.5}}
	client := startFakeService(t, svc)

	if _, err := client.Verify(context.Background(), comparator.VerifyParams{Img1: "a", Img2: "b", Options: comparator.DefaultOptions()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := svc.request["threshold"]; present {
		t.Fatalf("threshold must not be sent when absent: %v", svc.request)
	}
}

func TestVerifyMapsUnavailable(t *testing.T) {
	svc := &fakeService{err: status.Error(codes.Unavailable, "scaling up")}
	client := startFakeService(t, svc)

	_, err := client.Verify(context.Background(), comparator.VerifyParams{Img1: "a", Img2: "b"})
	var statusErr *comparator.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T %v", err, err)
	}
	if statusErr.Code != http.StatusServiceUnavailable || !statusErr.Transient() {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestVerifyRejectsResponseWithoutDistance(t *testing.T) {
	svc := &fakeService{response: map[string]any{"verified": true}}
	client := startFakeService(t, svc)

	_, err := client.Verify(context.Background(), comparator.VerifyParams{Img1: "a", Img2: "b"})
	var statusErr *comparator.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %v", err)
	}
}

func TestAnalyzeSendsActions(t *testing.T) {
	svc := &fakeService{response: map[string]any{"results": []any{map[string]any{"age": 31.0}}}}
	client := startFakeService(t, svc)

	got, err := client.Analyze(context.Background(), comparator.AnalyzeParams{
		Img:     "a",
		Actions: []string{"age", "gender"},
		Options: comparator.DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.method != MethodAnalyze {
		t.Fatalf("unexpected method %q", svc.method)
	}
	actions, _ := svc.request["actions"].([]any)
	if len(actions) != 2 || actions[0] != "age" {
		t.Fatalf("unexpected actions: %v", svc.request["actions"])
	}
	if _, ok := svc.request["model_name"]; ok {
		t.Fatal("analyze must not send model_name")
	}
	if _, ok := got["results"]; !ok {
		t.Fatalf("unexpected response: %v", got)
	}
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		code codes.Code
		want int
	}{
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.FailedPrecondition, http.StatusBadRequest},
		{codes.ResourceExhausted, http.StatusTooManyRequests},
		{codes.PermissionDenied, http.StatusBadGateway},
		{codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := fromStatus(status.Error(tc.code, "x"))
		var statusErr *comparator.StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %v", tc.code, tc.want, err)
		}
	}

	deadline := fromStatus(status.Error(codes.DeadlineExceeded, "slow"))
	var statusErr *comparator.StatusError
	if errors.As(deadline, &statusErr) {
		t.Fatal("deadline errors must stay plain")
	}

	plain := errors.New("dial tcp: refused")
	if fromStatus(plain) != plain {
		t.Fatal("non-status errors must pass through")
	}
}
