package grpcclient

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/faceverify-gateway/internal/comparator"
)

// fromStatus converts a gRPC failure into a comparator.StatusError with the
// HTTP-equivalent code. Deadline and cancellation errors stay plain so the
// retry loop treats them like transport failures.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code int
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.OutOfRange:
		code = http.StatusBadRequest
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.Unauthenticated, codes.PermissionDenied:
		code = http.StatusBadGateway
	case codes.Unimplemented:
		code = http.StatusNotImplemented
	case codes.DeadlineExceeded, codes.Canceled:
		return errors.Join(errors.New(st.Message()), err)
	default:
		code = http.StatusInternalServerError
	}
	return &comparator.StatusError{Code: code, Message: st.Message()}
}
