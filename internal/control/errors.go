package control

import (
	"errors"

	"github.com/signalsfoundry/predictive-relay/core"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest marks a request message that cannot be decoded into
	// a policy update.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotReady is returned when the service was built without a link.
	ErrNotReady = errors.New("control service not ready")
)

// ToStatusError maps relay errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, core.ErrConfigurationInvalid):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrSimulatorClosed),
		errors.Is(err, core.ErrPredictorClosed):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
