package control

import (
	"errors"
	"fmt"
	"testing"

	"github.com/signalsfoundry/predictive-relay/core"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid request", err: fmt.Errorf("%w: bad field", ErrInvalidRequest), code: codes.InvalidArgument},
		{name: "invalid configuration", err: fmt.Errorf("%w: loss", core.ErrConfigurationInvalid), code: codes.InvalidArgument},
		{name: "not ready", err: ErrNotReady, code: codes.FailedPrecondition},
		{name: "simulator closed", err: core.ErrSimulatorClosed, code: codes.Unavailable},
		{name: "predictor closed", err: core.ErrPredictorClosed, code: codes.Unavailable},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
