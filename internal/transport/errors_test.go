package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     codes.Code
		sentinel error
	}{
		{"validation", &coordinator.ValidationError{Field: "target", Reason: "is empty"}, codes.InvalidArgument, coordinator.ErrJobValidation},
		{"not found", fmt.Errorf("job x: %w", coordinator.ErrJobNotFound), codes.NotFound, coordinator.ErrJobNotFound},
		{"unknown node", coordinator.ErrUnknownNode, codes.FailedPrecondition, coordinator.ErrUnknownNode},
		{"stopped", coordinator.ErrStopped, codes.Unavailable, coordinator.ErrStopped},
		{"canceled", context.Canceled, codes.Canceled, context.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, context.DeadlineExceeded},
		{"other", errors.New("disk full"), codes.Internal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ToStatus(tt.err)
			assert.Equal(t, tt.code, status.Code(st))

			back := FromStatus(st)
			if tt.sentinel == nil {
				assert.Equal(t, st, back)
				return
			}
			assert.ErrorIs(t, back, tt.sentinel)

			var remote *RemoteError
			if assert.ErrorAs(t, back, &remote) {
				assert.Equal(t, tt.code, remote.Code)
				assert.Equal(t, tt.err.Error(), remote.Message)
			}
		})
	}
}

func TestStatusMappingNil(t *testing.T) {
	assert.NoError(t, ToStatus(nil))
	assert.NoError(t, FromStatus(nil))
}

func TestToStatusKeepsExistingStatus(t *testing.T) {
	st := status.Error(codes.ResourceExhausted, "slow down")
	assert.Equal(t, st, ToStatus(st))
}

func TestFromStatusTransportUnavailable(t *testing.T) {
	st := status.Error(codes.Unavailable, "connection refused")
	err := FromStatus(st)
	assert.NotErrorIs(t, err, coordinator.ErrStopped)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestFromStatusPlainError(t *testing.T) {
	plain := errors.New("plain")
	assert.Equal(t, plain, FromStatus(plain))
}
