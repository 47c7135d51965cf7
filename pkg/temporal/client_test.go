package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/retry"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.uber.org/zap/zaptest"
)

func TestConnectRetriesOnlyTransientErrors(t *testing.T) {
	cfg := retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"namespace not found", serviceerror.NewNamespaceNotFound("rag"), 1},
		{"invalid argument", fmt.Errorf("dial: %w", serviceerror.NewInvalidArgument("bad namespace")), 1},
		{"permission denied", serviceerror.NewPermissionDenied("no access", ""), 1},
		{"frontend unavailable", serviceerror.NewUnavailable("frontend down"), 3},
		{"plain network error", errors.New("connection refused"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "temporal_connection", func() error {
				calls++
				return classifyConnectError(tt.err)
			})
			require.Error(t, err)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, tt.wantCalls, calls)
		})
	}
}
