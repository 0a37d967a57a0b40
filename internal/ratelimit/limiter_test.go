package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationLimiter_Wait(t *testing.T) {
	ol := NewOperationLimiter(OperationRates{Recovery: 100, Snapshot: 100})
	require.NoError(t, ol.Wait(context.Background(), OpRecovery))
	require.NoError(t, ol.Wait(context.Background(), OpSnapshot))
}

func TestOperationLimiter_UnknownOperation(t *testing.T) {
	ol := NewOperationLimiter(DefaultOperationRates())
	assert.NoError(t, ol.Wait(context.Background(), "upload"))
}

func TestOperationLimiter_ZeroRateIsUnlimited(t *testing.T) {
	ol := NewOperationLimiter(OperationRates{})
	for i := 0; i < 50; i++ {
		require.NoError(t, ol.Wait(context.Background(), OpRecovery))
	}
}

func TestOperationLimiter_CancelledContext(t *testing.T) {
	ol := NewOperationLimiter(OperationRates{Recovery: 0.001})

	// Consume the burst.
	_ = ol.Wait(context.Background(), OpRecovery)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, ol.Wait(ctx, OpRecovery))
}
