// Package ratelimit provides token-bucket limiters for backend calls and
// windowed budgets for monitoring reports.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Backend operations with their own token bucket.
const (
	OpRecovery = "recovery"
	OpSnapshot = "snapshot"
)

// OperationRates configures per-operation request rates (requests per second).
type OperationRates struct {
	Recovery float64
	Snapshot float64
}

// DefaultOperationRates returns conservative rates for the workflow API.
func DefaultOperationRates() OperationRates {
	return OperationRates{
		Recovery: 2,
		Snapshot: 5,
	}
}

// OperationLimiter rate-limits backend calls per operation.
type OperationLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewOperationLimiter creates a limiter with the given per-operation rates.
// A non-positive rate leaves the operation unlimited.
func NewOperationLimiter(rates OperationRates) *OperationLimiter {
	ol := &OperationLimiter{limiters: make(map[string]*rate.Limiter)}
	ol.set(OpRecovery, rates.Recovery)
	ol.set(OpSnapshot, rates.Snapshot)
	return ol
}

func (ol *OperationLimiter) set(op string, rps float64) {
	if rps <= 0 {
		return
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	ol.limiters[op] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until a token is available for op, or ctx is cancelled.
func (ol *OperationLimiter) Wait(ctx context.Context, op string) error {
	ol.mu.RLock()
	limiter, ok := ol.limiters[op]
	ol.mu.RUnlock()
	if !ok {
		return nil // unknown operation = no limit
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", op, err)
	}
	return nil
}
