package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ReportBudget caps how many monitoring reports a (workflow, agent) pair may
// emit within a fixed window. A failure storm on one agent should not flood
// the monitoring sink.
type ReportBudget struct {
	mu     sync.Mutex
	counts map[string]*windowCounter

	maxPerWindow int
	windowSize   time.Duration
	now          func() time.Time
}

type windowCounter struct {
	count     int
	windowEnd time.Time
}

// NewReportBudget creates a budget allowing maxPerWindow reports per
// (workflowID, agent) within windowSize. A non-positive maxPerWindow
// disables the budget.
func NewReportBudget(maxPerWindow int, windowSize time.Duration) *ReportBudget {
	return &ReportBudget{
		counts:       make(map[string]*windowCounter),
		maxPerWindow: maxPerWindow,
		windowSize:   windowSize,
		now:          time.Now,
	}
}

func budgetKey(workflowID, agent string) string {
	return workflowID + "|" + agent
}

// Check returns an error if the pair has used up its window.
func (b *ReportBudget) Check(workflowID, agent string) error {
	if b.maxPerWindow <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	wc, ok := b.counts[budgetKey(workflowID, agent)]
	if !ok || b.now().After(wc.windowEnd) {
		return nil
	}
	if wc.count >= b.maxPerWindow {
		return fmt.Errorf("report budget exceeded: workflow %s agent %s (%d/%d in window)",
			workflowID, agent, wc.count, b.maxPerWindow)
	}
	return nil
}

// Record counts one report for the pair.
func (b *ReportBudget) Record(workflowID, agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := budgetKey(workflowID, agent)
	wc, ok := b.counts[key]
	if !ok || b.now().After(wc.windowEnd) {
		b.counts[key] = &windowCounter{
			count:     1,
			windowEnd: b.now().Add(b.windowSize),
		}
		b.pruneLocked()
		return
	}
	wc.count++
}

// Allow is Check followed by Record when the check passes.
func (b *ReportBudget) Allow(workflowID, agent string) bool {
	if err := b.Check(workflowID, agent); err != nil {
		return false
	}
	b.Record(workflowID, agent)
	return true
}

// pruneLocked drops expired windows so long-lived sessions do not grow the
// map without bound.
func (b *ReportBudget) pruneLocked() {
	now := b.now()
	for k, wc := range b.counts {
		if now.After(wc.windowEnd) {
			delete(b.counts, k)
		}
	}
}
