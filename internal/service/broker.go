package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/adapter/otel"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/approval"
)

// pendingApproval tracks one in-flight approval request. The decision channel
// has buffer=1 so the single writer (Resolve, expiry timer, or orphan decline)
// never blocks.
type pendingApproval struct {
	req      approval.Request
	threadID string
	ch       chan approval.Decision
	timer    *time.Timer
}

// ApprovalWait is the handle returned by Register. Await blocks until the
// request is resolved, expires, or the context is cancelled.
type ApprovalWait struct {
	ch <-chan approval.Decision
}

// Await returns the decision for the registered request. Every exit path
// yields a decision: timeout and context cancellation both decline.
func (w *ApprovalWait) Await(ctx context.Context) approval.Decision {
	select {
	case d := <-w.ch:
		return d
	case <-ctx.Done():
		return approval.Declined
	}
}

// ApprovalBroker holds pending human-in-the-loop approval requests keyed by
// item ID and routes the first decision to the waiting turn.
type ApprovalBroker struct {
	timeout time.Duration
	metrics *otel.Metrics

	mu      sync.Mutex
	pending map[string]*pendingApproval
	// expired records item IDs whose timer fired before any decision arrived,
	// so a late Resolve can report the timeout instead of a plain miss.
	expired map[string]time.Time
}

// NewApprovalBroker creates a broker. A zero timeout uses the default
// approval deadline.
func NewApprovalBroker(timeout time.Duration, metrics *otel.Metrics) *ApprovalBroker {
	if timeout <= 0 {
		timeout = approval.Timeout
	}
	return &ApprovalBroker{
		timeout: timeout,
		metrics: metrics,
		pending: make(map[string]*pendingApproval),
		expired: make(map[string]time.Time),
	}
}

// Register adds a pending request and starts its expiry timer. A second
// registration under the same item ID is rejected with domain.ErrConflict.
func (b *ApprovalBroker) Register(req approval.Request) (*ApprovalWait, error) {
	if req.ItemID == "" {
		return nil, domain.ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[req.ItemID]; ok {
		return nil, domain.ErrConflict
	}
	b.sweepExpiredLocked()

	p := &pendingApproval{
		req:      req,
		threadID: req.ThreadID,
		ch:       make(chan approval.Decision, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(req.ItemID) })
	b.pending[req.ItemID] = p
	return &ApprovalWait{ch: p.ch}, nil
}

// Resolve delivers a decision to the waiting turn. Resolution is
// effectively-once: the first call wins, later calls see domain.ErrNotFound,
// or domain.ErrTimeout when the request already expired.
func (b *ApprovalBroker) Resolve(itemID string, d approval.Decision) error {
	if !d.Verdict.Valid() {
		return domain.ErrInvalidInput
	}
	b.mu.Lock()
	p, ok := b.pending[itemID]
	if !ok {
		b.sweepExpiredLocked()
		if _, wasExpired := b.expired[itemID]; wasExpired {
			b.mu.Unlock()
			return domain.ErrTimeout
		}
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(b.pending, itemID)
	b.mu.Unlock()

	p.timer.Stop()
	p.ch <- d
	if b.metrics != nil {
		b.metrics.ApprovalsResolved.Add(context.Background(), 1)
	}
	return nil
}

// ResolveForThread is Resolve scoped to a thread: a decision addressed to the
// wrong thread does not consume the pending request.
func (b *ApprovalBroker) ResolveForThread(threadID, itemID string, d approval.Decision) error {
	b.mu.Lock()
	if p, ok := b.pending[itemID]; ok && p.threadID != threadID {
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	b.mu.Unlock()
	return b.Resolve(itemID, d)
}

// DeclineThread fails every pending request belonging to the thread. Called
// when the last event subscriber disconnects while approvals are in flight.
func (b *ApprovalBroker) DeclineThread(threadID string) {
	b.mu.Lock()
	var orphaned []*pendingApproval
	for id, p := range b.pending {
		if p.threadID == threadID {
			delete(b.pending, id)
			orphaned = append(orphaned, p)
		}
	}
	b.mu.Unlock()

	for _, p := range orphaned {
		p.timer.Stop()
		p.ch <- approval.Declined
		slog.Warn("approval orphaned, declining",
			"thread_id", threadID,
			"item_id", p.req.ItemID,
		)
	}
}

// Pending reports whether the item still awaits a decision.
func (b *ApprovalBroker) Pending(itemID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[itemID]
	return ok
}

func (b *ApprovalBroker) expire(itemID string) {
	b.mu.Lock()
	p, ok := b.pending[itemID]
	if ok {
		delete(b.pending, itemID)
		b.expired[itemID] = time.Now()
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	p.ch <- approval.Declined
	slog.Warn("approval timed out, declining",
		"thread_id", p.threadID,
		"item_id", itemID,
		"timeout", b.timeout,
	)
	if b.metrics != nil {
		b.metrics.ApprovalsExpired.Add(context.Background(), 1)
	}
}

// sweepExpiredLocked drops expiry tombstones old enough that no caller could
// still be retrying them. Caller holds b.mu.
func (b *ApprovalBroker) sweepExpiredLocked() {
	cutoff := time.Now().Add(-b.timeout)
	for id, at := range b.expired {
		if at.Before(cutoff) {
			delete(b.expired, id)
		}
	}
}
