package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Pending Requests
// =============================================================================

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestResolved  RequestStatus = "resolved"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

var (
	// ErrRequestNotFound is returned for an unknown request ID.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrRequestClosed is returned when resolving a request that is no
	// longer pending.
	ErrRequestClosed = errors.New("approval request is not pending")
)

// Request is an action waiting for a human decision. A run that hits a
// pending decision opens one and escalates; resolving it registers the
// chosen policy so the next run with the same key proceeds.
type Request struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	SessionID  string        `json:"session_id"`
	ActionText string        `json:"action_text"`
	Plan       Plan          `json:"plan"`
	Decision   Decision      `json:"decision"`
	Status     RequestStatus `json:"status"`
	Resolution Policy        `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

func (r *Request) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

type pendingBook struct {
	byID      map[string]*Request
	bySession map[string][]*Request
	mu        sync.RWMutex
}

func newPendingBook() *pendingBook {
	return &pendingBook{
		byID:      make(map[string]*Request),
		bySession: make(map[string][]*Request),
	}
}

// OpenRequest records a pending approval for actionText. If a pending
// request with the same key already exists for the session it is returned
// instead of opening a duplicate.
func (g *Gate) OpenRequest(sessionID, actionText string, plan Plan, d Decision) Request {
	key := Key(actionText, plan)
	now := time.Now().UTC()

	b := g.pending
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.bySession[sessionID] {
		if r.Key == key && r.Status == RequestPending && !r.expired(now) {
			return *r
		}
	}

	r := &Request{
		ID:         "apr_" + uuid.New().String()[:16],
		Key:        key,
		SessionID:  sessionID,
		ActionText: actionText,
		Plan:       plan,
		Decision:   d,
		Status:     RequestPending,
		CreatedAt:  now,
	}
	if g.pendingTTL > 0 {
		exp := now.Add(g.pendingTTL)
		r.ExpiresAt = &exp
	}
	b.byID[r.ID] = r
	b.bySession[sessionID] = append(b.bySession[sessionID], r)

	if g.logger != nil {
		g.logger.Info("approval_request_opened",
			"request_id", r.ID,
			"session_id", sessionID,
			"key", key,
			"risk", string(d.RiskLevel),
		)
	}
	return *r
}

// GetRequest returns a copy of the request, or ErrRequestNotFound.
func (g *Gate) GetRequest(id string) (Request, error) {
	g.pending.mu.RLock()
	defer g.pending.mu.RUnlock()
	r, ok := g.pending.byID[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return *r, nil
}

// ListPending returns unexpired pending requests, oldest first. An empty
// sessionID lists every session.
func (g *Gate) ListPending(sessionID string) []Request {
	now := time.Now().UTC()
	g.pending.mu.RLock()
	defer g.pending.mu.RUnlock()

	var out []Request
	for _, r := range g.pending.byID {
		if r.Status != RequestPending || r.expired(now) {
			continue
		}
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve closes a pending request with policy and registers it with the
// gate. PolicyNone dismisses the request without recording a grant.
func (g *Gate) Resolve(ctx context.Context, id string, policy Policy) (Request, error) {
	now := time.Now().UTC()

	b := g.pending
	b.mu.Lock()
	r, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return Request{}, ErrRequestNotFound
	}
	if r.Status != RequestPending || r.expired(now) {
		status := r.Status
		b.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrRequestClosed, status)
	}
	actionText, plan := r.ActionText, r.Plan
	b.mu.Unlock()

	if err := g.RegisterDecision(ctx, policy, actionText, plan); err != nil {
		return Request{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r.Status = RequestResolved
	r.Resolution = policy
	r.ResolvedAt = &now

	if g.logger != nil {
		g.logger.Info("approval_request_resolved",
			"request_id", id,
			"policy", string(policy),
		)
	}
	return *r, nil
}

// Cancel withdraws a pending request.
func (g *Gate) Cancel(id, reason string) error {
	b := g.pending
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.byID[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status != RequestPending {
		return fmt.Errorf("%w: %s", ErrRequestClosed, r.Status)
	}
	r.Status = RequestCancelled

	if g.logger != nil {
		g.logger.Info("approval_request_cancelled", "request_id", id, "reason", reason)
	}
	return nil
}

// ExpirePending marks overdue pending requests expired and returns how many
// were changed.
func (g *Gate) ExpirePending() int {
	now := time.Now().UTC()
	b := g.pending
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, r := range b.byID {
		if r.Status == RequestPending && r.expired(now) {
			r.Status = RequestExpired
			count++
		}
	}
	if g.logger != nil && count > 0 {
		g.logger.Info("approval_requests_expired", "count", count)
	}
	return count
}

// CleanupClosed drops non-pending requests created before olderThan ago.
func (g *Gate) CleanupClosed(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	b := g.pending
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for id, r := range b.byID {
		if r.Status == RequestPending || !r.CreatedAt.Before(cutoff) {
			continue
		}
		list := b.bySession[r.SessionID]
		for i, other := range list {
			if other.ID == id {
				b.bySession[r.SessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.bySession[r.SessionID]) == 0 {
			delete(b.bySession, r.SessionID)
		}
		delete(b.byID, id)
		count++
	}
	if g.logger != nil && count > 0 {
		g.logger.Info("approval_requests_cleaned_up", "count", count)
	}
	return count
}

// RequestStats counts requests by status.
func (g *Gate) RequestStats() map[string]int {
	g.pending.mu.RLock()
	defer g.pending.mu.RUnlock()

	stats := map[string]int{
		"total":     len(g.pending.byID),
		"pending":   0,
		"resolved":  0,
		"expired":   0,
		"cancelled": 0,
	}
	for _, r := range g.pending.byID {
		stats[string(r.Status)]++
	}
	return stats
}
