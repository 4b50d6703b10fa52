package planner

import (
	"sync"
	"time"
)

// Session is the state of one run. It is owned by a single Run call and
// handed to the ActionRunner; it is never shared between runs.
type Session struct {
	RunID     string
	Goal      string
	Cwd       string
	StartedAt time.Time

	history []string
	actions []string

	// Steps counts executed actions.
	Steps int
	// ConsecutiveFailures resets on every successful execution.
	ConsecutiveFailures int
	TotalFailures       int

	attempts   map[string]int
	lastAction map[string]string

	mu sync.Mutex
}

func newSession(runID, goal, cwd string) *Session {
	return &Session{
		RunID:      runID,
		Goal:       goal,
		Cwd:        cwd,
		StartedAt:  time.Now().UTC(),
		attempts:   make(map[string]int),
		lastAction: make(map[string]string),
	}
}

// Append adds an entry to the run history.
func (s *Session) Append(entry string) {
	s.mu.Lock()
	s.history = append(s.history, entry)
	s.mu.Unlock()
}

// History returns a copy of the run history.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// Actions returns a copy of the attempted action strings, oldest first.
func (s *Session) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.actions))
	copy(out, s.actions)
	return out
}

func (s *Session) recordAction(planKey, formatted string) {
	s.mu.Lock()
	s.actions = append(s.actions, formatted)
	s.lastAction[planKey] = formatted
	s.mu.Unlock()
}

// visit bumps and returns the attempt counter for planKey.
func (s *Session) visit(planKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[planKey]++
	return s.attempts[planKey]
}

func (s *Session) lastActionAt(planKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction[planKey]
}

func (s *Session) fail() {
	s.mu.Lock()
	s.ConsecutiveFailures++
	s.TotalFailures++
	s.mu.Unlock()
}

func (s *Session) succeed() {
	s.mu.Lock()
	s.Steps++
	s.ConsecutiveFailures = 0
	s.mu.Unlock()
}

func (s *Session) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConsecutiveFailures > 0
}
