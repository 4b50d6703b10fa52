// Package tools executes normalized actions. Handlers are registered per
// action kind; a handler bound to a lane runs through the command queue so
// side effects on that lane are serialized.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
)

// ErrUnsupported is returned for an action kind with no handler.
var ErrUnsupported = errors.New("no handler for action kind")

// MaxOutputRunes bounds the output recorded in run history.
const MaxOutputRunes = 2000

// Handler executes one action and returns its output.
type Handler func(ctx context.Context, a action.Action, session *planner.Session) (string, error)

// Definition binds a handler to an action kind.
type Definition struct {
	Kind        action.Kind
	Description string
	// Lane routes execution through the command queue. Empty runs inline.
	Lane    string
	Handler Handler
}

// Queue is the command queue as seen by the dispatcher.
type Queue interface {
	Enqueue(ctx context.Context, lane string, task kernel.Task, warnAfter time.Duration) (string, error)
}

// Logger is the structured logger used by the dispatcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Dispatcher implements planner.ActionRunner.
type Dispatcher struct {
	handlers  map[action.Kind]*Definition
	queue     Queue
	warnAfter time.Duration
	logger    Logger
	mu        sync.RWMutex
}

var _ planner.ActionRunner = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. queue may be nil, in which case lane
// bindings are ignored and every handler runs inline.
func NewDispatcher(queue Queue, warnAfter time.Duration, logger Logger) *Dispatcher {
	if warnAfter <= 0 {
		warnAfter = kernel.DefaultWarnAfter
	}
	return &Dispatcher{
		handlers:  make(map[action.Kind]*Definition),
		queue:     queue,
		warnAfter: warnAfter,
		logger:    logger,
	}
}

// Register binds def to its kind, replacing any previous handler.
func (d *Dispatcher) Register(def *Definition) error {
	if def.Kind == "" {
		return fmt.Errorf("action kind is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("handler is required for '%s'", def.Kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[def.Kind] = def
	return nil
}

// Execute runs a and appends any output to the session history.
func (d *Dispatcher) Execute(ctx context.Context, a action.Action, session *planner.Session) error {
	d.mu.RLock()
	def, ok := d.handlers[a.Kind()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, a.Kind())
	}

	start := time.Now()
	var (
		out string
		err error
	)
	if def.Lane != "" && d.queue != nil {
		out, err = d.queue.Enqueue(ctx, def.Lane, func(ctx context.Context) (string, error) {
			return def.Handler(ctx, a, session)
		}, d.warnAfter)
	} else {
		out, err = def.Handler(ctx, a, session)
	}

	if out != "" && session != nil {
		session.Append("OUTPUT " + string(a.Kind()) + ": " + truncate(out, MaxOutputRunes))
	}
	if d.logger != nil {
		if err != nil {
			d.logger.Warn("action_failed", "action_type", string(a.Kind()), "lane", def.Lane, "error", err.Error())
		} else {
			d.logger.Debug("action_executed",
				"action_type", string(a.Kind()),
				"lane", def.Lane,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
	return err
}

// Has reports whether kind has a handler.
func (d *Dispatcher) Has(kind action.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Kinds returns the handled kinds, sorted.
func (d *Dispatcher) Kinds() []action.Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]action.Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Definition returns the definition for kind, or nil.
func (d *Dispatcher) Definition(kind action.Kind) *Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
