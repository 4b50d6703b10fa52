package planner

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one planner iteration.
type Event struct {
	RunID   string    `json:"run_id"`
	Step    int       `json:"step"`
	PlanKey string    `json:"plan_key"`
	Action  string    `json:"action"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	TS      time.Time `json:"ts"`
}

// EventSink receives step events. TrySend must not block; a full or
// closed sink drops the event silently.
type EventSink interface {
	TrySend(ev Event)
}

// =============================================================================
// Channel
// =============================================================================

// ChannelSink forwards events to a channel without blocking.
type ChannelSink struct {
	ch chan<- Event
}

// NewChannelSink wraps ch.
func NewChannelSink(ch chan<- Event) *ChannelSink {
	return &ChannelSink{ch: ch}
}

func (s *ChannelSink) TrySend(ev Event) {
	defer func() {
		// Send on a closed channel; the receiver is gone.
		_ = recover()
	}()
	select {
	case s.ch <- ev:
	default:
	}
}

// =============================================================================
// NATS
// =============================================================================

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on a subject. Publish errors are
// logged at debug level and otherwise ignored.
type NATSSink struct {
	pub     Publisher
	subject string
	logger  Logger
}

// NewNATSSink creates a sink over pub.
func NewNATSSink(pub Publisher, subject string, logger Logger) *NATSSink {
	return &NATSSink{pub: pub, subject: subject, logger: logger}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, clientName string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func (s *NATSSink) TrySend(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.pub.Publish(s.subject, data); err != nil && s.logger != nil {
		s.logger.Debug("step_event_dropped", "subject", s.subject, "error", err.Error())
	}
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiSink sends every event to each sink in order.
type MultiSink []EventSink

func (m MultiSink) TrySend(ev Event) {
	for _, s := range m {
		if s != nil {
			s.TrySend(ev)
		}
	}
}
