package events

import (
	"log/slog"
	"sync"
	"time"
)

// Publisher receives events as they happen. Publish must never block the
// turn path; implementations drop rather than wait.
type Publisher interface {
	Publish(ev Event)
}

// LogPublisher writes every event to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates the log-backed reference publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

var _ Publisher = (*LogPublisher)(nil)

func (p *LogPublisher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	p.logger.Info("Event",
		"kind", ev.Kind,
		"tenant_id", ev.TenantID,
		"agent_id", ev.AgentID,
		"session_id", ev.SessionID,
		"turn_id", ev.TurnID,
		"payload", ev.Payload,
	)
}

// CapturePublisher records events for assertions in tests.
type CapturePublisher struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*CapturePublisher)(nil)

func (p *CapturePublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns a snapshot of everything published so far.
func (p *CapturePublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// ByKind filters the snapshot to one kind.
func (p *CapturePublisher) ByKind(kind string) []Event {
	var out []Event
	for _, ev := range p.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
