// Package notify fans engine events and operator alerts out to chat
// channels. Delivery is best effort: failures are logged and never returned
// to the trading path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/spotbot/internal/metrics"
)

// Event names used by the engine.
const (
	EventEntry    = "entry"
	EventExit     = "exit"
	EventRejected = "gate_rejected"
	EventReport   = "report"
	EventArchive  = "archive"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier delivers to every Sender. Notify is filtered by event name,
// Alert by minimum severity.
type Notifier struct {
	senders     []Sender
	events      map[string]bool
	minSeverity Severity
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, minSeverity Severity, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:     senders,
		events:      allowed,
		minSeverity: minSeverity,
		timeout:     15 * time.Second,
		metrics:     m,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers an engine event if its name passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) {
	if n == nil {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notifier: event filtered", slog.String("event", event))
		return
	}
	n.dispatch(ctx, title, message)
}

// Alert delivers an operator alert at or above the minimum severity.
func (n *Notifier) Alert(ctx context.Context, severity Severity, title, message string) {
	if n == nil {
		return
	}
	n.metrics.Alert(string(severity))
	if severity.rank() < n.minSeverity.rank() {
		return
	}
	n.dispatch(ctx, fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), title), message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	if len(n.senders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		n.logger.WarnContext(ctx, "notifier: delivery failed",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
	}
}
