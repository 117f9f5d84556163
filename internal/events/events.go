// Package events announces finished executions to interested subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

// DefaultSubject is the subject completion events are published on.
const DefaultSubject = "coderun.executions.completed"

// maxPreview caps the output copied into an event.
const maxPreview = 1024

// Event describes one finished execution.
type Event struct {
	RequestID    string             `json:"request_id"`
	SubmissionID string             `json:"submission_id"`
	Caller       string             `json:"caller"`
	Language     string             `json:"language"`
	Status       sandbox.ExitStatus `json:"exit_status"`
	DurationMs   int64              `json:"duration_ms"`
	Stdout       string             `json:"stdout,omitempty"`
	Stderr       string             `json:"stderr,omitempty"`
	Message      string             `json:"message,omitempty"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// NewEvent summarises a result. Output is cut to a short preview.
func NewEvent(requestID, submissionID, caller, language string, res sandbox.Result) Event {
	return Event{
		RequestID:    requestID,
		SubmissionID: submissionID,
		Caller:       caller,
		Language:     language,
		Status:       res.Status,
		DurationMs:   res.Duration.Milliseconds(),
		Stdout:       preview(res.Stdout),
		Stderr:       preview(res.Stderr),
		Message:      res.Message,
		FinishedAt:   time.Now().UTC(),
	}
}

func preview(s string) string {
	if len(s) <= maxPreview {
		return s
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Publisher delivers completion events. Publish must not block for long and
// never fails the execution it describes.
type Publisher interface {
	Publish(e Event)
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(Event) {}
func (Noop) Close() error  { return nil }

// NATSPublisher publishes events as JSON on a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials url and returns a publisher for subject.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name("coderun"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATSPublisher(nc, subject, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}
}

func (p *NATSPublisher) Publish(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshaling event", "request_id", e.RequestID, "err", err)
		return
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		p.logger.Warn("publishing event", "request_id", e.RequestID, "subject", p.subject, "err", err)
	}
}

// Close flushes buffered events and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.Drain()
	if err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("draining nats: %w", err)
	}
	return nil
}
