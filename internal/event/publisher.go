// Package event publishes test lifecycle events to an AMQP topic exchange.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Routing keys.
const (
	TestPublished       = "test.published"
	EvaluationCompleted = "evaluation.completed"
)

// Event is the envelope sent on the wire.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// TestPublishedPayload announces a newly published test.
type TestPublishedPayload struct {
	TestID        string `json:"testId"`
	Title         string `json:"title"`
	QuestionCount int    `json:"questionCount"`
	ShareLink     string `json:"shareLink"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

// EvaluationCompletedPayload announces a stored evaluation result.
type EvaluationCompletedPayload struct {
	ResultID      string  `json:"resultId"`
	TestID        string  `json:"testId"`
	CandidateName string  `json:"candidateName"`
	OverallScore  float64 `json:"overallScore"`
}

// Publisher sends lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func() (channel, io.Closer, error)

// AMQP publishes JSON events to a durable topic exchange, using the event
// type as routing key. A channel closed by the broker is reopened on the
// next publish.
type AMQP struct {
	exchange string
	dial     dialFunc

	mu      sync.Mutex
	conn    io.Closer
	channel channel
	closed  bool
}

var errPublisherClosed = errors.New("publisher closed")

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(amqpURL, exchange string) (*AMQP, error) {
	return newAMQP(exchange, func() (channel, io.Closer, error) {
		return dialExchange(amqpURL, exchange)
	})
}

func newAMQP(exchange string, dial dialFunc) (*AMQP, error) {
	p := &AMQP{exchange: exchange, dial: dial}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialExchange(amqpURL, exchange string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return ch, conn, nil
}

// connect must be called with mu held, or before p is shared.
func (p *AMQP) connect() error {
	ch, conn, err := p.dial()
	if err != nil {
		return err
	}
	p.channel, p.conn = ch, conn
	return nil
}

// reset must be called with mu held.
func (p *AMQP) reset() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.channel, p.conn = nil, nil
}

// Publish sends one event. The context is only checked before sending;
// the amqp client has no cancellable publish.
func (p *AMQP) Publish(ctx context.Context, eventType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := Encode(eventType, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publish %s: %w", eventType, errPublisherClosed)
	}
	if p.channel == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("publish %s: %w", eventType, err)
		}
	}
	err = p.channel.Publish(p.exchange, eventType, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		slog.Warn("amqp channel closed, reconnecting", "exchange", p.exchange)
		p.reset()
		if err = p.connect(); err == nil {
			err = p.channel.Publish(p.exchange, eventType, false, false, msg)
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	slog.Debug("event published", "type", eventType, "exchange", p.exchange)
	return nil
}

// Close closes the channel and the connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.channel, p.conn = nil, nil
	p.closed = true
	return err
}

// Encode renders an event envelope as JSON.
func Encode(eventType string, payload any, at time.Time) ([]byte, error) {
	body, err := json.Marshal(Event{Type: eventType, OccurredAt: at, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", eventType, err)
	}
	return body, nil
}

// Emit publishes an event and logs instead of failing: lifecycle events are
// informational and never undo the action that produced them.
func Emit(ctx context.Context, p Publisher, eventType string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, eventType, payload); err != nil {
		slog.Warn("event publish failed", "type", eventType, "error", err)
	}
}
