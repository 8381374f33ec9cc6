// Package events publishes engine events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"convexity_trading/internal/models"
)

const (
	TypeOrderTerminal    = "ORDER_TERMINAL"
	TypeGovernanceDenied = "GOVERNANCE_DENIED"
	TypeCycleCompleted   = "CYCLE_COMPLETED"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	Type      string                 `json:"event_type"`
	AccountID string                 `json:"account_id"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Order     *models.Order          `json:"order,omitempty"`
	Candidate *models.CandidateOrder `json:"candidate,omitempty"`
	Check     string                 `json:"check,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Summary   map[string]any         `json:"summary,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Key is the partition key: the symbol when there is one, else the cycle id.
func (e Event) Key() string {
	if e.Symbol != "" {
		return e.Symbol
	}
	return e.CycleID
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

type KafkaPublisher struct {
	writer    *kafka.Writer
	accountID string
}

func NewKafkaPublisher(brokers []string, topic, accountID string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		accountID: accountID,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.AccountID == "" {
		e.AccountID = p.accountID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key()), Value: data}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit publishes and logs a failure instead of returning it. Events never block trading.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		log.Printf("[EVENTS] publish %s failed: %v", e.Type, err)
	}
}

// Recorder keeps events in memory for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// OfType filters recorded events.
func (r *Recorder) OfType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
