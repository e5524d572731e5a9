package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/passculture/eac-engine/educational"
	"github.com/segmentio/kafka-go"
)

// Message is the JSON value published for each event. The Kafka key is the
// booking ID so all events of one booking land on the same partition.
type Message struct {
	EventID       string  `json:"eventId"`
	Kind          string  `json:"kind"`
	BookingID     int64   `json:"bookingId"`
	StockID       int64   `json:"stockId"`
	InstitutionID int64   `json:"institutionId"`
	Year          string  `json:"year"`
	Amount        string  `json:"amount"`
	Status        string  `json:"status"`
	Reason        *string `json:"reason,omitempty"`
	OccurredAt    string  `json:"occurredAt"`
}

func newMessage(e educational.BookingEvent) Message {
	m := Message{
		EventID:       uuid.NewString(),
		Kind:          string(e.Kind),
		BookingID:     int64(e.BookingID),
		StockID:       int64(e.StockID),
		InstitutionID: int64(e.InstitutionID),
		Year:          string(e.YearID),
		Amount:        e.Amount.StringFixed(2),
		Status:        string(e.Status),
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339),
	}
	if e.Reason != nil {
		r := string(*e.Reason)
		m.Reason = &r
	}
	return m
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes booking events to a topic. A nil *Kafka drops events,
// which lets the server run without a broker.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafka creates a synchronous producer that waits for all in-sync replicas.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			WriteTimeout: 10 * time.Second,
		},
		timeout: 5 * time.Second,
	}
}

func (k *Kafka) BookingConfirmed(ctx context.Context, e educational.BookingEvent) error {
	return k.publish(ctx, e)
}

func (k *Kafka) BookingCancelled(ctx context.Context, e educational.BookingEvent) error {
	return k.publish(ctx, e)
}

func (k *Kafka) publish(ctx context.Context, e educational.BookingEvent) error {
	if k == nil || k.writer == nil {
		return nil
	}
	value, err := json.Marshal(newMessage(e))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(int64(e.BookingID), 10)),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for booking %d: %w", e.Kind, e.BookingID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
