package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"reims/pkg/recerr"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c KafkaConfig) validate(needGroup bool) ([]string, error) {
	brokers := c.brokers()
	if len(brokers) == 0 {
		return nil, recerr.New(recerr.ErrInvalidInput, "kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, recerr.New(recerr.ErrInvalidInput, "kafka topic required")
	}
	if needGroup && strings.TrimSpace(c.GroupID) == "" {
		return nil, recerr.New(recerr.ErrInvalidInput, "kafka group id required")
	}
	return brokers, nil
}

// exported lists the types that leave the process. Review chatter stays on
// the in-process hub.
var exported = map[Type]bool{
	SessionCompleted:     true,
	SessionApproved:      true,
	SessionRejected:      true,
	DiscrepancyEscalated: true,
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes lifecycle events keyed by session id so a session's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.writer == nil {
		return recerr.New(recerr.ErrInvalidInput, "kafka publisher not initialized")
	}
	if !exported[evt.Type] {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return recerr.Wrap(err, "encode event")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Trigger asks for a reconciliation of one property and period. Upstream
// extraction emits it once every statement for the period has landed.
type Trigger struct {
	PropertyID int64 `json:"property_id"`
	PeriodID   int64 `json:"period_id"`
}

func (t Trigger) String() string {
	return strconv.FormatInt(t.PropertyID, 10) + "/" + strconv.FormatInt(t.PeriodID, 10)
}

// DecodeTrigger parses a trigger payload. Both ids must be positive.
func DecodeTrigger(b []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(b, &t); err != nil {
		return Trigger{}, recerr.Mark(err, recerr.ErrInvalidInput, "decode trigger")
	}
	if t.PropertyID <= 0 || t.PeriodID <= 0 {
		return Trigger{}, recerr.New(recerr.ErrInvalidInput, "trigger needs positive property_id and period_id")
	}
	return t, nil
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// TriggerConsumer reads run triggers from a consumer group.
type TriggerConsumer struct {
	reader kafkaReader
}

func NewTriggerConsumer(cfg KafkaConfig) (*TriggerConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &TriggerConsumer{reader: r}, nil
}

// Next blocks for the next message. Malformed payloads come back as
// ErrInvalidInput so the caller can log and move on.
func (c *TriggerConsumer) Next(ctx context.Context) (Trigger, error) {
	if c == nil || c.reader == nil {
		return Trigger{}, recerr.New(recerr.ErrInvalidInput, "kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Trigger{}, err
	}
	return DecodeTrigger(msg.Value)
}

func (c *TriggerConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
