// Package publish mirrors the checkout event log onto Kafka topics so
// downstream consumers (loss prevention dashboards, the data warehouse) see
// events and alerts without polling the database.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MirroredLog is a store.EventLog that publishes every record the wrapped
// log accepted. Publishing is best-effort: a Kafka failure is logged and
// never turns a successful append into an error.
type MirroredLog struct {
	store.EventLog
	writer     messageWriter
	eventTopic string
	alertTopic string
}

// NewKafkaWriter builds an async writer; delivery failures surface in the
// completion callback.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("messages", len(messages)).Msg("kafka delivery failed")
			}
		},
	}
}

func NewMirroredLog(next store.EventLog, writer messageWriter, eventTopic string, alertTopic string) *MirroredLog {
	return &MirroredLog{
		EventLog:   next,
		writer:     writer,
		eventTopic: eventTopic,
		alertTopic: alertTopic,
	}
}

func (m *MirroredLog) AppendEvent(ctx context.Context, event domain.CheckoutEvent) error {
	if err := m.EventLog.AppendEvent(ctx, event); err != nil {
		return err
	}
	m.publish(ctx, m.eventTopic, event.StationID, event.Timestamp, event)
	return nil
}

func (m *MirroredLog) AppendAlert(ctx context.Context, alert domain.Alert) error {
	if err := m.EventLog.AppendAlert(ctx, alert); err != nil {
		return err
	}
	m.publish(ctx, m.alertTopic, alert.StationID, alert.Timestamp, alert)
	return nil
}

func (m *MirroredLog) Close() error {
	return m.writer.Close()
}

// publish keys by station so one station's records stay ordered in a partition.
func (m *MirroredLog) publish(ctx context.Context, topic string, key string, at time.Time, payload any) {
	if topic == "" {
		return
	}
	value, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("encode kafka message")
		return
	}
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  at,
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("station_id", key).Msg("kafka publish failed")
	}
}
