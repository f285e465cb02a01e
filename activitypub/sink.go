package activitypub

import (
	"encoding/json"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// FailureSink is told about every delivery task the queue gives up on.
type FailureSink interface {
	DeliveryAbandoned(task domain.DeliveryTask)
}

// Sinks fans an event out to several sinks.
type Sinks []FailureSink

func (s Sinks) DeliveryAbandoned(task domain.DeliveryTask) {
	for _, sink := range s {
		sink.DeliveryAbandoned(task)
	}
}

// LogSink records abandoned deliveries in the log and the abandoned counter.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("delivery")}
}

func (s *LogSink) DeliveryAbandoned(task domain.DeliveryTask) {
	deliveryAbandoned.Inc()
	s.log.Warn("Giving up on delivery",
		zap.String("task", task.Id.String()),
		zap.String("activity", task.ActivityURI),
		zap.String("inbox", task.InboxURI),
		zap.Int("attempts", task.Attempts),
		zap.String("error", task.LastError))
}

// AbandonedEvent is the message published for an abandoned delivery.
type AbandonedEvent struct {
	TaskID      string    `json:"task_id"`
	BatchID     string    `json:"batch_id"`
	ActivityURI string    `json:"activity"`
	InboxURI    string    `json:"inbox"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	At          time.Time `json:"at"`
}

// NATSSink publishes abandoned deliveries so operators can alert on them.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNATSSink(conn *nats.Conn, subject string, log *zap.Logger) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, log: log.Named("nats")}
}

func (s *NATSSink) DeliveryAbandoned(task domain.DeliveryTask) {
	data, err := json.Marshal(AbandonedEvent{
		TaskID:      task.Id.String(),
		BatchID:     task.BatchId,
		ActivityURI: task.ActivityURI,
		InboxURI:    task.InboxURI,
		Attempts:    task.Attempts,
		LastError:   task.LastError,
		At:          task.UpdatedAt,
	})
	if err != nil {
		s.log.Error("Failed to encode event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.log.Error("Failed to publish event", zap.String("subject", s.subject), zap.Error(err))
	}
}
