package anomaly

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaReporter publishes anomalies to a topic so an operator process can alert on them.
// The writer runs in async mode: Report never waits for the broker.
type KafkaReporter struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaReporter(brokers []string, topic string, log *zap.SugaredLogger) *KafkaReporter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &KafkaReporter{log: log}
	r.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				r.log.Warnw("anomaly_publish_failed", "messages", len(messages), "err", err)
			}
		},
	}
	return r
}

func (r *KafkaReporter) Report(a Anomaly) {
	value, err := sonic.ConfigStd.Marshal(a)
	if err != nil {
		r.log.Warnw("anomaly_marshal_failed", "err", err)
		return
	}
	msg := kafka.Message{
		Key:   messageKey(a),
		Value: value,
		Time:  a.Time,
	}
	// Async writer: the error here only reports a closed writer
	if err := r.writer.WriteMessages(context.Background(), msg); err != nil {
		r.log.Warnw("anomaly_publish_failed", "err", err)
	}
}

func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}

// messageKey keeps all anomalies of one order on one partition
func messageKey(a Anomaly) []byte {
	if a.OrderID != "" {
		return []byte(a.OrderID)
	}
	return []byte(a.Kind)
}
