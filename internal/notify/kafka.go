package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"go.uber.org/zap"
)

const (
	eventTierChanged       = "loyalty.tier_changed"
	eventLowBalanceWarning = "loyalty.low_balance_warning"

	sinkQueueDepth = 256
)

// KafkaSink publishes ledger events to a Kafka topic, keyed by member id so
// per-member ordering survives partitioning. Events are handed to a delivery
// goroutine through a bounded queue; the publishing caller never waits on the
// broker, and a full queue drops the event with a warning since the ledger
// entry itself is already durable.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	nowFn    func() time.Time
	queue    chan queuedEvent
	done     chan struct{}
}

type queuedEvent struct {
	key      string
	envelope eventEnvelope
}

// NewKafkaSink builds a producer against the given brokers and starts the
// delivery goroutine.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	sink := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger,
		nowFn:    time.Now,
		queue:    make(chan queuedEvent, sinkQueueDepth),
		done:     make(chan struct{}),
	}
	go sink.deliver()
	return sink, nil
}

type eventEnvelope struct {
	Event     string `json:"event"`
	MemberID  string `json:"member_id"`
	FromTier  string `json:"from_tier,omitempty"`
	ToTier    string `json:"to_tier,omitempty"`
	Balance   int64  `json:"balance,omitempty"`
	EmittedAt int64  `json:"emitted_at_unix_utc"`
}

func (sink *KafkaSink) TierChanged(ctx context.Context, event loyalty.TierChanged) {
	sink.publish(event.MemberID.String(), eventEnvelope{
		Event:    eventTierChanged,
		MemberID: event.MemberID.String(),
		FromTier: event.FromTier.Name,
		ToTier:   event.ToTier.Name,
	})
}

func (sink *KafkaSink) LowBalanceWarning(ctx context.Context, event loyalty.LowBalanceWarning) {
	sink.publish(event.MemberID.String(), eventEnvelope{
		Event:    eventLowBalanceWarning,
		MemberID: event.MemberID.String(),
		Balance:  event.Balance.Int64(),
	})
}

func (sink *KafkaSink) publish(key string, envelope eventEnvelope) {
	envelope.EmittedAt = sink.nowFn().UTC().Unix()
	select {
	case sink.queue <- queuedEvent{key: key, envelope: envelope}:
	default:
		sink.logger.Warn("event queue full, dropping event",
			zap.String("event", envelope.Event),
			zap.String("member_id", envelope.MemberID),
		)
	}
}

func (sink *KafkaSink) deliver() {
	defer close(sink.done)
	for queued := range sink.queue {
		payload, err := json.Marshal(queued.envelope)
		if err != nil {
			sink.logger.Error("event encode failed", zap.Error(err))
			continue
		}
		message := &sarama.ProducerMessage{
			Topic: sink.topic,
			Key:   sarama.StringEncoder(queued.key),
			Value: sarama.ByteEncoder(payload),
		}
		if _, _, err := sink.producer.SendMessage(message); err != nil {
			sink.logger.Error("event publish failed",
				zap.String("event", queued.envelope.Event),
				zap.String("member_id", queued.envelope.MemberID),
				zap.Error(err),
			)
		}
	}
}

// Close drains queued events and shuts the producer down.
func (sink *KafkaSink) Close() error {
	close(sink.queue)
	<-sink.done
	return sink.producer.Close()
}
