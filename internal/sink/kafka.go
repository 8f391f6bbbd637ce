package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/nadzzz/pushstream/internal/message"
)

// Kafka produces every message to a topic, keyed by channel so that the
// messages of one channel keep their order within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaConfig returns the producer configuration used by NewKafka.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.ClientID = "pushsub"
	return config
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// Name returns the sink type.
func (k *Kafka) Name() string { return "kafka" }

// Deliver produces msg keyed by its channel.
func (k *Kafka) Deliver(_ context.Context, msg message.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	pm := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.Channel),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("push-id"), Value: []byte(strconv.FormatInt(msg.ID, 10))},
		},
	}
	if msg.EventID != "" {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte("push-eventid"), Value: []byte(msg.EventID)})
	}
	if _, _, err := k.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
