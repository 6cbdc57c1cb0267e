package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/sweep"
)

// message is the record value of one Enqueue call. The record key is the
// qualified table name so all writes of a table land in one partition.
type message struct {
	Table  kvs.TableRef  `json:"table"`
	Writes []sweep.Write `json:"writes"`
}

// KafkaConfig configures the Kafka writer and reader.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// Partitions and ReplicationFactor are used when EnsureTopic creates
	// the topic.
	Partitions        int32
	ReplicationFactor int16

	// ConsumerGroup is the group the reader joins.
	ConsumerGroup string
}

// Validate checks the configuration.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("queue: kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("queue: kafka topic is required")
	}
	return nil
}

func encodeMessage(table kvs.TableRef, writes []sweep.Write) (*kgo.Record, error) {
	value, err := json.Marshal(message{Table: table, Writes: writes})
	if err != nil {
		return nil, fmt.Errorf("queue: marshal message: %w", err)
	}
	return &kgo.Record{Key: []byte(table.String()), Value: value}, nil
}

func decodeRecord(r *kgo.Record) ([]Entry, error) {
	var m message
	if err := json.Unmarshal(r.Value, &m); err != nil {
		return nil, fmt.Errorf("queue: unmarshal record at %s/%d/%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	entries := make([]Entry, len(m.Writes))
	for i, w := range m.Writes {
		entries[i] = Entry{Table: m.Table, Write: w}
	}
	return entries, nil
}

// EnsureTopic creates the queue topic when it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, cfg KafkaConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, partitions, rf, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("queue: create topic %s: %w", cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("queue: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// KafkaWriter produces writes to a Kafka topic.
type KafkaWriter struct {
	client *kgo.Client
	topic  string
}

// NewKafkaWriter connects a producer.
func NewKafkaWriter(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka client: %w", err)
	}
	return &KafkaWriter{client: client, topic: cfg.Topic}, nil
}

// Client exposes the underlying client, e.g. for EnsureTopic.
func (w *KafkaWriter) Client() *kgo.Client {
	return w.client
}

// Enqueue produces one record for the writes and waits for the ack.
func (w *KafkaWriter) Enqueue(ctx context.Context, table kvs.TableRef, writes []sweep.Write) error {
	if len(writes) == 0 {
		return nil
	}
	record, err := encodeMessage(table, writes)
	if err != nil {
		return err
	}
	record.Topic = w.topic
	if err := w.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("queue: produce to %s: %w", w.topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (w *KafkaWriter) Close() {
	w.client.Close()
}

// KafkaReader consumes queued writes.
type KafkaReader struct {
	client *kgo.Client
	logger *logging.Logger
}

// NewKafkaReader connects a consumer that starts at the earliest offset
// when its group has no committed position.
func NewKafkaReader(cfg KafkaConfig, logger *logging.Logger, opts ...kgo.Opt) (*KafkaReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.ConsumerGroup != "" {
		base = append(base, kgo.ConsumerGroup(cfg.ConsumerGroup))
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka client: %w", err)
	}
	return &KafkaReader{client: client, logger: logger.With(map[string]any{"component": "queue-reader"})}, nil
}

// Drain polls up to limit records and returns their writes. It returns
// what it has when ctx is done.
func (r *KafkaReader) Drain(ctx context.Context, limit int) ([]Entry, error) {
	fetches := r.client.PollRecords(ctx, limit)
	if fetches.IsClientClosed() {
		return nil, errors.New("queue: kafka client closed")
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		return nil, fmt.Errorf("queue: fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []Entry
	fetches.EachRecord(func(rec *kgo.Record) {
		entries, err := decodeRecord(rec)
		if err != nil {
			r.logger.Warnf("skipping undecodable record", map[string]any{"error": err.Error()})
			return
		}
		out = append(out, entries...)
	})
	return out, nil
}

// Close leaves the group and closes the consumer.
func (r *KafkaReader) Close() {
	r.client.Close()
}

var _ Writer = (*KafkaWriter)(nil)
