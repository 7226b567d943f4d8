package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one delivery from a Source. It must be committed once handled.
type Message struct {
	Value []byte
	raw   kafka.Message
}

// Source delivers notifications of one network at least once.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, m Message) error
	Close() error
}

type KafkaSource struct {
	reader *kafka.Reader
}

// NewKafkaSource consumes topic within a consumer group. Offsets are only
// committed through Commit.
func NewKafkaSource(brokers []string, groupID, topic string) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka source requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka source requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaSource{reader: reader}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value, raw: msg}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, m Message) error {
	return s.reader.CommitMessages(ctx, m.raw)
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// ChanSource feeds a worker from a channel.
type ChanSource struct {
	C chan []byte

	mu        sync.Mutex
	committed int
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{C: make(chan []byte, buffer)}
}

func (s *ChanSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case v, ok := <-s.C:
		if !ok {
			return Message{}, ErrSourceClosed
		}
		return Message{Value: v}, nil
	}
}

func (s *ChanSource) Commit(context.Context, Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
	return nil
}

// Committed reports how many messages were committed.
func (s *ChanSource) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *ChanSource) Close() error { return nil }
