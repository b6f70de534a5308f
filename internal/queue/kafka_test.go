package queue

import (
	"context"
	stderr "errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

type fakeProducer struct {
	sarama.SyncProducer

	mu     sync.Mutex
	sent   []*sarama.ProducerMessage
	err    error
	closed bool
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent) - 1), nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) messages() []*sarama.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sarama.ProducerMessage(nil), p.sent...)
}

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32              { return nil }
func (s *fakeSession) MemberID() string                        { return "member" }
func (s *fakeSession) GenerationID() int32                     { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                 {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                             { return "tasks" }
func (c *fakeClaim) Partition() int32                          { return 0 }
func (c *fakeClaim) InitialOffset() int64                      { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

// consumerRecord converts a published message into what a consumer sees.
func consumerRecord(t *testing.T, msg *sarama.ProducerMessage, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	value, err := msg.Value.Encode()
	require.NoError(t, err)
	rec := &sarama.ConsumerMessage{Topic: msg.Topic, Offset: offset, Value: value, Timestamp: msg.Timestamp}
	for i := range msg.Headers {
		h := msg.Headers[i]
		rec.Headers = append(rec.Headers, &sarama.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return rec
}

func TestKafkaQueue_EnqueuePublishesEnvelope(t *testing.T) {
	producer := &fakeProducer{}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())

	require.NoError(t, q.Enqueue(context.Background(), sampleTask("a")))

	sent := producer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "tasks", sent[0].Topic)

	value, err := sent[0].Value.Encode()
	require.NoError(t, err)
	env, err := task.Unmarshal(value)
	require.NoError(t, err)
	assert.Equal(t, sampleTask("a"), env)

	headers := headerMap(sent[0])
	assert.Equal(t, "1", headers[HeaderAttempt])
	assert.NotEmpty(t, headers[HeaderMessageID])
	_, hasNotBefore := headers[HeaderNotBefore]
	assert.False(t, hasNotBefore)
}

func TestKafkaQueue_PublishFailureIsTransient(t *testing.T) {
	producer := &fakeProducer{err: stderr.New("leader not available")}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())

	err := q.Enqueue(context.Background(), sampleTask("a"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeQueueTransient, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestKafkaQueue_ConsumeAckAndNack(t *testing.T) {
	producer := &fakeProducer{}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, sampleTask("a")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("b")))
	published := producer.messages()

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	claim.messages <- consumerRecord(t, published[0], 0)
	claim.messages <- consumerRecord(t, published[1], 1)

	handler := &groupHandler{queue: q}
	done := make(chan error, 1)
	go func() { done <- handler.ConsumeClaim(session, claim) }()

	first := <-q.deliveries
	assert.Equal(t, "a", first.Task.Properties["snapshotId"])
	assert.Equal(t, 1, first.Attempt)

	// the second record waits until the first is settled
	select {
	case <-q.deliveries:
		t.Fatal("partition delivered a second record before the first was settled")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Nack(ctx, first, time.Minute))
	second := <-q.deliveries
	assert.Equal(t, "b", second.Task.Properties["snapshotId"])
	require.NoError(t, q.Ack(ctx, second))

	assert.Equal(t, []int64{0, 1}, session.offsets())

	sent := producer.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, "tasks.retry", sent[2].Topic)
	retry := headerMap(sent[2])
	assert.Equal(t, "2", retry[HeaderAttempt])
	notBefore, err := strconv.ParseInt(retry[HeaderNotBefore], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, notBefore, time.Now().UnixMilli())
	assert.Equal(t, headerMap(published[0])[HeaderEnqueuedAt], retry[HeaderEnqueuedAt])

	close(claim.messages)
	require.NoError(t, <-done)
}

func TestKafkaQueue_FailedNackAbandonsClaim(t *testing.T) {
	producer := &fakeProducer{}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, sampleTask("a")))
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- consumerRecord(t, producer.messages()[0], 0)

	done := make(chan error, 1)
	go func() { done <- (&groupHandler{queue: q}).ConsumeClaim(session, claim) }()

	d := <-q.deliveries
	producer.mu.Lock()
	producer.err = stderr.New("broker down")
	producer.mu.Unlock()

	err := q.Nack(ctx, d, 0)
	assert.Equal(t, errors.ErrCodeQueueTransient, errors.CodeOf(err))
	require.NoError(t, <-done)
	assert.Empty(t, session.offsets(), "the record stays unmarked for redelivery")
}

func TestKafkaQueue_RetryTopicWaitsForNotBefore(t *testing.T) {
	q := newKafkaQueue(&fakeProducer{}, nil, "tasks", "tasks.retry", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := sampleTask("a").Marshal()
	require.NoError(t, err)
	notBefore := time.Now().Add(40 * time.Millisecond)
	rec := &sarama.ConsumerMessage{
		Topic:  "tasks.retry",
		Offset: 7,
		Value:  value,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderAttempt), Value: []byte("3")},
			{Key: []byte(HeaderNotBefore), Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))},
		},
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- rec
	go func() { _ = (&groupHandler{queue: q}).ConsumeClaim(session, claim) }()

	d := <-q.deliveries
	assert.False(t, time.Now().Before(notBefore.Truncate(time.Millisecond)))
	assert.Equal(t, 3, d.Attempt)
	require.NoError(t, q.Ack(ctx, d))
}

func TestKafkaQueue_DelayedRecordDoesNotBlockPartition(t *testing.T) {
	producer := &fakeProducer{}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delayed, err := sampleTask("a").Marshal()
	require.NoError(t, err)
	notBefore := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)
	require.NoError(t, q.Enqueue(ctx, sampleTask("b")))
	fresh := consumerRecord(t, producer.messages()[0], 1)

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{
		Topic:  "tasks",
		Offset: 0,
		Value:  delayed,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderAttempt), Value: []byte("2")},
			{Key: []byte(HeaderNotBefore), Value: []byte(notBefore)},
		},
	}
	claim.messages <- fresh
	go func() { _ = (&groupHandler{queue: q}).ConsumeClaim(session, claim) }()

	select {
	case d := <-q.deliveries:
		assert.Equal(t, "b", d.Task.Properties["snapshotId"])
		require.NoError(t, q.Ack(ctx, d))
	case <-time.After(time.Second):
		t.Fatal("fresh record held behind a delayed one")
	}
	assert.Equal(t, []int64{0, 1}, session.offsets())

	sent := producer.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "tasks.retry", sent[1].Topic)
	headers := headerMap(sent[1])
	assert.Equal(t, "2", headers[HeaderAttempt])
	assert.Equal(t, notBefore, headers[HeaderNotBefore])
}

func TestKafkaQueue_UndecodableRecordIsSkipped(t *testing.T) {
	q := newKafkaQueue(&fakeProducer{}, nil, "tasks", "tasks.retry", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 3, Value: []byte("{")}
	close(claim.messages)

	require.NoError(t, (&groupHandler{queue: q}).ConsumeClaim(session, claim))
	assert.Equal(t, []int64{3}, session.offsets())
}

func TestKafkaQueue_Close(t *testing.T) {
	producer := &fakeProducer{}
	q := newKafkaQueue(producer, nil, "tasks", "tasks.retry", zap.NewNop())

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.True(t, producer.closed)

	_, err := q.Receive(context.Background())
	assert.Equal(t, errors.ErrCodeQueueClosed, errors.CodeOf(err))
	assert.Equal(t, errors.ErrCodeQueueClosed, errors.CodeOf(q.Enqueue(context.Background(), sampleTask("a"))))
}

func TestKafkaDeadLetter(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaDeadLetter(producer, "tasks.dlq", zap.NewNop())

	require.NoError(t, sink.DeadLetter(context.Background(), sampleTask("a"), "retries exhausted"))

	sent := producer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "tasks.dlq", sent[0].Topic)
	assert.Equal(t, "retries exhausted", headerMap(sent[0])[HeaderReason])
}

func TestNewKafkaQueue_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.QueueConfig
	}{
		{"no brokers", config.QueueConfig{Topic: "tasks", RetryTopic: "tasks.retry"}},
		{"no retry topic", config.QueueConfig{Brokers: []string{"localhost:9092"}, Topic: "tasks"}},
		{"retry topic is task topic", config.QueueConfig{Brokers: []string{"localhost:9092"}, Topic: "tasks", RetryTopic: "tasks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKafkaQueue(tt.cfg, zap.NewNop())
			assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
		})
	}
}

func TestNewSaramaConfig(t *testing.T) {
	sc := NewSaramaConfig(config.QueueConfig{PublishTimeout: 3 * time.Second})
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, 3*time.Second, sc.Producer.Timeout)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
}
