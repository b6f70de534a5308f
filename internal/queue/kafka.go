package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Record headers written by KafkaQueue.
const (
	HeaderMessageID  = "message-id"
	HeaderAttempt    = "attempt"
	HeaderEnqueuedAt = "enqueued-at"
	HeaderNotBefore  = "not-before"
	HeaderReason     = "reason"
)

// KafkaQueue is a Queue over a Kafka topic. Each partition is processed
// one delivery at a time so that marking an offset never skips an
// unfinished task. Nack republishes the task with an incremented attempt
// header and a not-before time to the retry topic, then marks the original.
// Only retry-topic partitions wait for not-before times, so delayed tasks
// never hold up fresh ones.
type KafkaQueue struct {
	client     sarama.Client
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	topic      string
	retryTopic string
	logger     *zap.Logger

	deliveries chan *Delivery
	startOnce  sync.Once
	closeOnce  sync.Once
	closing    chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type kafkaRef struct {
	session sarama.ConsumerGroupSession
	msg     *sarama.ConsumerMessage
	once    sync.Once
	// receives true once the offset is marked, false to abandon the claim
	done chan bool
}

func (r *kafkaRef) finish(marked bool) {
	r.once.Do(func() { r.done <- marked })
}

// NewSaramaConfig returns the client configuration KafkaQueue expects.
func NewSaramaConfig(cfg config.QueueConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = "storeroute"

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 3
	if cfg.PublishTimeout > 0 {
		sc.Producer.Timeout = cfg.PublishTimeout
	}

	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = false
	return sc
}

// NewKafkaQueue connects to the brokers in cfg.
func NewKafkaQueue(cfg config.QueueConfig, logger *zap.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "queue.brokers is required for the kafka driver").
			WithComponent("queue")
	}
	if cfg.RetryTopic == "" || cfg.RetryTopic == cfg.Topic {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "queue.retry_topic must be set and differ from queue.topic").
			WithComponent("queue")
	}

	client, err := sarama.NewClient(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, transient(err, "connect to kafka")
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, transient(err, "create producer")
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, transient(err, "create consumer group")
	}

	q := newKafkaQueue(producer, group, cfg.Topic, cfg.RetryTopic, logger)
	q.client = client
	return q, nil
}

func newKafkaQueue(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic, retryTopic string, logger *zap.Logger) *KafkaQueue {
	return &KafkaQueue{
		producer:   producer,
		group:      group,
		topic:      topic,
		retryTopic: retryTopic,
		logger:     logging.OrNamed(logger, "queue").With(zap.String("topic", topic)),
		deliveries: make(chan *Delivery),
		closing:    make(chan struct{}),
	}
}

func transient(err error, op string) *errors.Error {
	return errors.Wrap(err, errors.ErrCodeQueueTransient, op).WithComponent("queue")
}

// Enqueue implements Queue.
func (q *KafkaQueue) Enqueue(ctx context.Context, t task.Task) error {
	return q.publish(ctx, q.topic, t, 1, time.Now(), time.Time{})
}

func (q *KafkaQueue) publish(ctx context.Context, topic string, t task.Task, attempt int, enqueuedAt, notBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "enqueue").WithComponent("queue")
	}
	select {
	case <-q.closing:
		return closedError("enqueue")
	default:
	}

	value, err := t.Marshal()
	if err != nil {
		return err
	}

	id := uuid.NewString()
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderMessageID), Value: []byte(id)},
		{Key: []byte(HeaderAttempt), Value: []byte(strconv.Itoa(attempt))},
		{Key: []byte(HeaderEnqueuedAt), Value: []byte(strconv.FormatInt(enqueuedAt.UnixMilli(), 10))},
	}
	if !notBefore.IsZero() {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(HeaderNotBefore),
			Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10)),
		})
	}

	partition, offset, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.ByteEncoder(id),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
		Headers:   headers,
	})
	if err != nil {
		return transient(err, "publish task").WithContext("task_type", t.Type)
	}

	q.logger.Debug("task published",
		logging.TaskType(t.Type),
		zap.String("to", topic),
		zap.String("message_id", id),
		zap.Int("attempt", attempt),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Receive implements Queue. The first call joins the consumer group.
func (q *KafkaQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.startOnce.Do(q.start)

	select {
	case d := <-q.deliveries:
		return d, nil
	case <-q.closing:
		return nil, closedError("receive")
	case <-ctx.Done():
		return nil, errors.FromContext(ctx.Err(), "receive").WithComponent("queue")
	}
}

func (q *KafkaQueue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	handler := &groupHandler{queue: q}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			if err := q.group.Consume(ctx, []string{q.topic, q.retryTopic}, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Warn("consumer group session failed", logging.Err(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Ack implements Queue.
func (q *KafkaQueue) Ack(_ context.Context, d *Delivery) error {
	ref, ok := d.ref.(*kafkaRef)
	if !ok {
		return nil
	}
	ref.session.MarkMessage(ref.msg, "")
	ref.finish(true)
	return nil
}

// Nack implements Queue. When the republish fails the claim is abandoned
// without marking, so the original record is consumed again after the
// session restarts.
func (q *KafkaQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	ref, ok := d.ref.(*kafkaRef)
	if !ok {
		return nil
	}
	if err := q.publish(ctx, q.retryTopic, d.Task, d.Attempt+1, d.EnqueuedAt, time.Now().Add(delay)); err != nil {
		ref.finish(false)
		return err
	}
	ref.session.MarkMessage(ref.msg, "")
	ref.finish(true)
	return nil
}

// DeadLetterSink returns a sink publishing to topic through this queue's
// producer.
func (q *KafkaQueue) DeadLetterSink(topic string) *KafkaDeadLetter {
	return NewKafkaDeadLetter(q.producer, topic, q.logger)
}

// Close implements Queue.
func (q *KafkaQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closing)
		// no consumer may start after this point
		q.startOnce.Do(func() {})
		if q.cancel != nil {
			q.cancel()
		}
		if q.group != nil {
			err = multierr.Append(err, q.group.Close())
		}
		q.wg.Wait()
		if q.producer != nil {
			err = multierr.Append(err, q.producer.Close())
		}
		if q.client != nil && !q.client.Closed() {
			err = multierr.Append(err, q.client.Close())
		}
	})
	return err
}

// groupHandler feeds claimed records to Receive, one per partition at a
// time.
type groupHandler struct {
	queue *KafkaQueue
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			marked, err := h.handle(ctx, session, msg)
			if err != nil || !marked {
				return err
			}
		}
	}
}

// handle delivers msg and waits for the worker's verdict.
func (h *groupHandler) handle(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) (bool, error) {
	q := h.queue
	d, err := deliveryFrom(msg)
	if err != nil {
		// Undecodable records are never going to parse; skip them.
		q.logger.Error("dropping undecodable record",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			logging.Err(err))
		session.MarkMessage(msg, "")
		return true, nil
	}

	if nb := headerTime(msg, HeaderNotBefore); !nb.IsZero() {
		if wait := time.Until(nb); wait > 0 {
			if msg.Topic != q.retryTopic {
				return h.postpone(ctx, session, msg, d, nb)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, nil
			case <-timer.C:
			}
		}
	}

	ref := &kafkaRef{session: session, msg: msg, done: make(chan bool, 1)}
	d.ref = ref

	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		return false, nil
	}

	select {
	case marked := <-ref.done:
		return marked, nil
	case <-ctx.Done():
		return false, nil
	}
}

// postpone moves a record that is not yet due off the task topic so the
// records behind it are not held up.
func (h *groupHandler) postpone(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, d *Delivery, notBefore time.Time) (bool, error) {
	q := h.queue
	if err := q.publish(ctx, q.retryTopic, d.Task, d.Attempt, d.EnqueuedAt, notBefore); err != nil {
		q.logger.Warn("postponing delayed record failed",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			logging.Err(err))
		return false, nil
	}
	session.MarkMessage(msg, "")
	return true, nil
}

func deliveryFrom(msg *sarama.ConsumerMessage) (*Delivery, error) {
	t, err := task.Unmarshal(msg.Value)
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:         uuid.NewString(),
		Task:       t,
		Attempt:    1,
		EnqueuedAt: msg.Timestamp,
	}
	if v := header(msg, HeaderAttempt); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Attempt = n
		}
	}
	if at := headerTime(msg, HeaderEnqueuedAt); !at.IsZero() {
		d.EnqueuedAt = at
	}
	return d, nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func headerTime(msg *sarama.ConsumerMessage, key string) time.Time {
	v := header(msg, key)
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// KafkaDeadLetter publishes dead-lettered tasks to their own topic with
// the reason in a header.
type KafkaDeadLetter struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaDeadLetter creates a sink over producer.
func NewKafkaDeadLetter(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaDeadLetter {
	return &KafkaDeadLetter{producer: producer, topic: topic, logger: logging.OrNamed(logger, "queue")}
}

// DeadLetter implements DeadLetterSink.
func (s *KafkaDeadLetter) DeadLetter(ctx context.Context, t task.Task, reason string) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "dead-letter").WithComponent("queue")
	}
	value, err := t.Marshal()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.ByteEncoder(id),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(id)},
			{Key: []byte(HeaderReason), Value: []byte(reason)},
		},
	})
	if err != nil {
		return transient(err, "publish dead letter").WithContext("task_type", t.Type)
	}
	s.logger.Warn("task dead-lettered", logging.TaskType(t.Type), zap.String("reason", reason))
	return nil
}
