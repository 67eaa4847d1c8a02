package collab

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 提交流程只做非阻塞入队；队列满时丢弃事件，Kafka 不参与收敛。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocOpEvent

	// 限制同时在途的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// closed 由 mu 保护；关闭后的入队直接丢弃
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// TryEnqueue 不阻塞；在房间锁内调用
func (d *KafkaDispatcher) TryEnqueue(evt DocOpEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.EventsDropped.Inc()
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		metrics.EventsDropped.Inc()
		logging.Warn().Str("room", evt.RoomID).Uint64("version", evt.Version).Msg("kafka queue full, event dropped")
		return false
	}
}

// Close 停止接收并等待队列中剩余事件发送完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等，不影响主链路
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			metrics.EventsDropped.Inc()
			logging.Error().Err(err).Str("room", evt.RoomID).Str("op", evt.OperationID).
				Uint64("version", evt.Version).Int("worker", workerID).Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次翻倍
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
