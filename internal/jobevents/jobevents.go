// Package jobevents publishes preseed job lifecycle events to Kafka.
package jobevents

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
)

// Message is the wire form of one event.
type Message struct {
	Type           preseed.EventType `json:"type"`
	JobID          string            `json:"job_id"`
	Status         preseed.Status    `json:"status"`
	DatasetIDs     []string          `json:"dataset_ids"`
	ZoomMin        int               `json:"zoom_min"`
	ZoomMax        int               `json:"zoom_max"`
	TilesTotal     int64             `json:"tiles_total"`
	TilesCompleted int64             `json:"tiles_completed"`
	TilesFailed    int64             `json:"tiles_failed"`
	Error          string            `json:"error,omitempty"`
	TS             string            `json:"ts"`
}

func toMessage(e preseed.Event) Message {
	return Message{
		Type:           e.Type,
		JobID:          e.Job.ID,
		Status:         e.Job.Status,
		DatasetIDs:     e.Job.DatasetIDs,
		ZoomMin:        e.Job.ZoomMin,
		ZoomMax:        e.Job.ZoomMax,
		TilesTotal:     e.Job.TilesTotal,
		TilesCompleted: e.Job.TilesCompleted,
		TilesFailed:    e.Job.TilesFailed,
		Error:          e.Job.Error,
		TS:             e.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// Publisher queues events and hands them to an async producer. Publish
// never blocks; events are dropped when the queue is full.
type Publisher struct {
	topic   string
	events  chan preseed.Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	stopped   chan struct{}
	errsDone  chan struct{}
}

var _ preseed.EventPublisher = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	// events of one job land on one partition, in order
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:    topic,
		events:   make(chan preseed.Event, queueSize),
		prod:     prod,
		log:      log.With("component", "jobevents"),
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(toMessage(ev))
			if err != nil {
				p.log.Warn("marshal job event", "job_id", ev.Job.ID, "error", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Job.ID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errsDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("job event not delivered", "error", err.Err)
			}
		}
	}()
	return p
}

func (p *Publisher) Publish(e preseed.Event) {
	select {
	case p.events <- e:
	default:
		// queue full, the job store stays authoritative
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warn("job event queue full, dropping", "dropped", p.dropped.Load())
		}
	}
}

func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close flushes queued events and closes the producer. Publish must not be
// called after Close.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("jobevents: close producer: %w", cerr)
		}
		<-p.errsDone
	})
	return err
}
