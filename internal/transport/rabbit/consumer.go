package rabbit

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/message"
)

// Handler processes one decoded envelope. A returned error nacks the
// delivery without requeue, which dead-letters it.
type Handler func(ctx context.Context, env message.Envelope) error

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

func NewConsumer(url, queue string, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareQueueTrio(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, log: log}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes the queue with a fixed-size worker pool until ctx is
// cancelled. Undecodable bodies are nacked without requeue; handler errors
// likewise, so poison messages land in the DLQ instead of looping.
func (c *Consumer) Run(ctx context.Context, concurrency int, handle Handler) error {
	if concurrency <= 0 {
		concurrency = 2
	}
	if err := c.ch.Qos(concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("concurrency", concurrency))

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				env, err := message.Decode(d.Body)
				if err != nil {
					c.log.Warn("bad delivery",
						zap.String("queue", c.queue),
						zap.Int("worker", workerID),
						zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handle(ctx, env); err != nil {
					c.log.Warn("handler failed",
						zap.String("queue", c.queue),
						zap.String("type", env.Type),
						zap.Int("worker", workerID),
						zap.Duration("cost", time.Since(start)),
						zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					c.log.Warn("ack failed",
						zap.String("queue", c.queue),
						zap.String("type", env.Type),
						zap.Error(err))
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down", zap.String("queue", c.queue))
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				c.log.Warn("delivery channel closed", zap.String("queue", c.queue))
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
