package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
)

const TaskQueueName = "agent_tasks"

type taskMessage struct {
	TaskID   string    `json:"task_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// RabbitMQ wraps an AMQP connection and a dedicated publish channel. Consume
// opens its own channel because amqp091-go channels are not safe for
// concurrent use.
type RabbitMQ struct {
	conn      *amqp.Connection
	publishMu sync.Mutex
	pubCh     *amqp.Channel
	queue     string
	logger    *zap.Logger
}

// NewRabbitMQ dials the broker, opens the publish channel and declares the
// durable task queue.
func NewRabbitMQ(url string, logger *zap.Logger) (*RabbitMQ, error) {
	logger = logging.OrNop(logger)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to connect to %s: %w", logging.MaskURL(url), err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: failed to open publish channel: %w", err)
	}

	mq := &RabbitMQ{conn: conn, pubCh: pubCh, queue: TaskQueueName, logger: logger}
	if _, err := pubCh.QueueDeclare(
		mq.queue, // name
		true,     // durable
		false,    // auto-delete
		false,    // exclusive
		false,    // no-wait
		nil,
	); err != nil {
		mq.Close()
		return nil, fmt.Errorf("rabbitmq: failed to declare queue %q: %w", mq.queue, err)
	}
	logger.Info("rabbitmq queue declared", zap.String("queue", mq.queue))

	return mq, nil
}

func (mq *RabbitMQ) Push(ctx context.Context, taskID string) error {
	body, err := json.Marshal(taskMessage{TaskID: taskID, QueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to marshal task message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	mq.publishMu.Lock()
	defer mq.publishMu.Unlock()

	if err := mq.pubCh.PublishWithContext(ctx,
		"",       // default exchange
		mq.queue, // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("rabbitmq: failed to publish task %s: %w", taskID, err)
	}

	mq.logger.Debug("task published", zap.String("task_id", taskID), zap.String("queue", mq.queue))
	return nil
}

func (mq *RabbitMQ) Consume(ctx context.Context, handler func(taskID string) error) error {
	ch, err := mq.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(
		mq.queue,
		"",    // consumer tag (auto-generated)
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to register consumer on %q: %w", mq.queue, err)
	}
	mq.logger.Info("rabbitmq consumer started", zap.String("queue", mq.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var msg taskMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.TaskID == "" {
				mq.logger.Warn("discarding undecodable task message", zap.Error(err))
				_ = d.Nack(false, false) // requeue=false avoids a poison-message loop
				continue
			}
			if err := handler(msg.TaskID); err != nil {
				mq.logger.Info("requeueing task", zap.String("task_id", msg.TaskID), zap.Error(err))
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Len reports the broker's ready-message count, or 0 when it cannot be read.
func (mq *RabbitMQ) Len() int {
	mq.publishMu.Lock()
	defer mq.publishMu.Unlock()

	q, err := mq.pubCh.QueueDeclarePassive(mq.queue, true, false, false, false, nil)
	if err != nil {
		return 0
	}
	return q.Messages
}

func (mq *RabbitMQ) Close() error {
	if mq.pubCh != nil {
		mq.pubCh.Close()
	}
	if mq.conn != nil {
		return mq.conn.Close()
	}
	return nil
}
