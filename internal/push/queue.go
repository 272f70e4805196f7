package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the broker queue notifications travel through.
const DefaultQueue = "whisper.push"

const dispatchTimeout = 15 * time.Second

type queueEnvelope struct {
	UserID       string       `json:"user_id"`
	Notification Notification `json:"notification"`
}

// QueueDispatcher publishes notifications to an AMQP queue instead of
// talking to push services inline. A Worker on the consuming side does
// the actual Web Push sends.
type QueueDispatcher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewQueueDispatcher connects to the broker and declares the durable
// notification queue.
func NewQueueDispatcher(url, queue string) (*QueueDispatcher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &QueueDispatcher{conn: conn, ch: ch, queue: queue}, nil
}

// Dispatch enqueues the notification as a persistent message.
func (q *QueueDispatcher) Dispatch(ctx context.Context, userID string, note Notification) error {
	body, err := json.Marshal(queueEnvelope{UserID: userID, Notification: note})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (q *QueueDispatcher) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Worker drains the notification queue and hands each envelope to the
// inner dispatcher. Envelopes that cannot be parsed are dropped;
// dispatch failures are acked anyway since push delivery is best effort.
type Worker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	inner  Dispatcher
	logger *slog.Logger
}

// NewWorker connects a consumer to the notification queue.
func NewWorker(url, queue string, inner Dispatcher) (*Worker, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Worker{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		inner:  inner,
		logger: slog.Default().With("component", "push_worker"),
	}, nil
}

// Run consumes until the context is canceled or the broker closes the
// delivery stream.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.ch.ConsumeWithContext(ctx, w.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var env queueEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		w.logger.Warn("dropping malformed envelope", "error", err)
		_ = delivery.Nack(false, false)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if err := w.inner.Dispatch(sendCtx, env.UserID, env.Notification); err != nil {
		w.logger.Warn("push dispatch failed", "user_id", env.UserID, "error", err)
	}
	_ = delivery.Ack(false)
}

// Close releases the channel and connection.
func (w *Worker) Close() error {
	if err := w.ch.Close(); err != nil {
		w.conn.Close()
		return err
	}
	return w.conn.Close()
}
