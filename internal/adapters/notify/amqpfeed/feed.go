// Package amqpfeed fans change events out over a RabbitMQ topic exchange.
package amqpfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// DefaultExchange is the topic exchange used when none is configured.
const DefaultExchange = "waypoint.changes"

// Feed is an AMQP topic-exchange app.ChangeFeed. Routing keys are project.<id>.<kind>.
type Feed struct {
	conn     *amqp091.Connection
	exchange string

	mu      sync.Mutex
	publish *amqp091.Channel
}

// Dial connects to url and declares the exchange.
func Dial(url, exchange string) (*Feed, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	feed, err := New(conn, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return feed, nil
}

// New constructs a feed over an open connection.
func New(conn *amqp091.Connection, exchange string) (*Feed, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Feed{conn: conn, exchange: exchange, publish: ch}, nil
}

// declareExchange declares the durable topic exchange.
func declareExchange(ch *amqp091.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return nil
}

// Close closes the publish channel and the connection.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publish != nil {
		_ = f.publish.Close()
	}
	return f.conn.Close()
}

// RoutingKey returns the routing key for one project and kind.
func RoutingKey(projectID string, kind domain.ChangeKind) string {
	return "project." + routingSegment(projectID) + "." + string(kind)
}

// routingSegment keeps a project id inside one topic word.
func routingSegment(projectID string) string {
	return strings.ReplaceAll(strings.TrimSpace(projectID), ".", "_")
}

// Publish sends evt to the exchange.
func (f *Feed) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	body, err := app.EncodeChangeEvent(evt)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err = f.publish.PublishWithContext(ctx,
		f.exchange,
		RoutingKey(evt.ProjectID, evt.Kind),
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   evt.ID,
			Timestamp:   evt.OccurredAt,
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe binds an exclusive auto-delete queue to projectID's events and delivers them to fn.
func (f *Feed) Subscribe(ctx context.Context, projectID string, fn func(domain.ChangeEvent)) (app.Subscription, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domain.ErrInvalidID
	}
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "project."+routingSegment(projectID)+".*", f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}
	sub := &subscription{ch: ch, done: make(chan struct{})}
	go sub.run(ctx, projectID, deliveries, fn)
	return sub, nil
}

// subscription is one consumer channel.
type subscription struct {
	ch        *amqp091.Channel
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// run delivers messages until the channel closes or ctx ends.
func (s *subscription) run(ctx context.Context, projectID string, deliveries <-chan amqp091.Delivery, fn func(domain.ChangeEvent)) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			evt, err := app.DecodeChangeEvent(msg.Body)
			if err != nil {
				log.Warn("change event discarded: undecodable", "project_id", projectID, "message_id", msg.MessageId, "err", err)
				continue
			}
			fn(evt)
		}
	}
}

// Close cancels the consumer. It is safe to call more than once.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}
