package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPExchange is the fanout exchange changes are published to.
const AMQPExchange = "listing-chat.messages"

const amqpActionHeader = "x-action"

// AMQPTransport fans changes out through a RabbitMQ fanout exchange. Every
// subscription declares its own exclusive, auto-deleted queue bound to it.
// A lost connection is dropped when the broker reports it closed and redialed
// on the next Publish or Subscribe.
type AMQPTransport struct {
	url  string
	dial func(url string) (*amqp.Connection, error)
	log  zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	closed bool
}

// DialAMQP connects to url and declares the exchange.
func DialAMQP(url string, log zerolog.Logger) (*AMQPTransport, error) {
	t := &AMQPTransport{url: url, dial: amqp.Dial, log: log}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.connectLocked(); err != nil {
		return nil, err
	}
	log.Info().Str("exchange", AMQPExchange).Msg("connected to RabbitMQ")
	return t, nil
}

// connectLocked returns the live connection, dialing a new one if the last
// was lost. t.mu must be held.
func (t *AMQPTransport) connectLocked() (*amqp.Connection, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil && !t.conn.IsClosed() && t.pub != nil && !t.pub.IsClosed() {
		return t.conn, nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn, t.pub = nil, nil
	}

	conn, err := t.dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		AMQPExchange, // name
		"fanout",     // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	t.conn, t.pub = conn, ch
	go t.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	return conn, nil
}

// watch forgets conn once the broker closes it so the next caller redials.
func (t *AMQPTransport) watch(conn *amqp.Connection, closes chan *amqp.Error) {
	err, ok := <-closes
	if !ok || err == nil {
		return
	}
	t.log.Warn().Err(err).Msg("RabbitMQ connection lost")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn, t.pub = nil, nil
	}
}

func (t *AMQPTransport) Publish(ctx context.Context, c Change) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.connectLocked(); err != nil {
		return err
	}
	err = t.pub.PublishWithContext(
		ctx,
		AMQPExchange, // exchange
		"",           // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     amqp.Table{amqpActionHeader: string(c.Op)},
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (t *AMQPTransport) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	t.mu.Lock()
	conn, err := t.connectLocked()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", AMQPExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp bind queue: %w", err)
	}
	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	done := make(chan struct{})
	sub := newSubscription(f, func() {
		close(done)
		ch.Close()
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					select {
					case <-done:
					default:
						sub.fail(ErrClosed)
					}
					return
				}
				var c Change
				if err := json.Unmarshal(msg.Body, &c); err != nil {
					t.log.Warn().Err(err).Str("action", fmt.Sprint(msg.Headers[amqpActionHeader])).Msg("dropping malformed change")
					continue
				}
				if !sub.deliver(c) {
					ch.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn, t.pub = nil, nil
	return conn.Close()
}
