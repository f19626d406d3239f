// Package queue_publisher publishes booking events to RabbitMQ.  Failures
// are logged and returned so callers can ignore them without interrupting
// the request that caused the event.
package queue_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	q "github.com/iliyamo/bus-seat-reservation/internal/queue"
)

// publishAttempts bounds how often one event is tried before it is dropped.
const publishAttempts = 3

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.  The
// returned closer releases both.
type dialFunc func(url, exchange string) (channel, func() error, error)

// Publisher sends booking events to a durable topic exchange with the event
// name as routing key.  One connection is shared by all publishes and
// re-dialled after a failure.
type Publisher struct {
	url      string
	exchange string
	dial     dialFunc
	now      func() time.Time
	backoff  time.Duration
	log      *log.Logger

	mu    sync.Mutex
	ch    channel
	close func() error
}

// NewPublisher returns a Publisher for the exchange at url.  It does not
// connect until the first publish, so the server can start while the broker
// is still coming up.
func NewPublisher(url, exchange string) *Publisher {
	return &Publisher{
		url:      url,
		exchange: exchange,
		dial:     dialExchange,
		now:      time.Now,
		backoff:  200 * time.Millisecond,
		log:      log.New("rabbitmq"),
	}
}

// dialTimeout keeps an unreachable broker from stalling a publish for the
// library's 30 second default.
const dialTimeout = 3 * time.Second

func dialExchange(url, exchange string) (channel, func() error, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	// Durable so the exchange survives broker restarts.
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	closer := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return ch, closer, nil
}

// PublishBookingEvent publishes the booking snapshot under event.
func (p *Publisher) PublishBookingEvent(ctx context.Context, event string, b *model.Booking) error {
	body, err := json.Marshal(q.NewBookingEvent(event, b, p.now().UTC()))
	if err != nil {
		p.log.Errorf("marshal %s: %v", event, err)
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    p.now().UTC(),
		MessageId:    b.ID + ":" + event,
		Type:         event,
		Body:         body,
	}

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = p.publish(ctx, event, msg); err == nil {
			return nil
		}
		p.log.Warnf("publish %s for booking %s failed (attempt %d/%d): %v", event, b.ID, attempt, publishAttempts, err)
		if attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff * time.Duration(attempt)):
		}
	}
	p.log.Errorf("drop %s for booking %s: %v", event, b.ID, err)
	return err
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		ch, closer, err := p.dial(p.url, p.exchange)
		if err != nil {
			return err
		}
		p.ch, p.close = ch, closer
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		p.reset()
		return err
	}
	return nil
}

// reset drops the current connection so the next publish re-dials.
func (p *Publisher) reset() {
	if p.close != nil {
		_ = p.close()
	}
	p.ch, p.close = nil, nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.close == nil {
		return nil
	}
	err := p.close()
	p.ch, p.close = nil, nil
	return err
}
