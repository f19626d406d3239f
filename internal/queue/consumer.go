package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// bookingKeys binds every booking event on the exchange.
const bookingKeys = "booking.*"

// Notifier tells the customer about a booking event.
type Notifier interface {
	Notify(ctx context.Context, ev BookingEvent) error
}

// FileNotifier appends one human-readable line per event to a log file.  It
// stands in for the e-mail/SMS dispatcher.
type FileNotifier struct {
	Path string

	mu sync.Mutex
}

// NewFileNotifier writes to logs/notifications.log.
func NewFileNotifier() *FileNotifier {
	return &FileNotifier{Path: filepath.Join("logs", "notifications.log")}
}

func (n *FileNotifier) Notify(_ context.Context, ev BookingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(n.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(n.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(formatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func formatLine(ev BookingEvent) string {
	b := ev.Booking
	seats := make([]string, 0, len(b.Passengers))
	for _, p := range b.Passengers {
		seats = append(seats, p.SeatNumber)
	}
	what := "Booking updated"
	switch ev.Event {
	case EventBookingConfirmed:
		what = "Booking confirmed"
	case EventBookingCancelled:
		what = "Booking cancelled"
	}
	return fmt.Sprintf("[%s] %s | booking_id=%s | trip_id=%d | ticket=%s | contact=%q | phone=%s | total=%d | seats=[%s]\n",
		ev.OccurredAt.Format(time.RFC3339), what, b.ID, b.TripID, b.TicketCode, b.ContactName, b.ContactPhone,
		b.TotalAmount, strings.Join(seats, ","))
}

// NotificationConsumer drains booking events from a durable queue bound to
// the booking exchange and hands them to a Notifier.
type NotificationConsumer struct {
	url      string
	exchange string
	queue    string
	notifier Notifier
	log      *log.Logger
}

// NewNotificationConsumer returns a consumer for queue on exchange at url.
func NewNotificationConsumer(url, exchange, queue string, n Notifier) *NotificationConsumer {
	return &NotificationConsumer{url: url, exchange: exchange, queue: queue, notifier: n, log: log.New("notify")}
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever the
// broker goes away.
func (c *NotificationConsumer) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warnf("failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warnf("consume loop ended: %v; reconnecting", err)
		if !sleep(ctx, 2*time.Second) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *NotificationConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warnf("set QoS failed: %v", err)
	}
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, bookingKeys, c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", bookingKeys, err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := c.handleMessage(ctx, d.Body); err != nil {
			c.log.Errorf("handle message failed: %v", err)
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func (c *NotificationConsumer) handleMessage(ctx context.Context, body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Event == "" || ev.Booking.ID == "" {
		return errors.New("event without name or booking")
	}
	return c.notifier.Notify(ctx, ev)
}
