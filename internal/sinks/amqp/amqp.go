// Package amqp publishes delivery and campaign lifecycle events to an AMQP
// topic exchange. The routing key is the event type.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"bumpcast/internal/campaign"
	"bumpcast/internal/eventbus"
	logx "bumpcast/pkg/logx"
)

const DefaultExchange = "bumpcast.events"

type Config struct {
	URL       string
	Exchange  string
	QueueSize int
}

// Channel is the subset of *amqp.Channel the sink uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Conn is one broker connection with its channel.
type Conn struct {
	Channel Channel
	// Closed delivers the broker's close reason.
	Closed <-chan *amqp.Error
	Close  func() error
}

type Dialer func(url string) (*Conn, error)

// Dial connects with streadway/amqp.
func Dial(url string) (*Conn, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := c.Channel()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Conn{Channel: ch, Closed: c.NotifyClose(make(chan *amqp.Error, 1)), Close: c.Close}, nil
}

type Sink struct {
	cfg  Config
	dial Dialer
	log  logx.Logger
}

func New(cfg Config, dial Dialer, log logx.Logger) *Sink {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if dial == nil {
		dial = Dial
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, dial: dial, log: log.Component("amqp")}
}

var errConnClosed = errors.New("amqp connection closed")

// Run publishes events until ctx ends. It returns an error when the broker
// connection fails so the caller can restart it with backoff.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	conn, err := s.dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	events, unsub := bus.Subscribe(s.cfg.QueueSize)
	defer unsub()

	if err := conn.Channel.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}
	s.log.Info("publishing events", logx.String("exchange", s.cfg.Exchange))
	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr, ok := <-conn.Closed:
			if !ok || aerr == nil {
				return errConnClosed
			}
			return fmt.Errorf("%w: %s", errConnClosed, aerr.Reason)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !Publishable(e.Type) {
				continue
			}
			if err := s.publish(conn.Channel, e); err != nil {
				return fmt.Errorf("publish %s: %w", e.Type, err)
			}
		}
	}
}

// Publishable reports whether events of this type leave the process.
// Progress snapshots stay local; the Redis mirror carries them.
func Publishable(typ string) bool {
	switch typ {
	case campaign.EventDeliveryOutcome, campaign.EventCampaignStarted, campaign.EventCampaignStopped:
		return true
	}
	return false
}

func (s *Sink) publish(ch Channel, e eventbus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("event not serializable; dropped", logx.String("type", e.Type), logx.Err(err))
		return nil
	}
	return ch.Publish(s.cfg.Exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	})
}
