package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"pdm-go/internal/config"
	"pdm-go/internal/metrics"
	"pdm-go/internal/pdm"
)

// DefaultChannel is the pub/sub channel or subject events travel on.
const DefaultChannel = "pdm.events"

// Envelope is the relay wire format. Origin names the publishing instance.
type Envelope struct {
	Origin string    `json:"origin"`
	Event  pdm.Event `json:"event"`
}

// Relay carries events between instances that share one store. Subscribe
// returns once the subscription is live and delivers until ctx is done.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

func decode(data []byte, logger pdm.Logger) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.RelayFailures.Inc()
		logger.Warn("discarding malformed relay message", "error", err)
		return Envelope{}, false
	}
	return env, true
}

// RedisRelay uses Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  pdm.Logger
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, channel string, logger pdm.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{client: client, channel: channel, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	msgs := ps.Channel()
	go func() {
		<-ctx.Done()
		ps.Close()
	}()
	go func() {
		for msg := range msgs {
			if env, ok := decode([]byte(msg.Payload), r.logger); ok {
				fn(env)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) Close() error { return r.client.Close() }

// NATSRelay uses a plain NATS subject.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	logger  pdm.Logger
}

var _ Relay = (*NATSRelay)(nil)

func NewNATSRelay(conn *nats.Conn, subject string, logger pdm.Logger) *NATSRelay {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATSRelay{conn: conn, subject: subject, logger: logger}
}

func (r *NATSRelay) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.subject, err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		if env, ok := decode(msg.Data, r.logger); ok {
			fn(env)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.subject, err)
	}
	if err := r.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (r *NATSRelay) Close() error {
	r.conn.Close()
	return nil
}

// NewRelayFromConfig returns nil when no relay is configured.
func NewRelayFromConfig(cfg config.RelayConfig, logger pdm.Logger) (Relay, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis relay requires redis_addr to be set")
		}
		return NewRedisRelay(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Channel, logger), nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("nats relay requires nats_url to be set")
		}
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("pdm"))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return NewNATSRelay(conn, cfg.Channel, logger), nil
	default:
		return nil, fmt.Errorf("unknown relay type: %q", cfg.Type)
	}
}

const relayTimeout = 5 * time.Second

// RelayNotifier publishes events straight to a relay. It serves processes
// that hold no sessions of their own, such as CLI commands run next to a
// server.
type RelayNotifier struct {
	relay  Relay
	origin string
	logger pdm.Logger
}

var _ pdm.Notifier = (*RelayNotifier)(nil)

func NewRelayNotifier(relay Relay, origin string, logger pdm.Logger) *RelayNotifier {
	return &RelayNotifier{relay: relay, origin: origin, logger: logger}
}

func (n *RelayNotifier) Publish(ctx context.Context, ev pdm.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()
	if err := n.relay.Publish(ctx, Envelope{Origin: n.origin, Event: ev}); err != nil {
		metrics.RelayFailures.Inc()
		n.logger.Warn("relay publish failed", "event", string(ev.Type), "error", err)
	}
}
