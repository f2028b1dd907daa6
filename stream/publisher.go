package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/run"
)

// Publisher is an optional external sink for QueueEvents. The Stream
// Bus itself remains the only thing the Scheduler Core talks to (spec
// §4.6); a Publisher is purely an outbound mirror for external
// dashboards or audit logs, wired by subscribing to Bus.SubscribeEvents
// and forwarding each event here, narrowed to this module's QueueEvent
// vocabulary rather than a generic topic/payload shape.
type Publisher interface {
	PublishEvent(ctx context.Context, evt run.QueueEvent) error
	Close() error
}

// LogPublisher logs every event instead of forwarding it anywhere;
// it is the zero-dependency default when no external sink is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher builds a LogPublisher. logger may be nil, in which
// case all logging is discarded.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// PublishEvent logs evt as a single structured line.
func (p *LogPublisher) PublishEvent(ctx context.Context, evt run.QueueEvent) error {
	p.logger.Info("stream publish", zap.String("kind", string(evt.Kind)), zap.String("run_id", evt.RunID), zap.String("agent_name", evt.AgentName))
	return nil
}

// Close is a no-op for LogPublisher.
func (p *LogPublisher) Close() error { return nil }

// natsSubject is the single subject every QueueEvent is published
// under; subscribers filter by the kind field in the decoded payload.
const natsSubject = "agentqueue.events"

// NatsPublisher mirrors QueueEvents onto a NATS subject for external
// dashboards. Reconnect/disconnect/error events are logged rather than
// fatal: a publisher outage must never affect scheduler state (spec
// §7's "errors inside callbacks... never affect scheduler state"
// applies equally to this best-effort mirror).
type NatsPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNatsPublisher connects to a NATS server at url. logger may be
// nil, in which case all logging is discarded.
func NewNatsPublisher(url string, logger *zap.Logger) (*NatsPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("agentqueued"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: connect to nats at %s: %w", url, err)
	}
	return &NatsPublisher{conn: conn, logger: logger}, nil
}

// PublishEvent marshals evt as JSON and publishes it to natsSubject.
// A publish failure is logged, never returned as fatal to the caller's
// dispatch path — this is a best-effort mirror, not a dependency of
// scheduler correctness.
func (p *NatsPublisher) PublishEvent(ctx context.Context, evt run.QueueEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	if err := p.conn.Publish(natsSubject, data); err != nil {
		p.logger.Warn("nats publish failed", zap.String("run_id", evt.RunID), zap.Error(err))
		return err
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (p *NatsPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// RelayEvents subscribes to bus's event feed and forwards every event
// to pub until ctx is done. Intended to run in its own goroutine,
// started alongside the Stream Bus by cmd/agentqueued when an external
// publisher is configured. logger may be nil, in which case forward
// failures are discarded rather than logged.
func RelayEvents(ctx context.Context, bus *Bus, pub Publisher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, unsubscribe := bus.SubscribeEvents()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := pub.PublishEvent(ctx, evt); err != nil {
				logger.Warn("stream publisher forward failed", zap.String("run_id", evt.RunID), zap.Error(err))
			}
		}
	}
}
