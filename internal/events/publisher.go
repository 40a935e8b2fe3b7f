// Package events publishes match-lifecycle events to NATS for external
// consumers (site live feed, analytics). Entirely optional: with no NATS
// URL configured every publish is a no-op, and publish failures never
// affect game flow.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects emitted by the core.
const (
	SubjectMatchStarted = "royale.match.started"
	SubjectMatchEnded   = "royale.match.ended"
	SubjectPlayerCount  = "royale.players.online"
)

// Publisher wraps a NATS connection. The zero-value-like disabled form
// (from NewDisabled) swallows everything.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect establishes the NATS connection with reconnect handling.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats connected", zap.String("url", conn.ConnectedUrl()))
	return &Publisher{conn: conn, logger: logger}, nil
}

// NewDisabled returns a publisher that drops everything.
func NewDisabled(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Publish marshals and fires one event. Best-effort: errors are logged and
// swallowed.
func (p *Publisher) Publish(subject string, v interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("event marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Connected reports the live connection state for the health surface.
func (p *Publisher) Connected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
