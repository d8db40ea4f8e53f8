package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// flushTimeout bounds how long Flush waits for the server to acknowledge
// buffered messages.
const flushTimeout = 5 * time.Second

// Options configures the NATS connection
type Options struct {
	URL           string
	Name          string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Publisher publishes relayed events to NATS
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewPublisher connects to NATS
func NewPublisher(opts Options, logger *logrus.Logger) (*Publisher, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnect),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", opts.URL)
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish sends data on subject. Delivery is confirmed by Flush.
func (p *Publisher) Publish(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Flush waits until the server has processed every published message
func (p *Publisher) Flush() error {
	if err := p.conn.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("Failed to drain NATS connection: %v", err)
		p.conn.Close()
	}
}

// Conn returns the underlying NATS connection
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}
