package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"paycore/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"paycore"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Client wraps a NATS connection
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New creates a new NATS client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err, "subject", s.Subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	c.conn.Close()
}

// Conn returns the underlying NATS connection
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// AuditPublisher publishes audit events on payments.audit.* subjects.
// Publication is best effort: failures are logged, never returned to the
// reconciliation path.
type AuditPublisher struct {
	client *Client
	logger *slog.Logger
}

// NewAuditPublisher creates a new audit publisher
func NewAuditPublisher(client *Client, logger *slog.Logger) *AuditPublisher {
	return &AuditPublisher{
		client: client,
		logger: logger,
	}
}

// Publish publishes an audit event
func (p *AuditPublisher) Publish(ctx context.Context, event *events.Event) {
	subject := fmt.Sprintf("payments.audit.%s", event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshaling audit event", "error", err, "type", event.Type)
		return
	}

	if err := p.client.conn.Publish(subject, data); err != nil {
		p.logger.Error("publishing audit event",
			"error", err,
			"event_id", event.ID,
			"subject", subject,
		)
		return
	}

	p.logger.Debug("audit event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)
}
