// Package bus publishes synthesis lifecycle events over NATS. The client is
// optional: a nil *Client is a valid no-op publisher, so callers never branch
// on whether events are configured.
package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgespeak/edgespeak/internal/config"
	"github.com/edgespeak/edgespeak/internal/protocol"
)

// Client wraps a NATS connection with subject-prefixed JSON publishing.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(cfg config.EventsConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("edgespeak"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// publish marshals and fires the event. Bus trouble is logged, never
// propagated; events are best effort and must not fail a synthesis.
func (c *Client) publish(subject string, event any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.log.Warn("event marshal failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	full := subject
	if c.prefix != "" {
		full = c.prefix + "." + subject
	}
	if err := c.conn.Publish(full, data); err != nil {
		c.log.Warn("event publish failed", slog.String("subject", full), slog.String("error", err.Error()))
	}
}

func (c *Client) PublishCompleted(event protocol.SynthesisCompleted) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.publish(protocol.SubjectSynthesisCompleted, event)
}

func (c *Client) PublishFailed(event protocol.SynthesisFailed) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.publish(protocol.SubjectSynthesisFailed, event)
}

func (c *Client) PublishProbe(event protocol.VoiceProbe) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.publish(protocol.SubjectVoiceProbe, event)
}
