package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/aide/internal/config"
)

// StatusSource produces the status document. A partial status with an
// error is still published.
type StatusSource interface {
	Collect(ctx context.Context) (Status, error)
}

// Publisher manages the MQTT connection and the periodic status loop.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	source   StatusSource
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if instanceID != "" {
		clientID += "-" + shortID(instanceID)
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		source:   source,
		logger:   logger.With("component", "mqtt"),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// Start connects to the broker and publishes status until ctx is
// cancelled. A broker that is down at start is retried in the
// background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx, p.cm)
		}
	}
}

// statusPayload collects and encodes the status document.
func (p *Publisher) statusPayload(ctx context.Context) ([]byte, error) {
	st, err := p.source.Collect(ctx)
	if err != nil {
		p.logger.Warn("status incomplete", "error", err)
	}
	payload, merr := json.Marshal(st)
	if merr != nil {
		return nil, errors.Join(err, merr)
	}
	return payload, nil
}

func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}
	payload, err := p.statusPayload(ctx)
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published", "bytes", len(payload))
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}
