// Package notify forwards fire detections to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

const publishTimeout = 5 * time.Second

// Alert is the JSON document published for every fire detection
type Alert struct {
	Event     string    `json:"event"`
	Source    string    `json:"source"`
	Score     float64   `json:"score"`
	Email     string    `json:"email,omitempty"`
	Message   string    `json:"message,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broker is the part of an MQTT client the publisher needs
type Broker interface {
	Connect() error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Config describes the broker connection
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Publisher subscribes to fire events and publishes them as alerts
type Publisher struct {
	*service.ServiceBase
	topic  string
	broker Broker
	cancel context.CancelFunc
}

// NewPublisher creates a publisher backed by a paho client
func NewPublisher(cfg Config, log *logger.Logger) *Publisher {
	return NewPublisherWithBroker(cfg.Topic, newPahoBroker(cfg), log)
}

// NewPublisherWithBroker creates a publisher on an existing broker connection
func NewPublisherWithBroker(topic string, broker Broker, log *logger.Logger) *Publisher {
	return &Publisher{
		ServiceBase: service.NewServiceBase("fire-alerts", log),
		topic:       topic,
		broker:      broker,
	}
}

// Start connects to the broker and begins forwarding fire events.
// The broker being down does not fail startup: alerts are dropped and
// logged until it comes back.
func (p *Publisher) Start(ctx context.Context) error {
	bus := p.GetEventBus()
	if bus == nil {
		return errors.New("fire alerts need an event bus")
	}

	if err := p.broker.Connect(); err != nil {
		p.LogWarn("MQTT broker unavailable, will keep retrying", "error", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	bus.SubscribeWithHandler(subCtx, service.EventTypeFireDetected, p.handleFire)

	p.GetStatus().SetStatus(service.StatusRunning)
	p.LogInfo("Fire alerts enabled", "topic", p.topic)
	return nil
}

// Stop stops forwarding and disconnects
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.broker.Disconnect()
	p.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (p *Publisher) handleFire(ctx context.Context, event service.Event) error {
	alert := alertFromEvent(event)
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	if err := p.broker.Publish(p.topic, payload); err != nil {
		p.LogError("Failed to publish fire alert", err, "topic", p.topic)
		return err
	}
	p.LogInfo("Fire alert published", "topic", p.topic, "source", alert.Source, "score", alert.Score)
	return nil
}

func alertFromEvent(event service.Event) Alert {
	alert := Alert{
		Event:     "fire_detected",
		Timestamp: event.Timestamp,
	}
	if v, ok := event.Data["source"].(string); ok {
		alert.Source = v
	}
	if v, ok := event.Data["score"].(float64); ok {
		alert.Score = v
	}
	if v, ok := event.Data["email"].(string); ok {
		alert.Email = v
	}
	if v, ok := event.Data["message"].(string); ok {
		alert.Message = v
	}
	if v, ok := event.Data["image_path"].(string); ok {
		alert.ImagePath = v
	}
	return alert
}

type pahoBroker struct {
	client mqtt.Client
}

func newPahoBroker(cfg Config) *pahoBroker {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetConnectTimeout(publishTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return &pahoBroker{client: mqtt.NewClient(opts)}
}

func (b *pahoBroker) Connect() error {
	token := b.client.Connect()
	// with connect retry the token only completes once connected
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("connect timed out after %v", publishTimeout)
	}
	return token.Error()
}

func (b *pahoBroker) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timed out after %v", publishTimeout)
	}
	return token.Error()
}

func (b *pahoBroker) Disconnect() {
	b.client.Disconnect(250)
}
