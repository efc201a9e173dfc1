// Package upstream subscribes to gateway advertisements on an external MQTT
// broker, for sites where gateways already publish to shared infrastructure.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"trapwatch/go-mqtt-server/internal/mqttbroker"
)

const (
	connectTimeout = 10 * time.Second
	quiesceMillis  = 250
)

// Subscriber relays messages from an external broker to a handler using the
// same message shape as the embedded broker.
type Subscriber struct {
	broker   string
	topic    string
	clientID string
	handler  mqttbroker.Handler
	logger   *slog.Logger
}

// New creates a subscriber for topic on broker (e.g. tcp://mqtt.local:1883).
func New(broker, topic, clientID string, handler mqttbroker.Handler, logger *slog.Logger) *Subscriber {
	if clientID == "" {
		clientID = fmt.Sprintf("trapwatch-%d", time.Now().UnixNano())
	}
	return &Subscriber{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		handler:  handler,
		logger:   logger,
	}
}

// Run connects, subscribes, and blocks until ctx is cancelled. The
// subscription is re-established on every reconnect.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			s.deliver(ctx, m)
		})
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			s.logger.Error("upstream subscribe failed", "broker", s.broker, "topic", s.topic, "error", token.Error())
			return
		}
		s.logger.Info("upstream subscribed", "broker", s.broker, "topic", s.topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("upstream connection lost", "broker", s.broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect upstream broker %s: timed out", s.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect upstream broker %s: %w", s.broker, err)
	}

	<-ctx.Done()
	client.Disconnect(quiesceMillis)
	return nil
}

func (s *Subscriber) deliver(ctx context.Context, m mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("upstream handler panic", "topic", m.Topic(), "panic", r)
		}
	}()
	s.handler(ctx, mqttbroker.PublishMessage{
		ClientID: s.clientID,
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retain:   m.Retained(),
	})
}
