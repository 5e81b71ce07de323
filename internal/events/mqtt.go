package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // milliseconds
)

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher mirrors room lifecycle events onto an MQTT broker under
// <prefix>/<roomId>/<kind>.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	logger *slog.Logger
}

// NewMQTTPublisher connects to broker and returns a publisher. The connection
// is retried automatically by the client after it has been established once.
func NewMQTTPublisher(broker, clientID, prefix string, logger *slog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker, "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	logger.Info("publishing room events to mqtt", "broker", broker, "prefix", prefix)
	return newMQTTPublisher(client, prefix, logger), nil
}

func newMQTTPublisher(client mqttClient, prefix string, logger *slog.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, logger: logger}
}

func (p *MQTTPublisher) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, e.RoomID, e.Kind)
}

// Publish hands the event to the client and waits for the outcome on a
// separate goroutine.
func (p *MQTTPublisher) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode room event", "kind", e.Kind, "err", err)
		return
	}

	topic := p.Topic(e)
	token := p.client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "err", err)
		}
	}()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectWait)
}
