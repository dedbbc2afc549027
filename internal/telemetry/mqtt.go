package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rover-control/rover/internal/config"
	"github.com/rover-control/rover/internal/logging"
)

// NewMQTTClient builds a reconnecting paho client for the configured broker.
// The caller connects it with ConnectMQTT.
func NewMQTTClient(cfg config.MQTTConfig, logger *slog.Logger) mqtt.Client {
	if logger == nil {
		logger = logging.Discard()
	}
	log := logger.With("component", "mqtt", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(client mqtt.Client) {
		log.Info("connected to broker")
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Warn("broker connection lost", "error", err)
	}

	return mqtt.NewClient(opts)
}

// ConnectMQTT starts the connection and waits up to timeout for the first attempt.
func ConnectMQTT(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out connecting to broker after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

// MQTTTransport publishes frames to a broker topic at QoS 0, never retained.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
	log    *slog.Logger
}

// NewMQTTTransport wraps a connected client.
func NewMQTTTransport(client mqtt.Client, topic string, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MQTTTransport{
		client: client,
		topic:  topic,
		log:    logger.With("component", "mqtt", "topic", topic),
	}
}

// Publish hands the payload to paho without waiting for the broker.
// While the link is down payloads are dropped with ErrLinkDown.
func (t *MQTTTransport) Publish(payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return ErrLinkDown
	}
	t.client.Publish(t.topic, 0, false, payload)
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

// SubscribeMQTT feeds every message on topic into recv.
func SubscribeMQTT(client mqtt.Client, topic string, recv *Receiver, timeout time.Duration) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		recv.FeedPayload(msg.Payload())
	})
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}
