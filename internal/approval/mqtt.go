package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wardenlabs/warden/internal/consent"
)

const (
	topicRequests  = "warden/consent/request"
	topicResponses = "warden/consent/response"
)

// MQTTClient is the subset of the paho client the channel needs, so tests can
// substitute a fake broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// MQTTChannel relays the approval conversation over an MQTT broker: escalated
// requests publish to warden/consent/request, approvers answer on
// warden/consent/response.
type MQTTChannel struct {
	client MQTTClient
	engine Engine
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTTChannel builds the channel against a broker URL.
func NewMQTTChannel(engine Engine, brokerURL, username, password string, logger *slog.Logger) *MQTTChannel {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("warden-consent").
		SetAutoReconnect(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return &MQTTChannel{
		client: mqtt.NewClient(opts),
		engine: engine,
		logger: logger.With("channel", "mqtt"),
	}
}

// NewMQTTChannelWithClient injects a client, for tests.
func NewMQTTChannelWithClient(engine Engine, client MQTTClient, logger *slog.Logger) *MQTTChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTChannel{
		client: client,
		engine: engine,
		logger: logger.With("channel", "mqtt"),
	}
}

func (c *MQTTChannel) Name() string { return "mqtt" }

// Start connects, subscribes for responses, and relays escalated requests.
func (c *MQTTChannel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("approval: mqtt connect: %w", token.Error())
	}

	token := c.client.Subscribe(topicResponses, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var resp consent.Response
		if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
			c.logger.Warn("bad response payload", "error", err)
			return
		}
		if err := c.engine.Resolve(resp); err != nil {
			c.logger.Warn("response not accepted", "requestId", resp.RequestID, "error", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("approval: mqtt subscribe: %w", token.Error())
	}

	c.logger.Info("mqtt approval channel started")
	return nil
}

// Notify publishes one escalated request to the broker.
func (c *MQTTChannel) Notify(req consent.Request) {
	payload, err := json.Marshal(req)
	if err != nil {
		c.logger.Error("marshal request", "error", err)
		return
	}
	if token := c.client.Publish(topicRequests, 1, false, payload); token.Wait() && token.Error() != nil {
		c.logger.Warn("publish failed", "requestId", req.ID, "error", token.Error())
	}
}

// Stop disconnects from the broker.
func (c *MQTTChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
