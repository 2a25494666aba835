package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/logger"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 5 * time.Second
)

// Client represents an MQTT client
type Client struct {
	client  mqtt.Client
	config  config.MQTTConfig
	handler MessageHandler
}

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

// newClient creates a new MQTT client. The input topic is subscribed on every
// (re)connect, so auto-reconnect restores the subscription.
func newClient(cfg config.MQTTConfig, handler MessageHandler) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.InputTopic == "" {
		return nil, fmt.Errorf("MQTT input topic cannot be empty")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "lora-trans-" + uuid.NewString()[:8]
	}

	c := &Client{
		config:  cfg,
		handler: handler,
	}
	c.client = mqtt.NewClient(c.options())
	return c, nil
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	if c.config.KeepAlive > 0 {
		opts.SetKeepAlive(c.config.KeepAlive)
	}
	opts.SetAutoReconnect(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("connected to MQTT broker: %s", c.config.Broker)
		if err := c.subscribe(client, c.config.InputTopic); err != nil {
			logger.Error("failed to subscribe to topic %s: %v", c.config.InputTopic, err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return opts
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}
	return nil
}

// ConnectWithBackoff retries Connect, doubling the wait from start up to max,
// until it succeeds or ctx is done
func (c *Client) ConnectWithBackoff(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		err := c.Connect()
		if err == nil {
			return nil
		}

		logger.Warn("MQTT connect error: %v; retrying in %s", err, backoff)
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
				if backoff > max {
					backoff = max
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before MQTT connect: %w", ctx.Err())
		}
	}
}

func (c *Client) subscribe(client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		c.handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully subscribed to topic: %s (QoS %d)", topic, c.config.QoS)
	return nil
}

// Publish sends payload with the configured QoS and retain flag
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	logger.Info("disconnected from MQTT broker")
}
