package mqttpub

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bavix/boardfarm/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	retryInterval     = 5 * time.Second
	maxReconnect      = 2 * time.Minute

	statusOnline  = `{"status":"online"}`
	statusOffline = `{"status":"offline"}`
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishTimeout   = errors.New("mqtt publish timed out")
)

// Publisher is the slice of an MQTT client the mirror needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

// Client publishes through paho with auto-reconnect. The broker announces
// the server offline through a retained last-will on <prefix>/status.
type Client struct {
	client pahomqtt.Client
	status string
	qos    byte
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retryInterval)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(cfg.Prefix), statusOffline, cfg.QoS, true)

	return opts
}

// Connect dials the broker and announces the server online.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	c := &Client{status: StatusTopic(cfg.Prefix), qos: cfg.QoS}

	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		pc.Publish(c.status, c.qos, true, statusOnline)
	})

	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return c, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}

	return token.Error()
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.client.IsConnected() {
		c.client.Publish(c.status, c.qos, true, statusOffline).WaitTimeout(publishTimeout)
	}

	c.client.Disconnect(disconnectQuiesce)

	return nil
}

func StatusTopic(prefix string) string { return prefix + "/status" }

func DeviceTopic(prefix, id string) string { return prefix + "/devices/" + id }
