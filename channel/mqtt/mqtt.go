// Package mqtt implements a channel.Channel over an MQTT broker,
// addressed by physical endpoints' channelHint.
//
// Adapted from the teacher's transport/mqtt: the connect/subscribe/
// publish lifecycle, auto-reconnect options, and connected-state
// bookkeeping are kept almost verbatim. What changes is the payload:
// the teacher base64-encodes a fixed MeshCore codec.Packet onto a
// single per-mesh topic; this channel instead publishes the router's
// raw framed bytes (message.Encode's output is already a self-
// describing binary frame, so no base64 wrapping is needed) onto a
// per-destination-segment topic under TopicPrefix, letting several
// router endpoints share one broker. Connect subscribes to every topic
// under TopicPrefix, so each router still receives every frame
// published on the broker under that prefix.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/lilltek/router/channel"
	"github.com/lilltek/router/endpoint"
)

// DefaultTopicPrefix is the default MQTT topic prefix for router frames.
const DefaultTopicPrefix = "router"

// Config configures an MQTT channel.
type Config struct {
	Name string

	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker string

	Username string
	Password string
	UseTLS   bool

	// ClientID is the MQTT client identifier. If empty, a random one
	// is generated.
	ClientID string

	// TopicPrefix is the MQTT topic prefix. Default: DefaultTopicPrefix.
	TopicPrefix string

	Logger *slog.Logger
}

// Channel implements channel.Channel over MQTT.
type Channel struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu      sync.RWMutex
	handler channel.FrameHandler
}

var _ channel.Channel = (*Channel)(nil)

// New creates an MQTT channel. Connect must be called before Send or
// inbound delivery will work.
func New(cfg Config) *Channel {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{cfg: cfg, log: logger.WithGroup("mqtt")}
}

// Connect dials the broker and subscribes to every topic under
// TopicPrefix, so this channel receives frames addressed to any
// segment sharing the broker.
func (c *Channel) Connect(ctx context.Context) error {
	if c.cfg.Broker == "" {
		return errors.New("mqtt: broker URL is required")
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnected).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqtt: connection timeout")
	}
	return token.Error()
}

func (c *Channel) onConnected(_ paho.Client) {
	topic := c.cfg.TopicPrefix + "/#"
	c.client.Subscribe(topic, 0, c.handleMessage)
	c.log.Info("connected to broker", "broker", c.cfg.Broker, "topic", topic)
}

func (c *Channel) onConnectionLost(_ paho.Client, err error) {
	c.log.Error("connection lost", "error", err)
}

func (c *Channel) handleMessage(_ paho.Client, msg paho.Message) {
	c.mu.RLock()
	fn := c.handler
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(msg.Payload(), c.cfg.Name)
}

// Name identifies this channel for endpoint channelHint matching.
func (c *Channel) Name() string { return c.cfg.Name }

// Send publishes frame under a topic derived from to's physical
// segments. The topic does not limit delivery among channels of this
// type: each one subscribes to every topic under TopicPrefix and lets
// the router core's dispatch decide relevance.
func (c *Channel) Send(_ context.Context, frame []byte, to *endpoint.EP) error {
	if c.client == nil || !c.client.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	topic := c.cfg.TopicPrefix + "/" + topicSuffix(to)
	token := c.client.Publish(topic, 0, false, frame)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: timeout publishing to %q", topic)
	}
	return token.Error()
}

// SetFrameHandler installs the callback invoked for every inbound frame.
func (c *Channel) SetFrameHandler(fn channel.FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Close disconnects from the broker.
func (c *Channel) Close() error {
	if c.client != nil {
		c.client.Disconnect(1000)
	}
	return nil
}

func topicSuffix(to *endpoint.EP) string {
	if to == nil || !to.IsPhysical() {
		return "broadcast"
	}
	segs := to.Segments()
	if len(segs) == 0 {
		return "root"
	}
	return strings.Join(segs, "/")
}
