package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConnectParams MQTT connection parameter
type MQTTConnectParams struct {
	// BrokerURI connect to the MQTT broker with URI
	BrokerURI string `validate:"required,uri"`
	// ClientID the MQTT client ID
	ClientID string `validate:"required"`
	// Username the MQTT user
	Username string
	// Password the MQTT password
	Password string
	// QoS used for subscriptions and publishes
	QoS byte `validate:"lte=2"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// KeepAlive MQTT keep alive period
	KeepAlive time.Duration
	// PublishTimeout max time to wait for a publish to complete
	PublishTimeout time.Duration
	// MaxReconnectInterval longest wait between reconnect attempts
	MaxReconnectInterval time.Duration
	// ConnectRetryInterval wait between initial connect attempts
	ConnectRetryInterval time.Duration
	// OnConnectionLostCallback callback on connection lost
	OnConnectionLostCallback func(error)
	// OnReconnectingCallback callback when a reconnect is attempted
	OnReconnectingCallback func()
}

// MessageHandler callback for an inbound MQTT message
type MessageHandler func(topic string, payload []byte)

// MQTTClient MQTT client used to receive scanner messages and send responses
type MQTTClient struct {
	common.Component
	client  mqtt.Client
	params  MQTTConnectParams
	subLock sync.Mutex
	subs    map[string]MessageHandler
}

// GetMQTTClient define a new MQTT client, and connect to the broker
func GetMQTTClient(param MQTTConnectParams) (*MQTTClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "mqtt-client",
		"instance":  param.BrokerURI,
	}
	instance := &MQTTClient{
		Component: common.Component{LogTags: logTags},
		params:    param,
		subs:      make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(param.BrokerURI).
		SetClientID(param.ClientID).
		SetConnectTimeout(param.ConnectTimeout).
		SetKeepAlive(param.KeepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(param.MaxReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(param.ConnectRetryInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(instance.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(logTags).Error("MQTT connection lost")
			if param.OnConnectionLostCallback != nil {
				param.OnConnectionLostCallback(err)
			}
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			log.WithFields(logTags).Warn("MQTT client reconnecting")
			if param.OnReconnectingCallback != nil {
				param.OnReconnectingCallback()
			}
		})
	if param.Username != "" {
		opts = opts.SetUsername(param.Username).SetPassword(param.Password)
	}

	instance.client = mqtt.NewClient(opts)
	token := instance.client.Connect()
	if !token.WaitTimeout(param.ConnectTimeout) {
		err := fmt.Errorf("timed out connecting to %s", param.BrokerURI)
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		instance.client.Disconnect(0)
		return nil, err
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created MQTT client")
	return instance, nil
}

// onConnect restore the subscriptions after every (re)connect
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.WithFields(c.LogTags).Info("Connected to MQTT broker")
	c.subLock.Lock()
	defer c.subLock.Unlock()
	for topic, handler := range c.subs {
		if err := c.subscribe(client, topic, handler); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Failed to restore subscription %s", topic)
		}
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler MessageHandler) error {
	token := client.Subscribe(topic, c.params.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.params.ConnectTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	return token.Error()
}

// Subscribe subscribe to a topic filter. The subscription survives reconnects.
func (c *MQTTClient) Subscribe(topic string, handler MessageHandler) error {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	if err := c.subscribe(c.client, topic, handler); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Subscribe to %s failed", topic)
		return err
	}
	c.subs[topic] = handler
	log.WithFields(c.LogTags).Infof("Subscribed to %s", topic)
	return nil
}

// Publish send a message, and wait for the publish to complete
func (c *MQTTClient) Publish(ctxt context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.params.QoS, false, payload)
	timeout := time.NewTimer(c.params.PublishTimeout)
	defer timeout.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Publish to %s failed", topic)
			return err
		}
		return nil
	case <-timeout.C:
		return fmt.Errorf("timed out publishing to %s", topic)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// IsConnected whether the client currently has a working broker connection
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnect from the broker
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	log.WithFields(c.LogTags).Info("Close MQTT client")
}
