package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

// completedToken token which has already finished
func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// pendingToken token which never finishes
func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeMQTT records subscriptions and answers publishes with a preset token
type fakeMQTT struct {
	mqtt.Client
	lock         sync.Mutex
	callbacks    map[string]mqtt.MessageHandler
	subscribeQoS []byte
	publishToken mqtt.Token
	published    []string
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.callbacks[topic] = callback
	f.subscribeQoS = append(f.subscribeQoS, qos)
	return completedToken(nil)
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.published = append(f.published, fmt.Sprintf("%s:%s", topic, payload))
	return f.publishToken
}

func (f *fakeMQTT) deliver(topic string, payload []byte) {
	f.lock.Lock()
	callback := f.callbacks[topic]
	f.lock.Unlock()
	callback(f, fakeMessage{topic: topic, payload: payload})
}

func defineTestMQTTClient(fake *fakeMQTT, publishTimeout time.Duration) *MQTTClient {
	return &MQTTClient{
		Component: common.Component{LogTags: log.Fields{"module": "core", "component": "mqtt-ut"}},
		client:    fake,
		params: MQTTConnectParams{
			QoS:            1,
			ConnectTimeout: time.Second,
			PublishTimeout: publishTimeout,
		},
		subs: make(map[string]MessageHandler),
	}
}

func TestMQTTClientSubscriptionRestore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fake := &fakeMQTT{callbacks: make(map[string]mqtt.MessageHandler)}
	uut := defineTestMQTTClient(fake, time.Second)

	received := make(chan string, 4)
	assert.Nil(uut.Subscribe("scanner/data", func(topic string, payload []byte) {
		received <- fmt.Sprintf("%s:%s", topic, payload)
	}))
	assert.Equal([]byte{1}, fake.subscribeQoS)

	// Case 0: messages reach the handler
	fake.deliver("scanner/data", []byte("1,2,AA:00"))
	select {
	case msg := <-received:
		assert.Equal("scanner/data:1,2,AA:00", msg)
	case <-time.After(time.Second):
		assert.Fail("message not delivered")
	}

	// Case 1: a reconnect to a fresh session restores the subscription
	fresh := &fakeMQTT{callbacks: make(map[string]mqtt.MessageHandler)}
	uut.onConnect(fresh)
	assert.Equal([]byte{1}, fresh.subscribeQoS)
	fresh.deliver("scanner/data", []byte("3,4,BB:01"))
	select {
	case msg := <-received:
		assert.Equal("scanner/data:3,4,BB:01", msg)
	case <-time.After(time.Second):
		assert.Fail("message not delivered after reconnect")
	}
}

func TestMQTTClientPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: publish completes
	{
		fake := &fakeMQTT{publishToken: completedToken(nil)}
		uut := defineTestMQTTClient(fake, time.Second)
		assert.Nil(uut.Publish(context.Background(), "scanner/resp/AA:00", []byte("ok")))
		assert.Equal([]string{"scanner/resp/AA:00:ok"}, fake.published)
	}

	// Case 1: publish fails
	{
		fake := &fakeMQTT{publishToken: completedToken(fmt.Errorf("not connected"))}
		uut := defineTestMQTTClient(fake, time.Second)
		err := uut.Publish(context.Background(), "scanner/resp/AA:00", []byte("ok"))
		assert.EqualError(err, "not connected")
	}

	// Case 2: publish never completes
	{
		fake := &fakeMQTT{publishToken: pendingToken()}
		uut := defineTestMQTTClient(fake, time.Millisecond*50)
		start := time.Now()
		err := uut.Publish(context.Background(), "scanner/resp/AA:00", []byte("ok"))
		assert.NotNil(err)
		assert.Contains(err.Error(), "timed out")
		assert.GreaterOrEqual(time.Since(start), time.Millisecond*50)
	}

	// Case 3: caller gives up first
	{
		fake := &fakeMQTT{publishToken: pendingToken()}
		uut := defineTestMQTTClient(fake, time.Minute)
		ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()
		err := uut.Publish(ctxt, "scanner/resp/AA:00", []byte("ok"))
		assert.ErrorIs(err, context.DeadlineExceeded)
	}
}
