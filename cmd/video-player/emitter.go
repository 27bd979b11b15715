package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	videoplayer "github.com/e7canasta/orion-care-sensor/modules/video-player"
)

// mqttEmitter publishes player events to an MQTT broker, one topic per
// event type: {topic}/{type}
type mqttEmitter struct {
	broker string
	topic  string
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

func newMQTTEmitter(broker, topic, clientID string) *mqttEmitter {
	e := &mqttEmitter{
		broker:    broker,
		topic:     topic,
		published: make(map[string]uint64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	e.client = mqtt.NewClient(opts)
	return e
}

// Connect waits up to 5s for the first connection
func (e *mqttEmitter) Connect() error {
	slog.Info("connecting to mqtt broker", "broker", e.broker)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish sends the msgpack encoding of ev. Frame events use QoS 0, the
// rest QoS 1.
func (e *mqttEmitter) Publish(ev videoplayer.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.topic, ev.Type)
	qos := byte(1)
	if ev.Type == videoplayer.EventFrame {
		qos = 0
	}

	payload, err := msgpack.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *mqttEmitter) Disconnect() {
	if e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Published returns the total number of events sent and failed
func (e *mqttEmitter) Published() (sent, failed uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, n := range e.published {
		sent += n
	}
	return sent, e.errors
}

func (e *mqttEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *mqttEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *mqttEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
