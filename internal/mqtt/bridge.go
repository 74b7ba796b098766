//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"esphome-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	HADiscovery bool
}

// mqttClient is the subset of pahomqtt.Client the bridge uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// stateWriter is the operator write path into the object tree.
type stateWriter interface {
	WriteState(ctx context.Context, id string, val any) error
}

// Bridge mirrors acknowledged states to MQTT, feeds "<topic>/set" messages
// back through the tree and announces entities to Home Assistant.
type Bridge struct {
	client      mqttClient
	events      *coordinator.EventBus
	tree        stateWriter
	baseCtx     context.Context
	prefix      string
	haDiscovery bool
	logger      *slog.Logger
	unsub       func()

	// Published discovery payloads, device name -> topic -> payload.
	mu        sync.Mutex
	discovery map[string]map[string][]byte
}

func newBridge(events *coordinator.EventBus, tree stateWriter, ctx context.Context, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		events:      events,
		tree:        tree,
		baseCtx:     ctx,
		prefix:      cfg.TopicPrefix,
		haDiscovery: cfg.HADiscovery,
		logger:      logger.With("component", "mqtt"),
		discovery:   make(map[string]map[string][]byte),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord.Events(), coord.Tree(), coord.Context(), cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("esphome-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch data := event.Data.(type) {
	case coordinator.StateChange:
		if event.Type == coordinator.EventStateChange && data.Ack {
			b.publishState(data)
		}
	case coordinator.EntityAnnounced:
		if b.haDiscovery {
			b.publishEntityDiscovery(data)
		}
	case coordinator.DeviceStatus:
		if event.Type == coordinator.EventDeviceRemoved && data.Name != "" {
			b.removeDeviceDiscovery(data.Name)
		}
	}
}

func (b *Bridge) publishState(sc coordinator.StateChange) {
	if sc.Val == nil {
		return
	}
	b.publish(leafTopic(b.prefix, sc.ID), formatPayload(sc.Val), true)
}

func (b *Bridge) publishEntityDiscovery(ent coordinator.EntityAnnounced) {
	msg, ok := buildDiscovery(ent, b.prefix)
	if !ok {
		b.logger.Debug("no HA component for entity", "type", ent.Type, "channel", ent.Channel)
		return
	}
	b.mu.Lock()
	topics, ok := b.discovery[ent.Device]
	if !ok {
		topics = make(map[string][]byte)
		b.discovery[ent.Device] = topics
	}
	prev, seen := topics[msg.Topic]
	topics[msg.Topic] = msg.Payload
	b.mu.Unlock()

	if seen && string(prev) == string(msg.Payload) {
		return
	}
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Debug("published HA discovery", "channel", ent.Channel)
}

func (b *Bridge) removeDeviceDiscovery(device string) {
	b.mu.Lock()
	topics := slices.Sorted(maps.Keys(b.discovery[device]))
	delete(b.discovery, device)
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("removed HA discovery", "device", device, "entities", len(topics))
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAllDiscovery republishes every known discovery payload after a
// broker reconnect.
func (b *Bridge) publishAllDiscovery() {
	b.mu.Lock()
	var msgs []discoveryMsg
	for _, topics := range b.discovery {
		for topic, payload := range topics {
			msgs = append(msgs, discoveryMsg{Topic: topic, Payload: payload})
		}
	}
	b.mu.Unlock()
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	// device/kind/key/field/set
	topic := b.prefix + "/+/+/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, ok := stateID(b.prefix, topic)
	if !ok {
		b.logger.Warn("command on unexpected topic", "topic", topic)
		return
	}
	ctx, cancel := context.WithTimeout(b.baseCtx, 10*time.Second)
	defer cancel()
	if err := b.tree.WriteState(ctx, id, parsePayload(payload)); err != nil {
		b.logger.Warn("command rejected", "id", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// formatPayload renders strings raw and everything else as JSON.
func formatPayload(v any) []byte {
	switch s := v.(type) {
	case string:
		return []byte(s)
	case bool:
		return []byte(strconv.FormatBool(s))
	}
	return mustJSON(v)
}

// parsePayload decodes JSON scalars; anything else is taken as a string.
func parsePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
