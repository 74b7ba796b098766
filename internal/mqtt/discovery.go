//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/nativeapi"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/esphome_AABBCCDDEEFF/Sensor_3/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                    string   `json:"name"`
	UniqueID                string   `json:"unique_id"`
	StateTopic              string   `json:"state_topic,omitempty"`
	CommandTopic            string   `json:"command_topic,omitempty"`
	AvailabilityTopic       string   `json:"availability_topic"`
	PayloadAvailable        string   `json:"payload_available"`
	PayloadNotAvailable     string   `json:"payload_not_available"`
	UnitOfMeasurement       string   `json:"unit_of_measurement,omitempty"`
	DeviceClass             string   `json:"device_class,omitempty"`
	StateClass              string   `json:"state_class,omitempty"`
	PayloadOn               string   `json:"payload_on,omitempty"`
	PayloadOff              string   `json:"payload_off,omitempty"`
	StateOn                 string   `json:"state_on,omitempty"`
	StateOff                string   `json:"state_off,omitempty"`
	PayloadPress            string   `json:"payload_press,omitempty"`
	PayloadLock             string   `json:"payload_lock,omitempty"`
	PayloadUnlock           string   `json:"payload_unlock,omitempty"`
	PayloadOpen             string   `json:"payload_open,omitempty"`
	StateLocked             string   `json:"state_locked,omitempty"`
	StateUnlocked           string   `json:"state_unlocked,omitempty"`
	Options                 []string `json:"options,omitempty"`
	Min                     *float64 `json:"min,omitempty"`
	Max                     *float64 `json:"max,omitempty"`
	Step                    float64  `json:"step,omitempty"`
	PositionTopic           string   `json:"position_topic,omitempty"`
	SetPositionTopic        string   `json:"set_position_topic,omitempty"`
	PayloadClose            string   `json:"payload_close,omitempty"`
	BrightnessScale         int      `json:"brightness_scale,omitempty"`
	BrightnessStateTopic    string   `json:"brightness_state_topic,omitempty"`
	BrightnessCommandTopic  string   `json:"brightness_command_topic,omitempty"`
	OscillationStateTopic   string   `json:"oscillation_state_topic,omitempty"`
	OscillationCommandTopic string   `json:"oscillation_command_topic,omitempty"`
	PayloadOscillationOn    string   `json:"payload_oscillation_on,omitempty"`
	PayloadOscillationOff   string   `json:"payload_oscillation_off,omitempty"`
	CurrentTemperatureTopic string   `json:"current_temperature_topic,omitempty"`
	TemperatureStateTopic   string   `json:"temperature_state_topic,omitempty"`
	TemperatureCommandTopic string   `json:"temperature_command_topic,omitempty"`
	Device                  haDevice `json:"device"`
}

var stateClasses = map[int]string{1: "measurement", 2: "total_increasing", 3: "total"}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(device string) string {
	return "esphome_" + device
}

// leafTopic maps a state ID to its topic below prefix.
func leafTopic(prefix, id string) string {
	return prefix + "/" + strings.ReplaceAll(id, ".", "/")
}

// stateID maps a topic below prefix back to a state ID. ok is false for
// topics outside prefix or without a "/set" suffix.
func stateID(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok || rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, "/", "."), true
}

// buildDiscovery generates the HA discovery message for one announced
// entity. Entity types HA has no fitting component for yield ok=false.
func buildDiscovery(ent coordinator.EntityAnnounced, prefix string) (discoveryMsg, bool) {
	nodeID := deviceIdentifier(ent.Device)
	objectID := string(ent.Type) + "_" + strconv.FormatUint(uint64(ent.Key), 10)
	leaf := func(field string) string { return leafTopic(prefix, ent.Channel+"."+field) }

	display := ent.FriendlyName
	if display == "" {
		display = ent.Device
	}
	p := haDiscovery{
		Name:                ent.Name,
		UniqueID:            nodeID + "_" + objectID,
		AvailabilityTopic:   leafTopic(prefix, ent.Device+".info._online"),
		PayloadAvailable:    "true",
		PayloadNotAvailable: "false",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "ESPHome",
			Name:         display,
		},
	}
	cfg := ent.Config
	p.DeviceClass, _ = cfg["deviceClass"].(string)

	var component string
	switch ent.Type {
	case nativeapi.Sensor:
		component = "sensor"
		p.StateTopic = leaf("state")
		p.UnitOfMeasurement, _ = cfg["unitOfMeasurement"].(string)
		if sc, ok := cfg["stateClass"].(int); ok {
			p.StateClass = stateClasses[sc]
		}
	case nativeapi.TextSensor:
		component = "sensor"
		p.StateTopic = leaf("state")
	case nativeapi.BinarySensor:
		component = "binary_sensor"
		p.StateTopic = leaf("state")
		p.PayloadOn, p.PayloadOff = "true", "false"
	case nativeapi.Switch:
		component = "switch"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
		p.PayloadOn, p.PayloadOff = "true", "false"
		p.StateOn, p.StateOff = "true", "false"
	case nativeapi.Number:
		component = "number"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
		p.UnitOfMeasurement, _ = cfg["unitOfMeasurement"].(string)
		if v, ok := cfg["minValue"].(float64); ok {
			p.Min = &v
		}
		if v, ok := cfg["maxValue"].(float64); ok {
			p.Max = &v
		}
		p.Step, _ = cfg["step"].(float64)
	case nativeapi.Select:
		component = "select"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
		p.Options, _ = cfg["optionsList"].([]string)
	case nativeapi.Text:
		component = "text"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
	case nativeapi.Button:
		component = "button"
		p.CommandTopic = leaf("SET") + "/set"
		p.PayloadPress = "true"
	case nativeapi.Lock:
		component = "lock"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("command") + "/set"
		p.PayloadLock, p.PayloadUnlock, p.PayloadOpen = "1", "0", "2"
		p.StateLocked, p.StateUnlocked = "1", "2"
	case nativeapi.Cover:
		component = "cover"
		p.PositionTopic = leaf("position")
		p.SetPositionTopic = leaf("position") + "/set"
		p.CommandTopic = leaf("position") + "/set"
		p.PayloadOpen, p.PayloadClose = "100", "0"
	case nativeapi.Light:
		component = "light"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
		p.PayloadOn, p.PayloadOff = "true", "false"
		if nativeapi.LightCapabilities(cfg).Has(nativeapi.CapBrightness) {
			p.BrightnessStateTopic = leaf("brightness")
			p.BrightnessCommandTopic = leaf("brightness") + "/set"
			p.BrightnessScale = 255
		}
	case nativeapi.Fan:
		component = "fan"
		p.StateTopic = leaf("state")
		p.CommandTopic = leaf("state") + "/set"
		p.PayloadOn, p.PayloadOff = "true", "false"
		if osc, _ := cfg["supportsOscillation"].(bool); osc {
			p.OscillationStateTopic = leaf("oscillating")
			p.OscillationCommandTopic = leaf("oscillating") + "/set"
			p.PayloadOscillationOn, p.PayloadOscillationOff = "true", "false"
		}
	case nativeapi.Climate:
		component = "climate"
		p.CurrentTemperatureTopic = leaf("currentTemperature")
		p.TemperatureStateTopic = leaf("targetTemperature")
		p.TemperatureCommandTopic = leaf("targetTemperature") + "/set"
	default:
		return discoveryMsg{}, false
	}

	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, objectID)
	return discoveryMsg{Topic: topic, Payload: mustJSON(p)}, true
}

// buildRemoveDiscovery turns published discovery topics into empty
// retained messages, which removes the entities from HA.
func buildRemoveDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, t := range topics {
		msgs = append(msgs, discoveryMsg{Topic: t})
	}
	return msgs
}
