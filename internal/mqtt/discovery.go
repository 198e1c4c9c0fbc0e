//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/telemetry"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/aqara_lumi_158d.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	JSONAttrTemplate    string   `json:"json_attributes_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	StateOn             string   `json:"state_on,omitempty"`
	StateOff            string   `json:"state_off,omitempty"`
	PayloadOpen         string   `json:"payload_open,omitempty"`
	PayloadClose        string   `json:"payload_close,omitempty"`
	PayloadStop         string   `json:"payload_stop,omitempty"`
	PositionTopic       string   `json:"position_topic,omitempty"`
	PositionTemplate    string   `json:"position_template,omitempty"`
	SetPositionTopic    string   `json:"set_position_topic,omitempty"`
	SetPositionTemplate string   `json:"set_position_template,omitempty"`
	Device              haDevice `json:"device"`
}

// sensorClass is the HA presentation of a well-known attribute.
type sensorClass struct {
	deviceClass string
	unit        string
	stateClass  string
}

var sensorClasses = map[string]sensorClass{
	"temperature":      {"temperature", "°C", "measurement"},
	"humidity":         {"humidity", "%", "measurement"},
	"pressure":         {"pressure", "hPa", "measurement"},
	"illuminance":      {"illuminance", "lx", "measurement"},
	"lux":              {"illuminance", "lx", "measurement"},
	"power":            {"power", "W", "measurement"},
	"load_power":       {"power", "W", "measurement"},
	"consumption":      {"energy", "kWh", "total_increasing"},
	"energy":           {"energy", "kWh", "total_increasing"},
	"battery":          {"battery", "%", "measurement"},
	"co2":              {"carbon_dioxide", "ppm", "measurement"},
	"tvoc":             {"volatile_organic_compounds_parts", "ppb", "measurement"},
	"zigbee":           {"timestamp", "", ""},
	"gas density":      {"", "%LEL", "measurement"},
	"smoke density":    {"", "dB/m", "measurement"},
	"chip_temperature": {"temperature", "°C", "measurement"},
}

var binaryClasses = map[string]string{
	"motion":         "motion",
	"contact":        "door",
	"magnet_status":  "door",
	"door_state":     "door",
	"moisture":       "moisture",
	"smoke":          "smoke",
	"gas":            "gas",
	"auto locking":   "lock",
	"lock by handle": "lock",
	"latch_state":    "lock",
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(d *device.Descriptor) string {
	return "aqara_" + topicSafe(d.DID)
}

// topicSafe lowercases s and replaces anything but [a-z0-9_-] with '_'.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// stateTopic is where the retained snapshot of an entity lives.
func stateTopic(prefix, did, entityID string) string {
	return prefix + "/" + did + "/" + entityID
}

// commandTopic accepts entity commands.
func commandTopic(prefix, did, entityID string) string {
	return stateTopic(prefix, did, entityID) + "/set"
}

func attrLabel(attr string) string {
	words := strings.Fields(strings.ReplaceAll(attr, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// buildDiscovery generates one HA discovery message per entity of d.
func buildDiscovery(d *device.Descriptor, prefix, discoveryPrefix string) []discoveryMsg {
	if len(d.Entities) == 0 {
		return nil
	}
	nodeID := deviceIdentifier(d)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Aqara",
		Model:        d.Model,
		Name:         d.Name(),
	}

	msgs := make([]discoveryMsg, 0, len(d.Entities))
	for _, spec := range d.Entities {
		entityID := telemetry.EntityID(spec.Domain, d.DID, spec.Attr)
		component, payload := buildEntity(spec, entityID, prefix, d.DID)
		objectID := topicSafe(spec.Attr)
		payload.Name = d.Name() + " " + attrLabel(spec.Attr)
		payload.UniqueID = nodeID + "_" + objectID
		payload.AvailabilityTopic = prefix + "/bridge/state"
		payload.Device = haDev
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, nodeID, objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildEntity returns the HA component and the entity-specific part of the
// discovery payload.
func buildEntity(spec telemetry.EntitySpec, entityID, prefix, did string) (string, haDiscovery) {
	state := stateTopic(prefix, did, entityID)
	p := haDiscovery{
		StateTopic:          state,
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: state,
		JSONAttrTemplate:    "{{ value_json.attributes | tojson }}",
	}

	switch spec.Domain {
	case telemetry.DomainBinarySensor:
		if spec.Attr == "action" || spec.Attr == "switch" {
			// Click labels are free text.
			return "sensor", p
		}
		p.DeviceClass = binaryClasses[spec.Attr]
		p.PayloadOn = telemetry.StateOn
		p.PayloadOff = telemetry.StateOff
		return "binary_sensor", p
	case telemetry.DomainCover:
		cmd := commandTopic(prefix, did, entityID)
		p.ValueTemplate = "{{ 'closed' if value_json.attributes.closed else 'open' }}"
		p.CommandTopic = cmd
		p.PayloadOpen = telemetry.CoverOpen
		p.PayloadClose = telemetry.CoverClose
		p.PayloadStop = telemetry.CoverStop
		p.PositionTopic = state
		p.PositionTemplate = "{{ value_json.state }}"
		p.SetPositionTopic = cmd
		p.SetPositionTemplate = `{"action":"set_position","value":{{ position }}}`
		return "cover", p
	case telemetry.DomainSwitch:
		p.CommandTopic = commandTopic(prefix, did, entityID)
		p.PayloadOn = "ON"
		p.PayloadOff = "OFF"
		p.StateOn = telemetry.StateOn
		p.StateOff = telemetry.StateOff
		return "switch", p
	}

	if c, ok := sensorClasses[spec.Attr]; ok {
		p.DeviceClass = c.deviceClass
		p.UnitOfMeasurement = c.unit
		p.StateClass = c.stateClass
	}
	return "sensor", p
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(d *device.Descriptor, discoveryPrefix string) []discoveryMsg {
	nodeID := deviceIdentifier(d)
	msgs := make([]discoveryMsg, 0, len(d.Entities))
	for _, spec := range d.Entities {
		component, _ := buildEntity(spec, "", "", "")
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, nodeID, topicSafe(spec.Attr)),
		})
	}
	return msgs
}
