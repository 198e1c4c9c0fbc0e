//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/telemetry"
)

var errEmptyPayload = errors.New("empty payload")

// Inbound topic suffixes.
const (
	suffixReport = "report"
	suffixStats  = "stats"
	suffixSet    = "set"
)

// parseBatch decodes a report payload. Numbers stay json.Number so integer
// codes are never rounded through float64.
func parseBatch(payload []byte) (telemetry.Batch, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var b telemetry.Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}

// parseDescriptors accepts a single descriptor object or an array of them.
func parseDescriptors(payload []byte) ([]device.Descriptor, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errEmptyPayload
	}
	if trimmed[0] == '[' {
		var list []device.Descriptor
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode descriptors: %w", err)
		}
		return list, nil
	}
	var d device.Descriptor
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return []device.Descriptor{d}, nil
}

// entityCommand is the JSON form of an entity command.
type entityCommand struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// parseEntityCommand accepts {"action":"set_position","value":40} or a bare
// action word. ON, OFF and TOGGLE map to the switch actions.
func parseEntityCommand(payload []byte) (entityCommand, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return entityCommand{}, errEmptyPayload
	}
	if trimmed[0] == '{' {
		var cmd entityCommand
		if err := json.Unmarshal(trimmed, &cmd); err != nil {
			return entityCommand{}, fmt.Errorf("decode command: %w", err)
		}
		if cmd.Action == "" {
			return entityCommand{}, errors.New("command has no action")
		}
		return cmd, nil
	}
	word := strings.Trim(string(trimmed), `"`)
	switch strings.ToUpper(word) {
	case "ON":
		return entityCommand{Action: "turn_on"}, nil
	case "OFF":
		return entityCommand{Action: "turn_off"}, nil
	case "TOGGLE":
		return entityCommand{Action: "toggle"}, nil
	}
	return entityCommand{Action: strings.ToLower(word)}, nil
}

// splitTopic returns the levels of topic below prefix.
func splitTopic(prefix, topic string) ([]string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return nil, false
	}
	return strings.Split(rest, "/"), true
}

// deviceTopic matches "<prefix>/<did>/<suffix>" and returns the DID.
func deviceTopic(prefix, topic, suffix string) (string, bool) {
	levels, ok := splitTopic(prefix, topic)
	if !ok || len(levels) != 2 || levels[1] != suffix || levels[0] == "" {
		return "", false
	}
	return levels[0], true
}

// entityCommandTopic matches "<prefix>/<did>/<entity>/set".
func entityCommandTopic(prefix, topic string) (did, entityID string, ok bool) {
	levels, ok := splitTopic(prefix, topic)
	if !ok || len(levels) != 3 || levels[2] != suffixSet {
		return "", "", false
	}
	return levels[0], levels[1], true
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
