package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/live2d-driver/facedriver/pkg/core"
)

var (
	// ErrMalformed is returned for inbound messages that are not valid envelopes.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownCommand is returned for command discriminants outside the protocol.
	ErrUnknownCommand = errors.New("unknown command")
)

// Validate checks the discriminant and the fields it requires.
func (c Command) Validate() error {
	switch c.Command {
	case CommandStartTracking, CommandStopTracking, CommandGetConfig, CommandExpression:
		return nil
	case CommandSwitchModel:
		if c.Model == "" {
			return fmt.Errorf("%s: model is required", c.Command)
		}
	case CommandSetModel:
		if c.Path == "" {
			return fmt.Errorf("%s: path is required", c.Command)
		}
	case CommandPosition:
		if c.Position == nil {
			return fmt.Errorf("%s: position is required", c.Command)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
	return nil
}

// MarshalCommand validates and encodes a command.
func MarshalCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", c.Command, err)
	}
	return data, nil
}

// ParseCommand decodes a client->backend command.
func ParseCommand(raw []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Command == "" {
		return Command{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return c, nil
}

// MarshalTelemetry encodes a backend->client envelope as {"type":..,"data":..}.
func MarshalTelemetry(msgType string, payload any) ([]byte, error) {
	env := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msgType, Data: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s telemetry: %w", msgType, err)
	}
	return data, nil
}

// ParseTelemetry decodes the envelope only; payload decoding is left to the
// handler registered for the type.
func ParseTelemetry(raw []byte) (Telemetry, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Telemetry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Telemetry{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	payload := env.Data
	if isEmpty(payload) {
		payload = append(json.RawMessage(nil), raw...)
	}

	return Telemetry{Type: env.Type, Data: payload, Timestamp: time.Now()}, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// faceWire is a detected face as the backend and browser detector send it.
type faceWire struct {
	X         *float64     `json:"x"`
	Y         *float64     `json:"y"`
	Width     float64      `json:"width"`
	Height    float64      `json:"height"`
	Landmarks []core.Point `json:"landmarks"`
}

func (f faceWire) result(ts time.Time) *core.DetectionResult {
	if f.X == nil || f.Y == nil {
		return nil
	}
	return &core.DetectionResult{
		X:         *f.X,
		Y:         *f.Y,
		Width:     f.Width,
		Height:    f.Height,
		Landmarks: f.Landmarks,
		Timestamp: ts,
	}
}

// DecodeFaceData accepts the three shapes seen on the wire: a list of faces,
// a single face object, or {position, expression}.
func DecodeFaceData(t Telemetry) (FaceData, error) {
	trimmed := bytes.TrimSpace(t.Data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var faces []faceWire
		if err := json.Unmarshal(trimmed, &faces); err != nil {
			return FaceData{}, fmt.Errorf("decode face list: %w", err)
		}
		if len(faces) == 0 {
			return FaceData{}, nil
		}
		face := faces[0].result(t.Timestamp)
		return FaceData{Detected: face != nil, Face: face}, nil
	}

	var obj struct {
		faceWire
		Position   *core.Position `json:"position"`
		Expression string         `json:"expression"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return FaceData{}, fmt.Errorf("decode face data: %w", err)
	}

	fd := FaceData{
		Face:       obj.faceWire.result(t.Timestamp),
		Position:   obj.Position,
		Expression: obj.Expression,
	}
	fd.Detected = fd.Face != nil || fd.Position != nil
	return fd, nil
}

// DecodeFps accepts a bare number or {"value": n}.
func DecodeFps(t Telemetry) (float64, error) {
	var v float64
	if err := json.Unmarshal(t.Data, &v); err == nil {
		return v, nil
	}
	var obj struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(t.Data, &obj); err != nil {
		return 0, fmt.Errorf("decode fps: %w", err)
	}
	if obj.Value == nil {
		return 0, fmt.Errorf("decode fps: missing value")
	}
	return *obj.Value, nil
}

// DecodeModels accepts a list of descriptors, {"models": [...]}, or a list of
// plain names. Order is preserved.
func DecodeModels(t Telemetry) ([]core.ModelDescriptor, error) {
	trimmed := bytes.TrimSpace(t.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Models json.RawMessage `json:"models"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("decode models list: %w", err)
		}
		if isEmpty(obj.Models) {
			return nil, fmt.Errorf("decode models list: missing models")
		}
		trimmed = bytes.TrimSpace(obj.Models)
	}

	var models []core.ModelDescriptor
	if err := json.Unmarshal(trimmed, &models); err == nil {
		return models, nil
	}

	var names []string
	if err := json.Unmarshal(trimmed, &names); err != nil {
		return nil, fmt.Errorf("decode models list: %w", err)
	}
	models = make([]core.ModelDescriptor, len(names))
	for i, n := range names {
		models[i] = core.ModelDescriptor{Name: n}
	}
	return models, nil
}

// DecodeError accepts a bare string or {"message": "..."}.
func DecodeError(t Telemetry) (string, error) {
	var s string
	if err := json.Unmarshal(t.Data, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(t.Data, &obj); err != nil {
		return "", fmt.Errorf("decode error message: %w", err)
	}
	return obj.Message, nil
}

// DecodeConfig returns the backend configuration reply as a generic map.
func DecodeConfig(t Telemetry) (map[string]any, error) {
	var cfg map[string]any
	if err := json.Unmarshal(t.Data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	delete(cfg, "type")
	return cfg, nil
}
