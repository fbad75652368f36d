// Package protocol defines the command/telemetry envelopes exchanged with the
// tracking backend over the persistent channel.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/live2d-driver/facedriver/pkg/core"
)

// Command discriminants (client -> backend).
const (
	CommandStartTracking = "start_tracking"
	CommandStopTracking  = "stop_tracking"
	CommandSwitchModel   = "switch_model"
	CommandSetModel      = "set_model"
	CommandExpression    = "expression"
	CommandPosition      = "position"
	CommandGetConfig     = "get_config"
)

// Telemetry discriminants (backend -> client).
const (
	TypeFaceData   = "face_data"
	TypeFps        = "fps"
	TypeModelsList = "models_list"
	TypeError      = "error"
	TypeConfig     = "config"
)

// Command is the flat client->backend envelope: the discriminant and its
// payload fields share one JSON object.
type Command struct {
	Command      string         `json:"command"`
	CameraSource string         `json:"camera_source,omitempty"`
	Model        string         `json:"model,omitempty"`
	Path         string         `json:"path,omitempty"`
	Expression   string         `json:"expression,omitempty"`
	Position     *core.Position `json:"position,omitempty"`
}

// Telemetry is a parsed backend->client envelope. Data holds the payload:
// the "data" member when the backend sent one, otherwise the whole message.
type Telemetry struct {
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
}

// FaceData is the decoded face_data payload.
type FaceData struct {
	Detected   bool
	Face       *core.DetectionResult
	Position   *core.Position
	Expression string
}

func StartTracking(cameraSource string) Command {
	return Command{Command: CommandStartTracking, CameraSource: cameraSource}
}

func StopTracking() Command {
	return Command{Command: CommandStopTracking}
}

func SwitchModel(name string) Command {
	return Command{Command: CommandSwitchModel, Model: name}
}

func SetModel(path string) Command {
	return Command{Command: CommandSetModel, Path: path}
}

func Expression(expression string) Command {
	return Command{Command: CommandExpression, Expression: expression}
}

func Position(pos core.Position) Command {
	return Command{Command: CommandPosition, Position: &pos}
}

func GetConfig() Command {
	return Command{Command: CommandGetConfig}
}
