// Package convert maps between core recording types and their GORM rows.
package convert

import (
	"gorm.io/datatypes"

	"github.com/live2d-driver/facedriver/internal/model"
	"github.com/live2d-driver/facedriver/pkg/core"
)

func CoreToSession(s core.Session) model.Session {
	return model.Session{
		ID:           s.ID,
		UUID:         s.UUID,
		CameraSource: s.CameraSource,
		Model:        s.Model,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
	}
}

func SessionToCore(s model.Session) core.Session {
	return core.Session{
		ID:           s.ID,
		UUID:         s.UUID,
		CameraSource: s.CameraSource,
		Model:        s.Model,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
	}
}

func CoreToFaceSample(f core.FaceSample) model.FaceSample {
	return model.FaceSample{
		SessionID:  f.SessionID,
		Time:       f.Time,
		Detected:   f.Detected,
		Expression: f.Expression,
		Position:   datatypes.NewJSONType(f.Position),
		Parameters: datatypes.NewJSONType(f.Parameters),
	}
}

func FaceSampleToCore(f model.FaceSample) core.FaceSample {
	return core.FaceSample{
		SessionID:  f.SessionID,
		Time:       f.Time,
		Detected:   f.Detected,
		Expression: f.Expression,
		Position:   f.Position.Data(),
		Parameters: f.Parameters.Data(),
	}
}

func CoreToFpsSample(f core.FpsSample) model.FpsSample {
	return model.FpsSample{SessionID: f.SessionID, Time: f.Time, Value: f.Value}
}

func CoreToBackendError(e core.BackendError) model.BackendError {
	return model.BackendError{SessionID: e.SessionID, Time: e.Time, Message: e.Message}
}
