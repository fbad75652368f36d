package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/live2d-driver/facedriver/pkg/core"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels lists every table of the session recording schema.
var DatabaseModels = []interface{}{
	&Session{},
	&FaceSample{},
	&FpsSample{},
	&BackendError{},
}

// Session is one tracking run.
type Session struct {
	ID           uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
	UUID         string         `json:"uuid" gorm:"size:36;uniqueIndex"`
	CameraSource string         `json:"cameraSource" gorm:"size:128"`
	Model        string         `json:"model" gorm:"size:128"`
	StartTime    time.Time      `json:"startTime" gorm:"index:idx_session_start"`
	EndTime      *time.Time     `json:"endTime"`
}

func (*Session) TableName() string {
	return "sessions"
}

// FaceSample is one face_data message. Position and parameters are stored
// as JSON columns.
type FaceSample struct {
	ID         uint                                       `json:"id" gorm:"primarykey;autoIncrement;"`
	SessionID  uint                                       `json:"sessionId" gorm:"index:idx_face_session_time"`
	Time       time.Time                                  `json:"time" gorm:"index:idx_face_session_time"`
	Detected   bool                                       `json:"detected"`
	Expression string                                     `json:"expression" gorm:"size:64"`
	Position   datatypes.JSONType[core.Position]          `json:"position"`
	Parameters datatypes.JSONType[core.ControlParameters] `json:"parameters"`
}

func (*FaceSample) TableName() string {
	return "face_samples"
}

type FpsSample struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	SessionID uint      `json:"sessionId" gorm:"index:idx_fps_session_time"`
	Time      time.Time `json:"time" gorm:"index:idx_fps_session_time"`
	Value     float64   `json:"value"`
}

func (*FpsSample) TableName() string {
	return "fps_samples"
}

type BackendError struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	SessionID uint      `json:"sessionId" gorm:"index"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
}

func (*BackendError) TableName() string {
	return "backend_errors"
}
