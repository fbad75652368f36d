package store

import (
	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// RegisterHandlers routes backend telemetry into the store.
func (s *Store) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(protocol.TypeFaceData, s.handleFaceData)
	d.Register(protocol.TypeFps, s.handleFps)
	d.Register(protocol.TypeModelsList, s.handleModels)
	d.Register(protocol.TypeError, s.handleError)
	d.Register(protocol.TypeConfig, s.handleConfig)
}

func (s *Store) handleFaceData(t protocol.Telemetry) error {
	fd, err := protocol.DecodeFaceData(t)
	if err != nil {
		return err
	}

	var params *core.ControlParameters
	switch {
	case fd.Face != nil:
		p := s.opts.Mapper.Map(fd.Face, s.opts.Viewport)
		params = &p
	case !fd.Detected:
		params = &core.ControlParameters{}
	}

	s.update(func(st *Snapshot) {
		st.FaceDetected = fd.Detected
		if params != nil {
			st.Parameters = *params
		}
		if fd.Position != nil {
			st.Position = *fd.Position
		}
		if fd.Expression != "" {
			st.Expression = fd.Expression
		}
	})
	return nil
}

func (s *Store) handleFps(t protocol.Telemetry) error {
	fps, err := protocol.DecodeFps(t)
	if err != nil {
		return err
	}
	s.update(func(st *Snapshot) { st.Fps = fps })
	return nil
}

func (s *Store) handleModels(t protocol.Telemetry) error {
	models, err := protocol.DecodeModels(t)
	if err != nil {
		return err
	}
	s.catalog.Set(models)
	s.update(func(st *Snapshot) { st.Models = models })
	s.logger.Info("Model list received", "count", len(models))
	return nil
}

func (s *Store) handleError(t protocol.Telemetry) error {
	msg, err := protocol.DecodeError(t)
	if err != nil {
		return err
	}
	s.logger.Error("Backend error", "message", msg)
	s.update(func(st *Snapshot) { st.LastError = msg })
	return nil
}

func (s *Store) handleConfig(t protocol.Telemetry) error {
	cfg, err := protocol.DecodeConfig(t)
	if err != nil {
		return err
	}
	s.update(func(st *Snapshot) { st.BackendConfig = cfg })
	return nil
}
