package runtime

import (
	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	handlerpkg "github.com/drblury/pipeguard/internal/runtime/handlers"
)

// JSONStageRegistration describes a stage whose payloads are JSON.
type JSONStageRegistration[T any, O any] struct {
	StageRegistration
	JSONHandler handlerpkg.JSONMessageHandler[T, O]
}

// RegisterJSONStage decodes payloads into T, runs the typed handler and
// forwards its outputs encoded as JSON.
func RegisterJSONStage[T any, O any](svc *Service, cfg JSONStageRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.JSONHandler, svc.Logger)
	if err != nil {
		return err
	}

	reg := cfg.StageRegistration
	reg.Handler = wrapped
	return RegisterStage(svc, reg)
}
