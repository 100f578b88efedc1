package runtime

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	handlerpkg "github.com/drblury/pipeguard/internal/runtime/handlers"
)

// ProtoStageRegistration describes a stage whose payloads are protojson.
type ProtoStageRegistration[T proto.Message] struct {
	StageRegistration
	ProtoHandler handlerpkg.ProtoMessageHandler[T]
}

// RegisterProtoStage decodes payloads into T, runs the typed handler and
// forwards its outputs. When Name is empty the stage is named after T.
func RegisterProtoStage[T proto.Message](svc *Service, cfg ProtoStageRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	var zero T
	prototype, err := handlerpkg.EnsureProtoPrototype(zero)
	if err != nil {
		return err
	}

	wrapped, err := handlerpkg.BuildProtoHandler(prototype, cfg.ProtoHandler, svc.Logger)
	if err != nil {
		return err
	}

	reg := cfg.StageRegistration
	reg.Handler = wrapped
	if reg.Name == "" {
		reg.Name = fmt.Sprintf("%s-stage", prototype.ProtoReflect().Descriptor().Name())
	}
	return RegisterStage(svc, reg)
}
