package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// JobContext describes one handler execution to hooks.
type JobContext struct {
	Stage       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set for OnJobDone and OnJobError.
	Duration time.Duration
	// Attempt is the 1-based delivery attempt.
	Attempt int
}

// JobHooks are optional callbacks around every handler execution.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the handler error and how the consumer will
	// resolve the message.
	OnJobError func(ctx JobContext, err error, disposition errspkg.Disposition)
}

// Merge returns hooks that call h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error, errspkg.Disposition)) func(JobContext, error, errspkg.Disposition) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error, d errspkg.Disposition) {
		a(ctx, err, d)
		b(ctx, err, d)
	}
}

// JobHooksMiddleware invokes hooks around each handler execution.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := JobContext{
				Stage:       StageNameFromContext(msg.Context()),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				Attempt:     metadatapkg.Attempt(msg),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err, errspkg.Classify(err))
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs job completion and failures.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"stage":        ctx.Stage,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error, d errspkg.Disposition) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"stage":        ctx.Stage,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempt":      ctx.Attempt,
				"disposition":  d.String(),
			})
		},
	}
}

// AlertingHooks calls alert for errors that ask for dead-lettering. Messages
// dead-lettered after exhausting their deliveries are not reported here.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error, d errspkg.Disposition) {
			if d == errspkg.DispositionDeadLetter {
				alert(ctx, err)
			}
		},
	}
}
