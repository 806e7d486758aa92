package handlers

import (
	"fmt"
	"net/http"
	"time"

	"taskwarden/internal/job"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// Builtin returns every built-in handler, ready for job.NewRegistry.
func Builtin(log logx.Logger) []job.Handler {
	return []job.Handler{
		NewNoop(log),
		NewUploadCleanup(log),
		NewNotificationProbe(log, &http.Client{Timeout: 30 * time.Second}),
	}
}

func payloadAs[T job.Payload](p job.Payload) (T, error) {
	v, ok := p.(T)
	if !ok {
		var zero T
		return zero, errWrongPayload(zero.JobType(), p)
	}
	return v, nil
}

func errWrongPayload(want job.Type, got job.Payload) error {
	return engine.NoRetry(fmt.Errorf("%s handler: unexpected payload %T", want, got))
}
