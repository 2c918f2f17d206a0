package capture

import (
	"errors"
	"log/slog"
)

// StepResult is the outcome of one teardown step.
type StepResult struct {
	Step string
	Err  error
}

// TeardownReport lists every teardown step of a session in execution order.
// A failing step never prevents the following ones from running.
type TeardownReport struct {
	SessionID string
	Steps     []StepResult
}

func (r *TeardownReport) run(step string, fn func() error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Err: fn()})
}

// Err joins the errors of all failed steps, or returns nil.
func (r TeardownReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// LogValue implements slog.LogValuer.
func (r TeardownReport) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(r.Steps)+1)
	attrs = append(attrs, slog.String("session_id", r.SessionID))
	for _, s := range r.Steps {
		v := "ok"
		if s.Err != nil {
			v = s.Err.Error()
		}
		attrs = append(attrs, slog.String(s.Step, v))
	}
	return slog.GroupValue(attrs...)
}
