package lopata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// AIModelFunc produces the emulated output for one model invocation.
type AIModelFunc func(ctx context.Context, input json.RawMessage) (any, error)

// AIBinding emulates an inference binding. Models run locally through
// registered stub functions; every invocation is logged to the shared
// database. Running an unregistered model is a FatalBindingError, the
// signal that this binding cannot work without a real backend.
type AIBinding struct {
	st *store.Store
	tr *Tracing

	models map[string]AIModelFunc
}

// NewAIBinding builds the binding.
func NewAIBinding(st *store.Store, tr *Tracing) *AIBinding {
	return &AIBinding{st: st, tr: tr, models: make(map[string]AIModelFunc)}
}

// RegisterModel installs a local stub for a model name.
func (a *AIBinding) RegisterModel(model string, fn AIModelFunc) {
	a.models[model] = fn
}

// Run invokes a model with the given input.
func (a *AIBinding) Run(ctx context.Context, model string, input any) (json.RawMessage, error) {
	ctx, end := a.tr.op(ctx, "ai.run", "ai.model", model)
	fn, ok := a.models[model]
	if !ok {
		err := errFatalBinding("ai: model %q has no local stub", model)
		end(err)
		return nil, err
	}
	rawInput, err := json.Marshal(input)
	if err != nil {
		end(err)
		return nil, errValidation("ai: input not serializable: %v", err)
	}
	start := time.Now()
	out, err := fn(ctx, rawInput)
	end(err)
	duration := time.Since(start)

	var rawOut []byte
	if err == nil {
		rawOut, err = json.Marshal(out)
		if err != nil {
			return nil, errValidation("ai: model output not serializable: %v", err)
		}
	}
	_, logErr := a.st.DB.ExecContext(ctx,
		`INSERT INTO ai_log (model, input, output, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		model, string(rawInput), string(rawOut), duration.Milliseconds(), time.Now().UnixMilli())
	if logErr != nil {
		return nil, fmt.Errorf("ai: recording invocation: %w", logErr)
	}
	if err != nil {
		return nil, fmt.Errorf("ai: model %q: %w", model, err)
	}
	return rawOut, nil
}
