package lopata

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/lopata-dev/lopata/internal/store"
)

const (
	workflowMaxInstanceID  = 100
	workflowMaxStepName    = 256
	workflowMaxStepOutput  = 1 << 20
	workflowMaxSteps       = 1024
	workflowMaxCreateBatch = 100
	workflowMaxSleep       = 365 * 24 * time.Hour
)

// Workflow instance statuses.
const (
	WorkflowQueued  = "queued"
	WorkflowRunning = "running"
	// WorkflowWaiting covers sleeps as well as waitForEvent suspensions.
	WorkflowWaiting    = "waiting"
	WorkflowPaused     = "paused"
	WorkflowErrored    = "errored"
	WorkflowTerminated = "terminated"
	WorkflowComplete   = "complete"
)

// WorkflowEvent is the payload a workflow run starts from.
type WorkflowEvent struct {
	InstanceID string
	Timestamp  time.Time
	Payload    json.RawMessage
}

// Params unmarshals the creation payload into v.
func (e *WorkflowEvent) Params(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WorkflowEntrypoint is the user function a workflow runs. The returned
// value becomes the instance output.
type WorkflowEntrypoint func(ctx context.Context, event *WorkflowEvent, step *WorkflowStep) (any, error)

// WorkflowStepRetries controls retry of a failing step.
type WorkflowStepRetries struct {
	// Limit is the number of retries after the first attempt.
	Limit int
	// Delay is the base delay between attempts.
	Delay time.Duration
	// Backoff is constant, linear or exponential. Exponential is the
	// default.
	Backoff string
}

// WorkflowStepConfig tunes one step.Do call.
type WorkflowStepConfig struct {
	Retries *WorkflowStepRetries
	Timeout time.Duration
}

var defaultStepRetries = WorkflowStepRetries{Limit: 5, Delay: time.Second, Backoff: "exponential"}

// WorkflowStep is the checkpointing API handed to an entrypoint.
// Completed work replays from the durable log, so an entrypoint must
// put all side effects inside Do calls.
type WorkflowStep struct {
	eng        *WorkflowEngine
	workflow   string
	instanceID string
	stepsRun   int
}

func (s *WorkflowStep) checkName(name string) error {
	if name == "" || len(name) > workflowMaxStepName {
		return errValidation("workflow: step name must be 1..%d characters", workflowMaxStepName)
	}
	return nil
}

func (s *WorkflowStep) countStep() error {
	s.stepsRun++
	if s.stepsRun > workflowMaxSteps {
		return errValidation("workflow: instance exceeded %d steps", workflowMaxSteps)
	}
	return nil
}

// Do runs fn once, durably. A step that already completed in an earlier
// run returns its recorded output without running fn again. fn retries
// per config on error; a NonRetryableError stops retries immediately.
func (s *WorkflowStep) Do(ctx context.Context, name string, cfg *WorkflowStepConfig, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	if err := s.countStep(); err != nil {
		return nil, err
	}
	if cached, ok, err := s.eng.stepOutput(ctx, s.workflow, s.instanceID, name); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}
	if err := s.eng.gate(ctx, s.workflow, s.instanceID); err != nil {
		return nil, err
	}

	retries := defaultStepRetries
	var timeout time.Duration
	if cfg != nil {
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		timeout = cfg.Timeout
	}

	var out any
	attempt := func() error {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		v, err := fn(runCtx)
		if err != nil {
			var nr *NonRetryableError
			if errors.As(err, &nr) {
				return backoff.Permanent(nr.Err)
			}
			return err
		}
		out = v
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(stepBackoff(retries), ctx)); err != nil {
		return nil, fmt.Errorf("workflow step %q: %w", name, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, errValidation("workflow step %q: output not serializable: %v", name, err)
	}
	if len(data) > workflowMaxStepOutput {
		return nil, errValidation("workflow step %q: output is %d bytes, limit is %d", name, len(data), workflowMaxStepOutput)
	}
	if err := s.eng.recordStep(ctx, s.workflow, s.instanceID, name, data); err != nil {
		return nil, err
	}
	return data, nil
}

/// Sleep suspends the instance for d. The wake deadline is durable: a
// sleep whose deadline passed while the process was down fires
// immediately on resume.
func (s *WorkflowStep) Sleep(ctx context.Context, name string, d time.Duration) error {
	if d < 0 || d > workflowMaxSleep {
		return errValidation("workflow: sleep duration out of range")
	}
	return s.SleepUntil(ctx, name, time.Now().Add(d))
}

// SleepUntil suspends the instance until the given wall-clock time.
func (s *WorkflowStep) SleepUntil(ctx context.Context, name string, t time.Time) error {
	if err := s.checkName(name); err != nil {
		return err
	}
	if err := s.countStep(); err != nil {
		return err
	}
	if _, done, err := s.eng.stepOutput(ctx, s.workflow, s.instanceID, name); err != nil {
		return err
	} else if done {
		return nil
	}
	if err := s.eng.gate(ctx, s.workflow, s.instanceID); err != nil {
		return err
	}

	// The deadline persists on first entry so downtime counts toward it.
	wakeAt, err := s.eng.pendingDeadline(ctx, s.workflow, s.instanceID, name, t)
	if err != nil {
		return err
	}
	if remaining := time.Until(wakeAt); remaining > 0 {
		s.eng.setStatus(ctx, s.workflow, s.instanceID, WorkflowWaiting, "", "")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
		s.eng.setStatus(ctx, s.workflow, s.instanceID, WorkflowRunning, "", "")
	}
	return s.eng.recordStep(ctx, s.workflow, s.instanceID, name, json.RawMessage(`null`))
}

// WaitForEvent suspends until a matching event arrives via SendEvent,
// returning its payload. Events queue while nobody waits; each event is
// consumed by exactly one wait. A zero timeout waits 24 hours.
func (s *WorkflowStep) WaitForEvent(ctx context.Context, name, eventType string, timeout time.Duration) (json.RawMessage, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	if err := s.countStep(); err != nil {
		return nil, err
	}
	if cached, ok, err := s.eng.stepOutput(ctx, s.workflow, s.instanceID, name); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}
	if err := s.eng.gate(ctx, s.workflow, s.instanceID); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	s.eng.setStatus(ctx, s.workflow, s.instanceID, WorkflowWaiting, "", "")
	defer s.eng.setStatus(ctx, s.workflow, s.instanceID, WorkflowRunning, "", "")
	deadline := time.Now().Add(timeout)
	for {
		payload, ok, err := s.eng.consumeEvent(ctx, s.workflow, s.instanceID, eventType)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := s.eng.recordStep(ctx, s.workflow, s.instanceID, name, payload); err != nil {
				return nil, err
			}
			return payload, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("workflow step %q: timed out waiting for event %q", name, eventType)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// stepBackoff builds the retry schedule for one step.
func stepBackoff(r WorkflowStepRetries) backoff.BackOff {
	delay := r.Delay
	if delay <= 0 {
		delay = time.Second
	}
	var b backoff.BackOff
	switch r.Backoff {
	case "constant":
		b = backoff.NewConstantBackOff(delay)
	case "linear":
		b = &linearBackOff{step: delay}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = delay
		exp.MaxElapsedTime = 0
		b = exp
	}
	limit := r.Limit
	if limit < 0 {
		limit = 0
	}
	return backoff.WithMaxRetries(b, uint64(limit))
}

// linearBackOff waits step, 2*step, 3*step and so on.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linearBackOff) Reset() { l.n = 0 }

// WorkflowEngine runs registered workflow definitions and persists
// their progress.
type WorkflowEngine struct {
	st  *store.Store
	tr  *Tracing
	log *slog.Logger

	entrypoints map[string]WorkflowEntrypoint
	sem         chan struct{}

	mu     sync.Mutex
	runs   map[string]*workflowRun
	paused map[string]chan struct{}
}

// workflowRun tracks one live instance goroutine. done closes after the
// goroutine has fully exited and its runs entry is gone, so Restart can
// wait out the old run before relaunching.
type workflowRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkflowEngine builds the engine. maxConcurrent caps instances
// running at once; zero means 100.
func NewWorkflowEngine(st *store.Store, tr *Tracing, log *slog.Logger, maxConcurrent int) *WorkflowEngine {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &WorkflowEngine{
		st:          st,
		tr:          tr,
		log:         log,
		entrypoints: make(map[string]WorkflowEntrypoint),
		sem:         make(chan struct{}, maxConcurrent),
		runs:        make(map[string]*workflowRun),
		paused:      make(map[string]chan struct{}),
	}
}

// Register binds a workflow name to its entrypoint.
func (e *WorkflowEngine) Register(name string, fn WorkflowEntrypoint) {
	e.entrypoints[name] = fn
}

// Binding returns the handle handed to request handlers for one
// registered workflow.
func (e *WorkflowEngine) Binding(name string) *WorkflowBinding {
	return &WorkflowBinding{eng: e, workflow: name}
}

// ResumeAll restarts every instance that was in flight when the process
// last stopped. Completed steps replay from the durable log.
func (e *WorkflowEngine) ResumeAll(ctx context.Context) error {
	rows, err := e.st.DB.QueryContext(ctx,
		`SELECT workflow, id FROM workflow_instances
		 WHERE status IN (?, ?, ?, ?)`,
		WorkflowQueued, WorkflowRunning, WorkflowWaiting, WorkflowPaused)
	if err != nil {
		return fmt.Errorf("workflow resume: %w", err)
	}
	type inst struct{ workflow, id string }
	var pending []inst
	for rows.Next() {
		var i inst
		if err := rows.Scan(&i.workflow, &i.id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("workflow resume: %w", err)
		}
		pending = append(pending, i)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("workflow resume: %w", err)
	}
	for _, i := range pending {
		if _, ok := e.entrypoints[i.workflow]; !ok {
			e.log.Warn("no entrypoint for persisted workflow instance", "workflow", i.workflow, "instance_id", i.id)
			continue
		}
		e.log.Info("resuming workflow instance", "workflow", i.workflow, "instance_id", i.id)
		e.launch(ctx, i.workflow, i.id)
	}
	return nil
}

// Shutdown cancels every running instance. Their durable state resumes
// them on the next start.
func (e *WorkflowEngine) Shutdown() {
	e.mu.Lock()
	runs := make([]*workflowRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
}

func instanceKey(workflow, id string) string { return workflow + "\x00" + id }

// launch starts (or replays) one instance in its own goroutine.
func (e *WorkflowEngine) launch(ctx context.Context, workflow, id string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	key := instanceKey(workflow, id)
	run := &workflowRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if _, running := e.runs[key]; running {
		e.mu.Unlock()
		cancel()
		return
	}
	e.runs[key] = run
	e.mu.Unlock()

	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		defer func() {
			e.mu.Lock()
			delete(e.runs, key)
			e.mu.Unlock()
			cancel()
			close(run.done)
		}()
		e.runInstance(runCtx, workflow, id)
	}()
}

func (e *WorkflowEngine) runInstance(ctx context.Context, workflow, id string) {
	ctx, end := e.tr.op(ctx, "workflow.run", "workflow.name", workflow, "workflow.instance_id", id)

	var params sql.NullString
	var createdAt int64
	err := e.st.DB.QueryRowContext(ctx,
		`SELECT params, created_at FROM workflow_instances WHERE workflow = ? AND id = ?`,
		workflow, id).Scan(&params, &createdAt)
	if err != nil {
		end(err)
		e.log.Error("workflow instance load failed", "workflow", workflow, "instance_id", id, "error", err)
		return
	}
	e.setStatus(ctx, workflow, id, WorkflowRunning, "", "")

	event := &WorkflowEvent{InstanceID: id, Timestamp: time.UnixMilli(createdAt).UTC()}
	if params.Valid {
		event.Payload = json.RawMessage(params.String)
	}
	step := &WorkflowStep{eng: e, workflow: workflow, instanceID: id}

	out, err := e.invoke(ctx, workflow, event, step)
	switch {
	case err == nil:
		data, merr := json.Marshal(out)
		if merr != nil {
			err = errValidation("workflow output not serializable: %v", merr)
			e.setStatus(ctx, workflow, id, WorkflowErrored, "", err.Error())
			end(err)
			return
		}
		e.setStatus(ctx, workflow, id, WorkflowComplete, string(data), "")
		end(nil)
	case ctx.Err() != nil:
		// Cancelled by terminate, restart or shutdown; status is theirs.
		end(nil)
	default:
		e.setStatus(ctx, workflow, id, WorkflowErrored, "", err.Error())
		e.tr.RecordError(ctx, err, "")
		end(err)
		e.log.Error("workflow instance failed", "workflow", workflow, "instance_id", id, "error", err)
	}
}

func (e *WorkflowEngine) invoke(ctx context.Context, workflow string, event *WorkflowEvent, step *WorkflowStep) (out any, err error) {
	fn, ok := e.entrypoints[workflow]
	if !ok {
		return nil, errNotFound("workflow %q is not registered", workflow)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
			e.tr.RecordError(ctx, err, string(debug.Stack()))
		}
	}()
	return fn(ctx, event, step)
}

// gate blocks at a step boundary while the instance is paused.
func (e *WorkflowEngine) gate(ctx context.Context, workflow, id string) error {
	for {
		e.mu.Lock()
		ch, paused := e.paused[instanceKey(workflow, id)]
		e.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (e *WorkflowEngine) setStatus(ctx context.Context, workflow, id, status, output, errMsg string) {
	var out, em sql.NullString
	if output != "" {
		out = sql.NullString{String: output, Valid: true}
	}
	if errMsg != "" {
		em = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := e.st.DB.ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, output = COALESCE(?, output), error = COALESCE(?, error), updated_at = ?
		 WHERE workflow = ? AND id = ?`,
		status, out, em, time.Now().UnixMilli(), workflow, id)
	if err != nil {
		e.log.Error("workflow status update failed", "workflow", workflow, "instance_id", id, "error", err)
	}
}

func (e *WorkflowEngine) stepOutput(ctx context.Context, workflow, id, name string) (json.RawMessage, bool, error) {
	var output sql.NullString
	var completedAt int64
	err := e.st.DB.QueryRowContext(ctx,
		`SELECT output, completed_at FROM workflow_steps WHERE workflow = ? AND instance_id = ? AND step_name = ?`,
		workflow, id, name).Scan(&output, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("workflow step lookup: %w", err)
	}
	if completedAt == 0 {
		return nil, false, nil
	}
	return json.RawMessage(output.String), true, nil
}

func (e *WorkflowEngine) recordStep(ctx context.Context, workflow, id, name string, output json.RawMessage) error {
	_, err := e.st.DB.ExecContext(ctx,
		`INSERT INTO workflow_steps (workflow, instance_id, step_name, output, completed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (workflow, instance_id, step_name) DO UPDATE SET
		   output = excluded.output, completed_at = excluded.completed_at`,
		workflow, id, name, string(output), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("workflow step record: %w", err)
	}
	return nil
}

// pendingDeadline returns the persisted wake time for a sleep step,
// persisting proposed on first entry.
func (e *WorkflowEngine) pendingDeadline(ctx context.Context, workflow, id, name string, proposed time.Time) (time.Time, error) {
	var output sql.NullString
	var completedAt int64
	err := e.st.DB.QueryRowContext(ctx,
		`SELECT output, completed_at FROM workflow_steps WHERE workflow = ? AND instance_id = ? AND step_name = ?`,
		workflow, id, name).Scan(&output, &completedAt)
	switch {
	case err == sql.ErrNoRows:
		data, _ := json.Marshal(map[string]int64{"wakeAt": proposed.UnixMilli()})
		if _, err := e.st.DB.ExecContext(ctx,
			`INSERT INTO workflow_steps (workflow, instance_id, step_name, output, completed_at) VALUES (?, ?, ?, ?, 0)`,
			workflow, id, name, string(data)); err != nil {
			return time.Time{}, fmt.Errorf("workflow sleep record: %w", err)
		}
		return proposed, nil
	case err != nil:
		return time.Time{}, fmt.Errorf("workflow sleep lookup: %w", err)
	}
	var marker struct {
		WakeAt int64 `json:"wakeAt"`
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &marker)
	}
	if marker.WakeAt == 0 {
		return proposed, nil
	}
	return time.UnixMilli(marker.WakeAt), nil
}

func (e *WorkflowEngine) consumeEvent(ctx context.Context, workflow, id, eventType string) (json.RawMessage, bool, error) {
	tx, err := e.st.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("workflow event: %w", err)
	}
	defer tx.Rollback()
	var evID string
	var payload sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM workflow_events
		 WHERE workflow = ? AND instance_id = ? AND event_type = ? AND consumed = 0
		 ORDER BY created_at, id LIMIT 1`,
		workflow, id, eventType).Scan(&evID, &payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("workflow event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_events SET consumed = 1 WHERE id = ?`, evID); err != nil {
		return nil, false, fmt.Errorf("workflow event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("workflow event: %w", err)
	}
	if !payload.Valid {
		return json.RawMessage(`null`), true, nil
	}
	return json.RawMessage(payload.String), true, nil
}

// WorkflowBinding is the per-workflow handle exposed to handlers.
type WorkflowBinding struct {
	eng      *WorkflowEngine
	workflow string
}

// WorkflowInstanceCreateOptions names a new instance. A generated id is
// used when ID is empty.
type WorkflowInstanceCreateOptions struct {
	ID     string
	Params any
}

// Create starts a new instance. Reusing a live instance id is an error.
func (b *WorkflowBinding) Create(ctx context.Context, opts *WorkflowInstanceCreateOptions) (*WorkflowInstance, error) {
	ctx, end := b.eng.tr.op(ctx, "workflow.create", "workflow.name", b.workflow)
	defer end(nil)
	if opts == nil {
		opts = &WorkflowInstanceCreateOptions{}
	}
	id := opts.ID
	if id == "" {
		id = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if len(id) > workflowMaxInstanceID {
		return nil, errValidation("workflow: instance id longer than %d characters", workflowMaxInstanceID)
	}
	if _, ok := b.eng.entrypoints[b.workflow]; !ok {
		return nil, errNotFound("workflow %q is not registered", b.workflow)
	}
	params := sql.NullString{}
	if opts.Params != nil {
		data, err := json.Marshal(opts.Params)
		if err != nil {
			return nil, errValidation("workflow: params not serializable: %v", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}
	now := time.Now().UnixMilli()
	_, err := b.eng.st.DB.ExecContext(ctx,
		`INSERT INTO workflow_instances (workflow, id, status, params, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.workflow, id, WorkflowQueued, params, now, now)
	if err != nil {
		return nil, errValidation("workflow: instance %q already exists", id)
	}
	b.eng.launch(ctx, b.workflow, id)
	return &WorkflowInstance{eng: b.eng, workflow: b.workflow, ID: id}, nil
}

// CreateBatch starts up to 100 instances.
func (b *WorkflowBinding) CreateBatch(ctx context.Context, batch []WorkflowInstanceCreateOptions) ([]*WorkflowInstance, error) {
	if len(batch) > workflowMaxCreateBatch {
		return nil, errValidation("workflow: batch of %d exceeds the %d instance limit", len(batch), workflowMaxCreateBatch)
	}
	instances := make([]*WorkflowInstance, 0, len(batch))
	for i := range batch {
		inst, err := b.Create(ctx, &batch[i])
		if err != nil {
			return instances, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Get returns a handle to an existing instance.
func (b *WorkflowBinding) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	var exists int
	err := b.eng.st.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE workflow = ? AND id = ?`, b.workflow, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("workflow get: %w", err)
	}
	if exists == 0 {
		return nil, errNotFound("workflow: instance %q not found", id)
	}
	return &WorkflowInstance{eng: b.eng, workflow: b.workflow, ID: id}, nil
}

// WorkflowInstance is a handle to one instance.
type WorkflowInstance struct {
	eng      *WorkflowEngine
	workflow string
	ID       string
}

// WorkflowInstanceStatus is the observable state of an instance.
type WorkflowInstanceStatus struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Status reports the instance state.
func (i *WorkflowInstance) Status(ctx context.Context) (*WorkflowInstanceStatus, error) {
	var status string
	var output, errMsg sql.NullString
	err := i.eng.st.DB.QueryRowContext(ctx,
		`SELECT status, output, error FROM workflow_instances WHERE workflow = ? AND id = ?`,
		i.workflow, i.ID).Scan(&status, &output, &errMsg)
	if err == sql.ErrNoRows {
		return nil, errNotFound("workflow: instance %q not found", i.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow status: %w", err)
	}
	st := &WorkflowInstanceStatus{Status: status, Error: errMsg.String}
	if output.Valid {
		st.Output = json.RawMessage(output.String)
	}
	return st, nil
}

// Pause stops the instance at its next step boundary.
func (i *WorkflowInstance) Pause(ctx context.Context) error {
	key := instanceKey(i.workflow, i.ID)
	i.eng.mu.Lock()
	if _, ok := i.eng.paused[key]; !ok {
		i.eng.paused[key] = make(chan struct{})
	}
	i.eng.mu.Unlock()
	i.eng.setStatus(ctx, i.workflow, i.ID, WorkflowPaused, "", "")
	return nil
}

// Resume lets a paused instance continue.
func (i *WorkflowInstance) Resume(ctx context.Context) error {
	key := instanceKey(i.workflow, i.ID)
	i.eng.mu.Lock()
	ch, ok := i.eng.paused[key]
	if ok {
		delete(i.eng.paused, key)
		close(ch)
	}
	_, running := i.eng.runs[key]
	i.eng.mu.Unlock()
	i.eng.setStatus(ctx, i.workflow, i.ID, WorkflowRunning, "", "")
	if !running {
		i.eng.launch(ctx, i.workflow, i.ID)
	}
	return nil
}

// Terminate cancels the instance permanently.
func (i *WorkflowInstance) Terminate(ctx context.Context) error {
	i.eng.setStatus(ctx, i.workflow, i.ID, WorkflowTerminated, "", "")
	key := instanceKey(i.workflow, i.ID)
	i.eng.mu.Lock()
	run := i.eng.runs[key]
	if ch, paused := i.eng.paused[key]; paused {
		delete(i.eng.paused, key)
		close(ch)
	}
	i.eng.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return nil
}

// Restart terminates the instance, clears its durable step log, and
// runs it again from the start with the original params.
func (i *WorkflowInstance) Restart(ctx context.Context) error {
	key := instanceKey(i.workflow, i.ID)
	i.eng.mu.Lock()
	run := i.eng.runs[key]
	i.eng.mu.Unlock()
	if err := i.Terminate(ctx); err != nil {
		return err
	}
	// The old goroutine must be fully gone before relaunching, or launch
	// would see its runs entry and decline.
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := i.eng.st.DB.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE workflow = ? AND instance_id = ?`, i.workflow, i.ID); err != nil {
		return fmt.Errorf("workflow restart: %w", err)
	}
	i.eng.setStatus(ctx, i.workflow, i.ID, WorkflowQueued, "", "")
	i.eng.launch(ctx, i.workflow, i.ID)
	return nil
}

// SendEvent queues an event for a WaitForEvent step. Events sent while
// nobody waits are kept until consumed.
func (i *WorkflowInstance) SendEvent(ctx context.Context, eventType string, payload any) error {
	ctx, end := i.eng.tr.op(ctx, "workflow.send_event",
		"workflow.name", i.workflow, "workflow.instance_id", i.ID, "workflow.event_type", eventType)
	defer end(nil)
	data := sql.NullString{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errValidation("workflow: event payload not serializable: %v", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := i.eng.st.DB.ExecContext(ctx,
		`INSERT INTO workflow_events (id, workflow, instance_id, event_type, payload, consumed, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		ulid.MustNew(ulid.Now(), rand.Reader).String(), i.workflow, i.ID, eventType, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("workflow send event: %w", err)
	}
	return nil
}
