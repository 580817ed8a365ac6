package lopata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lopata-dev/lopata/internal/store"
)

// Worker is the application code the emulator hosts: the event
// handlers plus the Durable Object classes and workflow entrypoints the
// configuration may bind.
type Worker struct {
	// Fetch handles HTTP requests. Required for serving traffic.
	Fetch func(ctx context.Context, req *http.Request, env *Env) (*http.Response, error)
	// Scheduled handles cron triggers.
	Scheduled func(ctx context.Context, event *ScheduledEvent, env *Env) error
	// Queue consumes message batches for every configured consumer.
	Queue func(ctx context.Context, batch *QueueMessageBatch, env *Env) error

	// DurableObjects maps class names to constructors.
	DurableObjects map[string]func(state *DurableObjectState, env *Env) any
	// Workflows maps workflow names to entrypoints.
	Workflows map[string]WorkflowEntrypoint
}

// Env is the set of bindings a handler invocation sees. It is rebuilt
// on configuration reload; handlers must not cache it across requests.
type Env struct {
	vars      map[string]string
	kv        map[string]*KVNamespace
	r2        map[string]*R2Bucket
	d1        map[string]*D1Database
	queues    map[string]*Queue
	do        map[string]*DurableObjectNamespace
	workflows map[string]*WorkflowBinding
	email     map[string]*EmailSender
	analytics map[string]*AnalyticsDataset
	ai        *AIBinding
	caches    *CacheStorage
}

// Var returns a plain-text variable, .dev.vars values included.
func (e *Env) Var(name string) string { return e.vars[name] }

// KV returns a bound KV namespace or nil.
func (e *Env) KV(binding string) *KVNamespace { return e.kv[binding] }

// R2 returns a bound bucket or nil.
func (e *Env) R2(binding string) *R2Bucket { return e.r2[binding] }

// D1 returns a bound database or nil.
func (e *Env) D1(binding string) *D1Database { return e.d1[binding] }

// Queue returns a bound producer or nil.
func (e *Env) Queue(binding string) *Queue { return e.queues[binding] }

// DurableObject returns a bound namespace or nil.
func (e *Env) DurableObject(binding string) *DurableObjectNamespace { return e.do[binding] }

// Workflow returns a bound workflow handle or nil.
func (e *Env) Workflow(binding string) *WorkflowBinding { return e.workflows[binding] }

// Email returns a bound sender or nil.
func (e *Env) Email(name string) *EmailSender { return e.email[name] }

// Analytics returns a bound dataset or nil.
func (e *Env) Analytics(binding string) *AnalyticsDataset { return e.analytics[binding] }

// AI returns the inference binding or nil.
func (e *Env) AI() *AIBinding { return e.ai }

// Caches returns the cache registry.
func (e *Env) Caches() *CacheStorage { return e.caches }

// Runtime wires the configuration, the persistent store and the worker
// code into a running emulator.
type Runtime struct {
	cfg    *ServerConfig
	log    *slog.Logger
	worker *Worker

	st     *store.Store
	tr     *Tracing
	caches *CacheStorage
	doReg  *DurableObjectRegistry
	wfEng  *WorkflowEngine

	env atomic.Pointer[Env]

	mu        sync.Mutex
	project   *Config
	d1Open    map[string]*D1Database
	consumers []*QueueConsumer
	cron      *CronScheduler
	stopWatch func()
}

// NewRuntime opens the store and builds every subsystem from the
// project configuration. Call Start to begin background work.
func NewRuntime(cfg *ServerConfig, worker *Worker, log *slog.Logger) (*Runtime, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	tr := NewTracing(st)
	r := &Runtime{
		cfg:    cfg,
		log:    log,
		worker: worker,
		st:     st,
		tr:     tr,
		caches: NewCacheStorage(st, tr),
		doReg:  NewDurableObjectRegistry(st, tr, log, 0),
		wfEng:  NewWorkflowEngine(st, tr, log, 0),
		d1Open: make(map[string]*D1Database),
	}
	for class, ctor := range worker.DurableObjects {
		ctor := ctor
		r.doReg.RegisterClass(class, func(state *DurableObjectState) any {
			return ctor(state, r.Env())
		})
	}
	for name, fn := range worker.Workflows {
		r.wfEng.Register(name, fn)
	}
	if err := r.reload(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return r, nil
}

// Env returns the current binding set.
func (r *Runtime) Env() *Env { return r.env.Load() }

// Store exposes the shared database, for the inspection endpoints.
func (r *Runtime) Store() *store.Store { return r.st }

// Tracing exposes the tracer.
func (r *Runtime) Tracing() *Tracing { return r.tr }

// Config returns the loaded project configuration.
func (r *Runtime) Config() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.project
}

// Start launches background subsystems: the Durable Object janitor and
// alarm dispatcher, workflow resumption, queue consumers, the cron
// scheduler and the config watcher.
func (r *Runtime) Start(ctx context.Context) error {
	r.doReg.Start(ctx)
	if err := r.wfEng.ResumeAll(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	for _, c := range r.consumers {
		c.Start(ctx)
	}
	if r.cron != nil {
		r.cron.Start(ctx)
	}
	r.mu.Unlock()

	stop, err := WatchConfig(ctx, r.cfg.ConfigPath, r.log, func() {
		if err := r.reload(); err != nil {
			r.log.Error("config reload failed, keeping previous configuration", "error", err)
			return
		}
		r.mu.Lock()
		for _, c := range r.consumers {
			c.Start(ctx)
		}
		if r.cron != nil {
			r.cron.Start(ctx)
		}
		r.mu.Unlock()
	})
	if err != nil {
		r.log.Warn("config watching disabled", "error", err)
		return nil
	}
	r.mu.Lock()
	r.stopWatch = stop
	r.mu.Unlock()
	return nil
}

// reload loads the project config and swaps in a fresh Env. Queue
// consumers and the cron scheduler are rebuilt; in-flight deliveries
// finish on the old ones first.
func (r *Runtime) reload() error {
	project, err := LoadConfig(r.cfg.ConfigPath, r.cfg.EnvName)
	if err != nil {
		return err
	}
	devVars, err := LoadDevVars(r.cfg.ConfigPath)
	if err != nil {
		return err
	}

	env := &Env{
		vars:      make(map[string]string),
		kv:        make(map[string]*KVNamespace),
		r2:        make(map[string]*R2Bucket),
		d1:        make(map[string]*D1Database),
		queues:    make(map[string]*Queue),
		do:        make(map[string]*DurableObjectNamespace),
		workflows: make(map[string]*WorkflowBinding),
		email:     make(map[string]*EmailSender),
		analytics: make(map[string]*AnalyticsDataset),
		caches:    r.caches,
	}
	for k, v := range project.Vars {
		env.vars[k] = v
	}
	// .dev.vars wins over config vars.
	for k, v := range devVars {
		env.vars[k] = v
	}
	for _, b := range project.KVNamespaces {
		env.kv[b.Binding] = NewKVNamespace(r.st, b.ID, r.tr)
	}
	for _, b := range project.R2Buckets {
		env.r2[b.Binding] = NewR2Bucket(r.st, b.BucketName, r.tr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range project.D1Databases {
		db, ok := r.d1Open[b.DatabaseName]
		if !ok {
			db, err = OpenD1Database(r.st, b.DatabaseName, r.tr)
			if err != nil {
				return err
			}
			r.d1Open[b.DatabaseName] = db
		}
		env.d1[b.Binding] = db
	}
	for _, b := range project.Queues.Producers {
		env.queues[b.Binding] = NewQueue(r.st, r.tr, b.Queue)
	}
	for _, b := range project.DurableObjects.Bindings {
		if _, ok := r.worker.DurableObjects[b.ClassName]; !ok {
			return errValidation("config: durable object class %q is not registered", b.ClassName)
		}
		env.do[b.Name] = r.doReg.Namespace(b.ClassName)
	}
	for _, b := range project.Workflows {
		if _, ok := r.worker.Workflows[b.Name]; !ok {
			return errValidation("config: workflow %q is not registered", b.Name)
		}
		env.workflows[b.Binding] = r.wfEng.Binding(b.Name)
	}
	for _, b := range project.SendEmail {
		env.email[b.Name] = NewEmailSender(r.st, r.tr, b.AllowedDestinationAddresses)
	}
	for _, b := range project.AnalyticsEngineDatasets {
		dataset := b.Dataset
		if dataset == "" {
			dataset = b.Binding
		}
		env.analytics[b.Binding] = NewAnalyticsDataset(r.st, r.log, dataset)
	}
	if project.AI != nil {
		env.ai = NewAIBinding(r.st, r.tr)
	}

	for _, c := range r.consumers {
		c.Close()
	}
	r.consumers = nil
	for _, cc := range project.Queues.Consumers {
		if r.worker.Queue == nil {
			return errValidation("config: queue consumer for %q but the worker has no queue handler", cc.Queue)
		}
		settings := QueueConsumerSettings{
			MaxBatchSize:    cc.MaxBatchSize,
			MaxBatchTimeout: time.Duration(cc.MaxBatchTimeoutSeconds) * time.Second,
			MaxRetries:      cc.MaxRetries,
			DeadLetterQueue: cc.DeadLetterQueue,
		}
		handler := func(ctx context.Context, batch *QueueMessageBatch) error {
			return r.worker.Queue(ctx, batch, r.Env())
		}
		r.consumers = append(r.consumers, NewQueueConsumer(r.st, r.tr, r.log, cc.Queue, handler, settings))
	}

	if r.cron != nil {
		r.cron.Close()
		r.cron = nil
	}
	if len(project.Triggers.Crons) > 0 {
		handler := func(ctx context.Context, event *ScheduledEvent) error {
			if r.worker.Scheduled == nil {
				return errValidation("worker has no scheduled handler")
			}
			return r.worker.Scheduled(ctx, event, r.Env())
		}
		cron, err := NewCronScheduler(r.tr, r.log, handler, project.Triggers.Crons)
		if err != nil {
			return err
		}
		r.cron = cron
	}

	r.project = project
	r.env.Store(env)
	r.log.Info("configuration loaded", "name", project.Name, "config", r.cfg.ConfigPath)
	return nil
}

// HandleFetch runs the worker's fetch handler under a root span, with
// panics converted to errors and recorded on the trace.
func (r *Runtime) HandleFetch(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	ctx, span := r.tr.StartSpan(ctx, "fetch", trace.WithSpanKind(trace.SpanKindServer))
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fetch handler panic: %v", rec)
			r.tr.RecordError(ctx, err, string(debug.Stack()))
		}
		if err != nil {
			r.tr.RecordError(ctx, err, "")
		}
		span.End()
	}()
	if r.worker.Fetch == nil {
		return nil, errValidation("worker has no fetch handler")
	}
	return r.worker.Fetch(ctx, req, r.Env())
}

// TriggerScheduled fires the scheduled handler once, for the manual
// trigger endpoint.
func (r *Runtime) TriggerScheduled(ctx context.Context, expr string, at time.Time) error {
	r.mu.Lock()
	cron := r.cron
	r.mu.Unlock()
	if cron == nil {
		handler := func(ctx context.Context, event *ScheduledEvent) error {
			if r.worker.Scheduled == nil {
				return errValidation("worker has no scheduled handler")
			}
			return r.worker.Scheduled(ctx, event, r.Env())
		}
		oneShot, err := NewCronScheduler(r.tr, r.log, handler, nil)
		if err != nil {
			return err
		}
		return oneShot.RunOnce(ctx, expr, at)
	}
	return cron.RunOnce(ctx, expr, at)
}

// Close stops background work and releases every handle. Workflow
// instances and queue messages resume from durable state on restart.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	consumers := r.consumers
	r.consumers = nil
	cron := r.cron
	r.cron = nil
	d1s := r.d1Open
	r.d1Open = make(map[string]*D1Database)
	r.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	if cron != nil {
		cron.Close()
	}
	r.wfEng.Shutdown()
	r.doReg.Close()
	for _, db := range d1s {
		_ = db.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.tr.Shutdown(shutdownCtx)
	return r.st.Close()
}
