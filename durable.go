package lopata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lopata-dev/lopata/internal/store"
)

// doDefaultEvictAfter is how long an instance may sit idle before its
// in-memory state is dropped. Durable state survives eviction.
const doDefaultEvictAfter = 120 * time.Second

// DurableObjectConstructor builds one object instance. The returned
// value's exported methods become callable through the stub; it may
// additionally implement DurableObjectFetcher, DurableObjectAlarmHandler
// and the websocket handler interfaces.
type DurableObjectConstructor func(state *DurableObjectState) any

// DurableObjectFetcher handles HTTP requests forwarded to the object.
type DurableObjectFetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DurableObjectAlarmHandler runs when a scheduled alarm fires.
type DurableObjectAlarmHandler interface {
	Alarm(ctx context.Context, info AlarmInvocationInfo) error
}

// DurableObjectWebSocketHandler receives messages on accepted sockets.
type DurableObjectWebSocketHandler interface {
	WebSocketMessage(ctx context.Context, ws *WebSocket, data any) error
}

// DurableObjectWebSocketCloser observes socket closes.
type DurableObjectWebSocketCloser interface {
	WebSocketClose(ctx context.Context, ws *WebSocket, code int, reason string) error
}

// DurableObjectWebSocketErrorHandler observes failures of the other
// websocket handlers on the same object.
type DurableObjectWebSocketErrorHandler interface {
	WebSocketError(ctx context.Context, ws *WebSocket, err error) error
}

// AlarmInvocationInfo tells an alarm handler whether it is a retry.
type AlarmInvocationInfo struct {
	RetryCount int
	IsRetry    bool
}

// DurableObjectID identifies one object instance within a class.
type DurableObjectID struct {
	hexID string
	name  string
}

// String returns the 64-character hex form.
func (id DurableObjectID) String() string { return id.hexID }

// Name returns the name the id was derived from, when known.
func (id DurableObjectID) Name() string { return id.name }

// Equals compares identity, ignoring how the id was obtained.
func (id DurableObjectID) Equals(other DurableObjectID) bool { return id.hexID == other.hexID }

// DurableObjectRegistry owns every class and live instance.
type DurableObjectRegistry struct {
	st  *store.Store
	tr  *Tracing
	log *slog.Logger

	evictAfter time.Duration

	mu        sync.Mutex
	classes   map[string]DurableObjectConstructor
	instances map[string]*durableInstance

	stopJanitor chan struct{}
	janitorDone chan struct{}
	alarms      *durableAlarmDispatcher
}

// NewDurableObjectRegistry builds the registry. evictAfter of zero
// means two minutes.
func NewDurableObjectRegistry(st *store.Store, tr *Tracing, log *slog.Logger, evictAfter time.Duration) *DurableObjectRegistry {
	if evictAfter <= 0 {
		evictAfter = doDefaultEvictAfter
	}
	r := &DurableObjectRegistry{
		st:          st,
		tr:          tr,
		log:         log,
		evictAfter:  evictAfter,
		classes:     make(map[string]DurableObjectConstructor),
		instances:   make(map[string]*durableInstance),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	r.alarms = newDurableAlarmDispatcher(r)
	return r
}

// RegisterClass binds a class name to its constructor.
func (r *DurableObjectRegistry) RegisterClass(class string, ctor DurableObjectConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = ctor
}

// Namespace returns the binding handle for one registered class.
func (r *DurableObjectRegistry) Namespace(class string) *DurableObjectNamespace {
	return &DurableObjectNamespace{reg: r, class: class}
}

// Start launches the idle janitor and the alarm dispatcher.
func (r *DurableObjectRegistry) Start(ctx context.Context) {
	go r.janitor(ctx)
	r.alarms.start(ctx)
}

// Close stops background work and drops every live instance.
func (r *DurableObjectRegistry) Close() {
	r.alarms.stopAndWait()
	close(r.stopJanitor)
	<-r.janitorDone
	r.mu.Lock()
	instances := make([]*durableInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*durableInstance)
	r.mu.Unlock()
	for _, inst := range instances {
		inst.shutdown()
	}
}

func (r *DurableObjectRegistry) janitor(ctx context.Context) {
	defer close(r.janitorDone)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopJanitor:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.evictIdle()
	}
}

func (r *DurableObjectRegistry) evictIdle() {
	cutoff := time.Now().Add(-r.evictAfter)
	r.mu.Lock()
	var evicted []*durableInstance
	for key, inst := range r.instances {
		if inst.idleSince(cutoff) {
			delete(r.instances, key)
			evicted = append(evicted, inst)
		}
	}
	r.mu.Unlock()
	for _, inst := range evicted {
		r.log.Debug("evicting idle durable object", "class", inst.class, "id", inst.id.String())
		inst.shutdown()
	}
}

// instance returns the live instance for (class, id), constructing it
// on first use and recording the instance row.
func (r *DurableObjectRegistry) instance(ctx context.Context, class string, id DurableObjectID) (*durableInstance, error) {
	key := class + "\x00" + id.String()
	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	ctor, ok := r.classes[class]
	if !ok {
		r.mu.Unlock()
		return nil, errNotFound("durable object class %q is not registered", class)
	}
	inst := newDurableInstance(r, class, id)
	// Construction is the first task on the loop, so every delivery a
	// concurrent caller enqueues runs against a constructed object.
	inst.enqueueConstruct(ctor)
	r.instances[key] = inst
	r.mu.Unlock()

	var name any
	if id.Name() != "" {
		name = id.Name()
	}
	if _, err := r.st.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO do_instances (class, id, name) VALUES (?, ?, ?)`,
		class, id.String(), name); err != nil {
		return nil, fmt.Errorf("durable object instance record: %w", err)
	}
	return inst, nil
}

// DurableObjectNamespace mints ids and stubs for one class.
type DurableObjectNamespace struct {
	reg   *DurableObjectRegistry
	class string
}

// IDFromName derives the stable id for a name. The same name always
// yields the same id, across restarts and machines.
func (ns *DurableObjectNamespace) IDFromName(name string) DurableObjectID {
	sum := sha256.Sum256([]byte(ns.class + ":" + name))
	return DurableObjectID{hexID: hex.EncodeToString(sum[:]), name: name}
}

// NewUniqueID mints a random id.
func (ns *DurableObjectNamespace) NewUniqueID() DurableObjectID {
	sum := sha256.Sum256([]byte(ns.class + ":unique:" + uuid.NewString()))
	return DurableObjectID{hexID: hex.EncodeToString(sum[:])}
}

// IDFromString parses a previously obtained hex id.
func (ns *DurableObjectNamespace) IDFromString(s string) (DurableObjectID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != sha256.Size {
		return DurableObjectID{}, errValidation("durable object id must be 64 hex characters")
	}
	return DurableObjectID{hexID: s}, nil
}

// Get returns a stub for the instance with the given id. The instance
// is constructed lazily on its first delivered call.
func (ns *DurableObjectNamespace) Get(id DurableObjectID) *DurableObjectStub {
	return &DurableObjectStub{reg: ns.reg, class: ns.class, id: id}
}

// GetByName is shorthand for Get(IDFromName(name)).
func (ns *DurableObjectNamespace) GetByName(name string) *DurableObjectStub {
	return ns.Get(ns.IDFromName(name))
}

// DurableObjectStub routes calls to one instance. All deliveries to the
// same instance run one at a time, in arrival order.
type DurableObjectStub struct {
	reg   *DurableObjectRegistry
	class string
	id    DurableObjectID
}

// ID returns the target instance id.
func (s *DurableObjectStub) ID() DurableObjectID { return s.id }

// Fetch forwards an HTTP request to the object's Fetch method.
func (s *DurableObjectStub) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, end := s.reg.tr.op(ctx, "do.fetch", "do.class", s.class, "do.id", s.id.String())
	inst, err := s.reg.instance(ctx, s.class, s.id)
	if err != nil {
		end(err)
		return nil, err
	}
	var resp *http.Response
	err = inst.deliver(ctx, func(obj any) error {
		f, ok := obj.(DurableObjectFetcher)
		if !ok {
			return errValidation("durable object class %q has no Fetch method", s.class)
		}
		var ferr error
		resp, ferr = f.Fetch(ctx, req)
		return ferr
	})
	end(err)
	return resp, err
}

// Call invokes a named exported method on the object by reflection.
// The method may accept a leading context.Context and must return at
// most one value plus an optional trailing error.
func (s *DurableObjectStub) Call(ctx context.Context, method string, args ...any) (any, error) {
	ctx, end := s.reg.tr.op(ctx, "do.call", "do.class", s.class, "do.id", s.id.String(), "do.method", method)
	inst, err := s.reg.instance(ctx, s.class, s.id)
	if err != nil {
		end(err)
		return nil, err
	}
	for i, a := range args {
		if err := ValidateRPCValue(s.reg.log, a); err != nil {
			end(err)
			return nil, fmt.Errorf("durable object call %s: argument %d: %w", method, i, err)
		}
	}
	var out any
	err = inst.deliver(ctx, func(obj any) error {
		var derr error
		out, derr = invokeByName(ctx, obj, method, args)
		return derr
	})
	end(err)
	return out, err
}

// invokeByName dispatches to an exported method via reflection.
func invokeByName(ctx context.Context, obj any, method string, args []any) (any, error) {
	m := reflect.ValueOf(obj).MethodByName(method)
	if !m.IsValid() {
		return nil, errNotFound("method %q not found", method)
	}
	mt := m.Type()
	in := make([]reflect.Value, 0, mt.NumIn())
	next := 0
	if mt.NumIn() > 0 && mt.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem() {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i := len(in); i < mt.NumIn(); i++ {
		if next >= len(args) {
			return nil, errValidation("method %q expects %d arguments, got %d", method, mt.NumIn()-len(in)+next, len(args))
		}
		av := reflect.ValueOf(args[next])
		if !av.IsValid() {
			av = reflect.Zero(mt.In(i))
		}
		if !av.Type().AssignableTo(mt.In(i)) {
			if av.Type().ConvertibleTo(mt.In(i)) {
				av = av.Convert(mt.In(i))
			} else {
				return nil, errValidation("method %q argument %d: cannot use %s as %s", method, next, av.Type(), mt.In(i))
			}
		}
		in = append(in, av)
		next++
	}
	if next != len(args) {
		return nil, errValidation("method %q expects %d arguments, got %d", method, next, len(args))
	}

	results := m.Call(in)
	var out any
	var err error
	for _, r := range results {
		if r.Type() == reflect.TypeOf((*error)(nil)).Elem() {
			if !r.IsNil() {
				err = r.Interface().(error)
			}
			continue
		}
		out = r.Interface()
	}
	return out, err
}

// durableInstance is one live object plus its serial task loop. The
// loop is the input gate: every delivery runs to completion before the
// next starts.
type durableInstance struct {
	reg   *DurableObjectRegistry
	class string
	id    DurableObjectID
	state *DurableObjectState

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu           sync.Mutex
	obj          any
	lastActive   time.Time
	pending      int
	alarmRetry   int
	alarmBackoff backoff.BackOff
}

func newDurableInstance(r *DurableObjectRegistry, class string, id DurableObjectID) *durableInstance {
	inst := &durableInstance{
		reg:        r,
		class:      class,
		id:         id,
		tasks:      make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	inst.state = newDurableObjectState(r, inst)
	go inst.loop()
	return inst
}

// enqueueConstruct queues the constructor as the instance's first task.
// The loop is empty at this point, so the send cannot block.
func (inst *durableInstance) enqueueConstruct(ctor DurableObjectConstructor) {
	inst.tasks <- func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("durable object constructor panic: %v", r)
				inst.reg.tr.RecordError(context.Background(), err, string(debug.Stack()))
				inst.reg.log.Error("durable object construction failed",
					"class", inst.class, "id", inst.id.String(), "error", err)
			}
		}()
		obj := ctor(inst.state)
		inst.mu.Lock()
		inst.obj = obj
		inst.mu.Unlock()
	}
}

func (inst *durableInstance) loop() {
	defer close(inst.done)
	for {
		select {
		case <-inst.quit:
			return
		case task := <-inst.tasks:
			task()
		}
	}
}

// deliver runs fn on the instance's task loop and waits for it.
func (inst *durableInstance) deliver(ctx context.Context, fn func(obj any) error) error {
	inst.mu.Lock()
	inst.pending++
	inst.lastActive = time.Now()
	inst.mu.Unlock()

	errCh := make(chan error, 1)
	task := func() {
		defer func() {
			inst.mu.Lock()
			inst.pending--
			inst.lastActive = time.Now()
			inst.mu.Unlock()
			if r := recover(); r != nil {
				err := fmt.Errorf("durable object panic: %v", r)
				inst.reg.tr.RecordError(ctx, err, string(debug.Stack()))
				errCh <- err
			}
		}()
		// obj is read inside the task: the construction task precedes
		// every delivery on the loop.
		inst.mu.Lock()
		obj := inst.obj
		inst.mu.Unlock()
		errCh <- fn(obj)
	}
	select {
	case inst.tasks <- task:
	case <-ctx.Done():
		inst.mu.Lock()
		inst.pending--
		inst.mu.Unlock()
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-inst.quit:
		return errValidation("durable object %s was shut down", inst.id.String())
	}
}

// deliverAsync enqueues fn without waiting for it, so it is safe to
// call from inside a running delivery. Tasks still run in enqueue
// order.
func (inst *durableInstance) deliverAsync(fn func(obj any) error, onErr func(error)) {
	inst.mu.Lock()
	inst.pending++
	inst.lastActive = time.Now()
	inst.mu.Unlock()

	task := func() {
		defer func() {
			inst.mu.Lock()
			inst.pending--
			inst.lastActive = time.Now()
			inst.mu.Unlock()
			if r := recover(); r != nil {
				err := fmt.Errorf("durable object panic: %v", r)
				inst.reg.tr.RecordError(context.Background(), err, string(debug.Stack()))
				onErr(err)
			}
		}()
		inst.mu.Lock()
		obj := inst.obj
		inst.mu.Unlock()
		if err := fn(obj); err != nil {
			onErr(err)
		}
	}
	select {
	case inst.tasks <- task:
	case <-inst.quit:
		inst.mu.Lock()
		inst.pending--
		inst.mu.Unlock()
	}
}

func (inst *durableInstance) idleSince(cutoff time.Time) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.pending == 0 &&
		inst.lastActive.Before(cutoff) &&
		len(inst.state.liveWebSockets()) == 0
}

func (inst *durableInstance) shutdown() {
	close(inst.quit)
	<-inst.done
	inst.state.closeWebSockets()
	inst.state.closeSQL()
}
