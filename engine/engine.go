// Package engine executes deployed process definitions. All runtime state
// lives in the quadstore graphs; the engine itself holds only locks and
// counters, so a restart resumes from the last snapshot.
//
// Execution is run-to-quiescence: every external stimulus (start, task
// completion, message, signal, timer, callback) advances the instance under
// its lock until every token is parked or consumed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/expr"
	"github.com/c360studio/semflow/graph"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Options tune engine behavior. Zero values fall back to defaults.
type Options struct {
	// ScriptTasksEnabled allows script task bodies to run. When disabled,
	// script tasks complete as no-ops with an audit record.
	ScriptTasksEnabled bool

	// MaxWorkers bounds concurrently executing instances.
	MaxWorkers int

	// VariableMaxBytes bounds a single variable value.
	VariableMaxBytes int
}

// Engine executes process instances against the quadstore.
type Engine struct {
	store  *store.Store
	defs   *store.Graph
	inst   *store.Graph
	tasks  *store.Graph
	timers *store.Graph

	topics  *topic.Registry
	timer   *timer.Scheduler
	vars    *variables.Store
	expr    *expr.Evaluator
	audit   *Auditor
	mirror  *graph.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	scriptTasks bool

	sem    chan struct{}
	locks  sync.Map // instance IRI text -> *sync.Mutex
	msgSeq atomic.Int64

	pendingMu sync.Mutex
	pendingQ  []func()
	flushing  atomic.Bool
}

// New wires an engine over an opened store. mirror and m may be nil.
func New(st *store.Store, topics *topic.Registry, sched *timer.Scheduler, mirror *graph.Publisher, m *metrics.Metrics, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	e := &Engine{
		store:       st,
		defs:        st.Defs(),
		inst:        st.Inst(),
		tasks:       st.Tasks(),
		timers:      st.Timers(),
		topics:      topics,
		timer:       sched,
		vars:        variables.New(st.Inst(), opts.VariableMaxBytes),
		expr:        expr.New(st.Inst()),
		audit:       NewAuditor(st.Log(), mirror, logger),
		mirror:      mirror,
		metrics:     m,
		logger:      logger,
		scriptTasks: opts.ScriptTasksEnabled,
		sem:         make(chan struct{}, opts.MaxWorkers),
	}
	e.msgSeq.Store(time.Now().UnixNano())
	return e
}

// Audit returns the auditor for read access to the event log.
func (e *Engine) Audit() *Auditor { return e.audit }

// Variables returns the variable store.
func (e *Engine) Variables() *variables.Store { return e.vars }

func instanceIRI(id string) rdf.IRI { return store.IRI(run.InstanceNS + id) }

func instanceID(inst rdf.Term) string {
	text := store.Text(inst)
	if len(text) > len(run.InstanceNS) {
		return text[len(run.InstanceNS):]
	}
	return text
}

// withInstance serializes work on one instance and bounds overall
// concurrency.
func (e *Engine) withInstance(inst rdf.Term, fn func() error) error {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()
	muAny, _ := e.locks.LoadOrStore(store.Text(inst), &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// notifyLater defers cross-instance work until the current instance lock is
// released. Lock order stays flat: no instance lock is ever taken while
// another is held.
func (e *Engine) notifyLater(fn func()) {
	e.pendingMu.Lock()
	e.pendingQ = append(e.pendingQ, fn)
	e.pendingMu.Unlock()
}

func (e *Engine) flushNotifications() {
	if !e.flushing.CompareAndSwap(false, true) {
		return
	}
	defer e.flushing.Store(false)
	for {
		e.pendingMu.Lock()
		if len(e.pendingQ) == 0 {
			e.pendingMu.Unlock()
			return
		}
		fn := e.pendingQ[0]
		e.pendingQ = e.pendingQ[1:]
		e.pendingMu.Unlock()
		fn()
	}
}

func (e *Engine) publishInstance(inst rdf.Term, status string) {
	def := e.inst.Value(inst, store.IRI(run.ProcessDefinition))
	if err := e.mirror.PublishInstance(context.Background(), graph.InstanceState{
		Instance:   store.Text(inst),
		Definition: store.Text(def),
		Status:     status,
		UpdatedAt:  time.Now(),
	}); err != nil {
		e.logger.Warn("instance mirror publish failed", "instance", store.Text(inst), "error", err)
	}
}

// StartInstance creates and runs an instance of an active definition.
// Initial variables land at instance scope before the start event executes.
// startEvent selects a named start; when empty the unique none-start is used.
func (e *Engine) StartInstance(ctx context.Context, defID, startEvent string, vars map[string]any, actor string) (string, error) {
	model, err := process.Load(e.defs, defID)
	if err != nil {
		return "", err
	}
	if model.Retired() {
		return "", fmt.Errorf("%w: %s", process.ErrRetired, defID)
	}
	var start rdf.Term
	if startEvent != "" {
		node := model.Node(startEvent)
		if model.Kind(node) != "startEvent" {
			return "", fmt.Errorf("%w: start event %s", ErrNotFound, startEvent)
		}
		start = node
	} else {
		none, ok := model.NoneStart()
		if !ok {
			return "", fmt.Errorf("%w: definition %s has no plain start event", process.ErrBadDefinition, defID)
		}
		start = none
	}

	inst := e.newInstance(model.IRI(), nil, nil)
	err = e.withInstance(inst, func() error {
		for name, value := range vars {
			lexical, datatype := variables.Infer(value)
			if err := e.vars.Set(inst, name, lexical, datatype, nil); err != nil {
				return err
			}
		}
		e.audit.Emit(inst, nil, EvInstanceStarted, actor, "definition="+defID)
		e.metrics.Started()
		e.setInstanceStatus(inst, run.InstRunning)
		e.armEventSubprocesses(ctx, model, inst, nil, nil)
		e.spawnToken(inst, start, nil)
		return e.drive(ctx, model, inst)
	})
	if err != nil {
		return "", err
	}
	e.flushNotifications()
	return instanceID(inst), nil
}

// startChildInstance creates a child for a call activity. The caller holds
// the parent lock; the child is driven later from the notification queue.
func (e *Engine) startChildInstance(ctx context.Context, model *process.Model, parent rdf.Term, callToken token, defID string, initial map[string]string) (rdf.Term, error) {
	childModel, err := process.Load(e.defs, defID)
	if err != nil {
		return nil, err
	}
	if childModel.Retired() {
		return nil, fmt.Errorf("%w: %s", process.ErrRetired, defID)
	}
	start, ok := childModel.NoneStart()
	if !ok {
		return nil, fmt.Errorf("%w: definition %s has no plain start event", process.ErrBadDefinition, defID)
	}
	child := e.newInstance(childModel.IRI(), parent, callToken.node)
	for name, value := range initial {
		lexical, datatype := variables.Infer(value)
		if err := e.vars.Set(child, name, lexical, datatype, nil); err != nil {
			return nil, err
		}
	}
	e.audit.Emit(parent, callToken.node, EvChildStarted, "", "child="+instanceID(child))
	e.notifyLater(func() {
		_ = e.withInstance(child, func() error {
			e.audit.Emit(child, nil, EvInstanceStarted, "", "definition="+defID+" parent="+instanceID(parent))
			e.metrics.Started()
			e.setInstanceStatus(child, run.InstRunning)
			e.armEventSubprocesses(ctx, childModel, child, nil, nil)
			e.spawnToken(child, start, nil)
			return e.drive(ctx, childModel, child)
		})
		e.flushNotifications()
	})
	return child, nil
}

// InstanceView is the external read model of one instance.
type InstanceView struct {
	ID           string     `json:"id"`
	Definition   string     `json:"definition"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Parent       string     `json:"parent,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Instance returns one instance's view.
func (e *Engine) Instance(id string) (InstanceView, error) {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return InstanceView{}, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return e.view(inst), nil
}

// Instances lists instances, newest last, optionally filtered by status.
func (e *Engine) Instances(status string) []InstanceView {
	var out []InstanceView
	for _, inst := range e.inst.Subjects(store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		v := e.view(inst)
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) view(inst rdf.Term) InstanceView {
	def := store.Text(e.inst.Value(inst, store.IRI(run.ProcessDefinition)))
	v := InstanceView{
		ID:           instanceID(inst),
		Definition:   trimPrefix(def, run.DefNS),
		Status:       e.instanceStatus(inst),
		ErrorCode:    store.Text(e.inst.Value(inst, store.IRI(run.ErrCode))),
		ErrorMessage: store.Text(e.inst.Value(inst, store.IRI(run.ErrMessage))),
	}
	if parent := e.inst.Value(inst, store.IRI(run.ParentInstance)); parent != nil {
		v.Parent = instanceID(parent)
	}
	if at, ok := store.TextTime(e.inst.Value(inst, store.IRI(run.CreatedAt))); ok {
		v.CreatedAt = at
	}
	if at, ok := store.TextTime(e.inst.Value(inst, store.IRI(run.UpdatedAt))); ok {
		v.UpdatedAt = at
	}
	if at, ok := store.TextTime(e.inst.Value(inst, store.IRI(run.CompletedAt))); ok {
		v.CompletedAt = &at
	}
	return v
}

func trimPrefix(s, prefix string) string {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// Events returns an instance's audit trail.
func (e *Engine) Events(id string) ([]Event, error) {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return e.audit.Events(inst), nil
}

// SetVariable writes an instance-scope variable and re-evaluates any parked
// conditional events.
func (e *Engine) SetVariable(ctx context.Context, id, name string, value any, actor string) error {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	if isTerminal(e.instanceStatus(inst)) {
		return fmt.Errorf("%w: instance %s is finished", ErrBadState, id)
	}
	err := e.withInstance(inst, func() error {
		lexical, datatype := variables.Infer(value)
		if err := e.vars.Set(inst, name, lexical, datatype, nil); err != nil {
			return err
		}
		e.audit.Emit(inst, nil, EvVariableSet, actor, name+"="+lexical)
		model, err := e.modelOf(inst)
		if err != nil {
			return err
		}
		e.wakeConditionals(ctx, model, inst)
		return e.drive(ctx, model, inst)
	})
	e.flushNotifications()
	return err
}

// InstanceVariables returns the instance-scope variable snapshot.
func (e *Engine) InstanceVariables(id string) (map[string]variables.Value, error) {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	out := make(map[string]variables.Value)
	for _, v := range e.vars.Scope(inst, nil) {
		out[v.Name] = v
	}
	return out, nil
}

// CancelInstance stops an instance and its call-activity children.
func (e *Engine) CancelInstance(ctx context.Context, id, actor string) error {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	// Cancelling twice is a no-op.
	if isTerminal(e.instanceStatus(inst)) {
		return nil
	}
	e.audit.Emit(inst, nil, EvInstanceCancelled, actor, "")
	err := e.cancelInstanceTree(inst, run.InstCancelled)
	e.flushNotifications()
	return err
}

// cancelInstanceTree consumes every live token and marks the instance with
// the terminal status. Child instances cancel through the notification
// queue.
func (e *Engine) cancelInstanceTree(inst rdf.Term, status string) error {
	err := e.withInstance(inst, func() error {
		if isTerminal(e.instanceStatus(inst)) {
			return nil
		}
		for _, t := range e.liveTokens(inst, true) {
			e.cancelTokenTree(inst, t)
		}
		_, _ = e.timer.CancelInstance(inst)
		e.setInstanceStatus(inst, status)
		e.metrics.Finished(status)
		return nil
	})
	return err
}

func (e *Engine) modelOf(inst rdf.Term) (*process.Model, error) {
	def := e.inst.Value(inst, store.IRI(run.ProcessDefinition))
	if def == nil {
		return nil, fmt.Errorf("%w: instance %s has no definition", ErrNotFound, instanceID(inst))
	}
	return process.Load(e.defs, trimPrefix(store.Text(def), run.DefNS))
}
