package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

// claimBatch bounds how many due timers one poll tick fires.
const claimBatch = 32

// spawnWatcher creates a passive subscription token. group is the host or
// gateway token the watcher belongs to, nil for event subprocess starts.
func (e *Engine) spawnWatcher(inst rdf.Term, node rdf.Term, scope []rdf.Term, group rdf.Term) rdf.IRI {
	tok := e.spawnToken(inst, node, scope)
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Add(rdf.Triple{Subj: tok, Pred: store.IRI(run.Watcher), Obj: store.BoolLit(true)})
		if group != nil {
			tx.Add(rdf.Triple{Subj: tok, Pred: store.IRI(run.GatewayToken), Obj: group.(rdf.Object)})
		}
		return nil
	})
	return tok
}

// armBoundaries creates watcher tokens for the active boundary events of a
// host activity. Error, escalation, cancel and compensation boundaries have
// no watcher: they resolve at throw time.
func (e *Engine) armBoundaries(ctx context.Context, model *process.Model, inst rdf.Term, host token) {
	for _, b := range model.BoundaryEvents(host.node) {
		kind := model.EventKind(b)
		switch kind {
		case "message", "signal", "timer", "conditional":
		default:
			continue
		}
		w := e.spawnWatcher(inst, b, host.scope, host.iri)
		e.armSubscription(ctx, model, inst, e.loadToken(w), kind, "boundary")
	}
}

// armEventSubprocesses creates watcher tokens at the start events of a
// scope's event subprocesses. A nil scopeNode arms the top level.
func (e *Engine) armEventSubprocesses(ctx context.Context, model *process.Model, inst rdf.Term, scope []rdf.Term, scopeNode rdf.Term) {
	for _, esp := range model.EventSubprocesses(scopeNode) {
		start, ok := model.ScopeStart(esp)
		if !ok {
			continue
		}
		kind := model.EventKind(start)
		switch kind {
		case "message", "signal", "timer", "conditional":
		default:
			continue
		}
		w := e.spawnWatcher(inst, start, scope, nil)
		e.armSubscription(ctx, model, inst, e.loadToken(w), kind, "eventStart")
	}
}

// armSubscription parks a watcher on its trigger. Conditional watchers whose
// expression already holds fire immediately.
func (e *Engine) armSubscription(ctx context.Context, model *process.Model, inst rdf.Term, w token, kind, timerKind string) {
	switch kind {
	case "message":
		e.parkForMessage(model, inst, w)
	case "signal":
		e.parkToken(w.iri, run.WaitSignal, map[string]rdf.Object{
			run.SubscriptionName: store.Lit(model.SignalName(model.SignalRef(w.node))),
		})
	case "timer":
		durationSpec, dateSpec := model.TimerSpec(w.node)
		due, err := timer.ParseDue(durationSpec, dateSpec, time.Now())
		if err != nil {
			e.audit.Emit(inst, w.node, EvUnsupported, "", err.Error())
			e.consumeToken(w.iri)
			return
		}
		if _, err := e.timer.Schedule(inst, w.iri, w.node, timerKind, due); err != nil {
			e.audit.Emit(inst, w.node, EvUnsupported, "", err.Error())
			e.consumeToken(w.iri)
			return
		}
		e.audit.Emit(inst, w.node, EvTimerScheduled, "", "due="+due.UTC().Format(time.RFC3339))
		e.parkToken(w.iri, run.WaitTimer, nil)
	case "conditional":
		cond := model.Condition(w.node)
		e.parkToken(w.iri, run.WaitCondition, map[string]rdf.Object{
			run.SubscriptionName: store.Lit(cond),
		})
		if ok, err := e.expr.Eval(inst.(rdf.IRI), cond); err == nil && ok {
			e.deliverToToken(ctx, model, inst, e.loadToken(w.iri), nil)
		}
	}
}

// deliverToToken resumes a parked token after its trigger fired. Payload
// variables land at instance scope first so downstream guards see them.
// The caller drives the instance afterwards.
func (e *Engine) deliverToToken(ctx context.Context, model *process.Model, inst rdf.Term, t token, payload map[string]any) {
	for name, value := range payload {
		lexical, datatype := variables.Infer(value)
		if err := e.vars.Set(inst.(rdf.IRI), name, lexical, datatype, nil); err != nil {
			e.logger.Warn("dropping oversize payload variable", "variable", name, "error", err)
		}
	}
	if t.watcher {
		switch {
		case model.Kind(t.node) == "boundaryEvent":
			e.boundaryFired(ctx, model, inst, t)
		case t.group != nil:
			e.gatewayFired(ctx, model, inst, t)
		default:
			e.eventSubprocessFired(ctx, model, inst, t)
		}
		return
	}
	e.resumeToken(t.iri)
	e.continueFrom(ctx, model, inst, e.loadToken(t.iri))
}

// boundaryFired turns a boundary watcher into the continuing token. An
// interrupting boundary cancels its host and everything under it first.
func (e *Engine) boundaryFired(ctx context.Context, model *process.Model, inst rdf.Term, w token) {
	host := e.loadToken(w.group.(rdf.IRI))
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Remove(w.iri, store.IRI(run.GatewayToken), nil)
		return nil
	})
	e.audit.Emit(inst, w.node, EvNodeEntered, "", "boundary "+model.EventKind(w.node))
	if model.Interrupting(w.node) {
		if host.status == run.TokenActive || host.status == run.TokenWaiting {
			e.cancelScopeTokens(inst, host.node, w.iri)
		}
	}
	e.resumeToken(w.iri)
	e.continueFrom(ctx, model, inst, e.loadToken(w.iri))
}

// gatewayFired resolves an event-based gateway race: the first watcher to
// fire wins, its siblings are disarmed and the gateway token continues at
// the winning event.
func (e *Engine) gatewayFired(ctx context.Context, model *process.Model, inst rdf.Term, w token) {
	main := e.loadToken(w.group.(rdf.IRI))
	e.consumeToken(w.iri)
	if main.status != run.TokenWaiting || main.waitingOn != run.WaitEventGateway {
		return
	}
	e.cancelGroup(inst, main.iri)
	e.resumeToken(main.iri)
	e.moveToken(main.iri, w.node, main.scope)
	e.audit.Emit(inst, w.node, EvNodeEntered, "", "event gateway winner")
	e.continueFrom(ctx, model, inst, e.loadToken(main.iri))
}

// eventSubprocessFired starts an event subprocess from its watcher. An
// interrupting start cancels the enclosing scope's normal flow; the token
// parked on the enclosing subprocess node survives so the scope can still
// complete when the event subprocess does.
func (e *Engine) eventSubprocessFired(ctx context.Context, model *process.Model, inst rdf.Term, w token) {
	esp := model.Parent(w.node)
	e.audit.Emit(inst, esp, EvNodeEntered, "", "event subprocess")
	if model.Interrupting(w.node) {
		if len(w.scope) == 0 {
			for _, t := range e.liveTokens(inst, false) {
				if store.TermsEqual(t.iri, w.iri) {
					continue
				}
				e.cancelTokenTree(inst, t)
			}
		} else {
			scopeNode := w.scope[len(w.scope)-1]
			for _, t := range e.liveTokens(inst, true) {
				if store.TermsEqual(t.iri, w.iri) {
					continue
				}
				if !scopeContains(t.scope, scopeNode) {
					continue
				}
				e.cancelTokenTree(inst, t)
			}
		}
	}
	e.resumeToken(w.iri)
	inner := append(append([]rdf.Term{}, w.scope...), esp)
	e.moveToken(w.iri, w.node, inner)
	e.continueFrom(ctx, model, inst, e.loadToken(w.iri))
}

// wakeConditionals re-evaluates parked conditional subscriptions after a
// variable write. Called under the instance lock; the caller drives.
func (e *Engine) wakeConditionals(ctx context.Context, model *process.Model, inst rdf.Term) {
	for _, tok := range e.tokensOf(inst) {
		t := e.loadToken(tok)
		if t.status != run.TokenWaiting || t.waitingOn != run.WaitCondition {
			continue
		}
		cond := store.Text(e.inst.Value(t.iri, store.IRI(run.SubscriptionName)))
		ok, err := e.expr.Eval(inst.(rdf.IRI), cond)
		if err != nil || !ok {
			continue
		}
		e.deliverToToken(ctx, model, inst, t, nil)
	}
}

// CorrelateMessage delivers a named message. Among waiting subscriptions the
// oldest matching one wins; key matches a subscription's correlation key or
// the instance id. With no subscription the message may start a new instance
// through a message start event.
func (e *Engine) CorrelateMessage(ctx context.Context, name, key string, payload map[string]any, actor string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: message name is required", ErrBadState)
	}
	var (
		bestTok  rdf.Term
		bestInst rdf.Term
		bestSeq  int
	)
	for _, tok := range e.inst.Subjects(store.IRI(run.SubscriptionName), store.Lit(name)) {
		t := e.loadToken(tok)
		if t.status != run.TokenWaiting || t.waitingOn != run.WaitMessage {
			continue
		}
		inst := e.tokenInstance(tok)
		if inst == nil || isTerminal(e.instanceStatus(inst)) {
			continue
		}
		if key != "" {
			subKey := store.Text(e.inst.Value(tok, store.IRI(run.SubscriptionKey)))
			if subKey != key && instanceID(inst) != key {
				continue
			}
		}
		seq := store.TextInt(e.inst.Value(tok, store.IRI(run.SubscriptionSeq)), 0)
		if bestTok == nil || seq < bestSeq {
			bestTok, bestInst, bestSeq = tok, inst, seq
		}
	}
	if bestTok != nil {
		inst := bestInst
		err := e.withInstance(inst, func() error {
			t := e.loadToken(bestTok)
			if t.status != run.TokenWaiting || t.waitingOn != run.WaitMessage {
				return nil // lost the race to another delivery
			}
			model, err := e.modelOf(inst)
			if err != nil {
				return err
			}
			e.audit.Emit(inst, t.node, EvMessageReceived, actor, "message="+name)
			e.metrics.MessageDelivered()
			e.deliverToToken(ctx, model, inst, t, payload)
			return e.drive(ctx, model, inst)
		})
		e.flushNotifications()
		return instanceID(inst), err
	}

	for _, defID := range process.ActiveDefinitions(e.defs) {
		model, err := process.Load(e.defs, defID)
		if err != nil {
			continue
		}
		for _, start := range model.StartEvents() {
			if model.EventKind(start) != "message" {
				continue
			}
			if model.MessageName(model.MessageRef(start)) != name {
				continue
			}
			vars := payload
			if key != "" {
				vars = make(map[string]any, len(payload)+1)
				for k, v := range payload {
					vars[k] = v
				}
				vars["correlationKey"] = key
			}
			return e.startAt(ctx, model, start, vars, actor, "message="+name)
		}
	}
	return "", fmt.Errorf("%w: message %q", ErrNoSubscription, name)
}

// BroadcastSignal wakes every subscription on the signal name and starts an
// instance per matching signal start event. Returns the delivery count.
func (e *Engine) BroadcastSignal(ctx context.Context, name string, payload map[string]any, actor string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: signal name is required", ErrBadState)
	}
	var targets []rdf.Term
	for _, tok := range e.inst.Subjects(store.IRI(run.SubscriptionName), store.Lit(name)) {
		t := e.loadToken(tok)
		if t.status == run.TokenWaiting && t.waitingOn == run.WaitSignal {
			targets = append(targets, tok)
		}
	}
	delivered := 0
	for _, tok := range targets {
		tok := tok
		inst := e.tokenInstance(tok)
		if inst == nil || isTerminal(e.instanceStatus(inst)) {
			continue
		}
		err := e.withInstance(inst, func() error {
			t := e.loadToken(tok)
			if t.status != run.TokenWaiting || t.waitingOn != run.WaitSignal {
				return nil
			}
			model, err := e.modelOf(inst)
			if err != nil {
				return err
			}
			e.audit.Emit(inst, t.node, EvSignalBroadcast, actor, "signal="+name)
			e.deliverToToken(ctx, model, inst, t, payload)
			return e.drive(ctx, model, inst)
		})
		if err != nil {
			e.logger.Warn("signal delivery failed", "signal", name, "instance", instanceID(inst), "error", err)
			continue
		}
		delivered++
	}
	for _, defID := range process.ActiveDefinitions(e.defs) {
		model, err := process.Load(e.defs, defID)
		if err != nil {
			continue
		}
		for _, start := range model.StartEvents() {
			if model.EventKind(start) != "signal" {
				continue
			}
			if model.SignalName(model.SignalRef(start)) != name {
				continue
			}
			if _, err := e.startAt(ctx, model, start, payload, actor, "signal="+name); err != nil {
				e.logger.Warn("signal start failed", "signal", name, "definition", defID, "error", err)
				continue
			}
			delivered++
		}
	}
	e.flushNotifications()
	return delivered, nil
}

// startAt creates an instance entering at a specific start event, used by
// message and signal starts.
func (e *Engine) startAt(ctx context.Context, model *process.Model, start rdf.Term, vars map[string]any, actor, detail string) (string, error) {
	inst := e.newInstance(model.IRI(), nil, nil)
	err := e.withInstance(inst, func() error {
		for name, value := range vars {
			lexical, datatype := variables.Infer(value)
			if err := e.vars.Set(inst, name, lexical, datatype, nil); err != nil {
				return err
			}
		}
		e.audit.Emit(inst, start, EvInstanceStarted, actor, detail)
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

// CompleteAsync resumes a token parked on an asynchronous handler callback.
func (e *Engine) CompleteAsync(ctx context.Context, callbackID string, vars map[string]any, actor string) error {
	var target rdf.Term
	for _, tok := range e.inst.Subjects(store.IRI(run.CallbackID), store.Lit(callbackID)) {
		target = tok
		break
	}
	if target == nil {
		return fmt.Errorf("%w: callback %s", ErrNotFound, callbackID)
	}
	inst := e.tokenInstance(target)
	if inst == nil {
		return fmt.Errorf("%w: callback %s", ErrNotFound, callbackID)
	}
	err := e.withInstance(inst, func() error {
		t := e.loadToken(target)
		if t.status != run.TokenWaiting || t.waitingOn != run.WaitCallback {
			return fmt.Errorf("%w: callback %s already resolved", ErrBadState, callbackID)
		}
		model, err := e.modelOf(inst)
		if err != nil {
			return err
		}
		e.writeResultVars(inst, t, vars)
		e.audit.Emit(inst, t.node, EvNodeCompleted, actor, "callback="+callbackID)
		e.resumeToken(t.iri)
		e.continueFrom(ctx, model, inst, e.loadToken(t.iri))
		return e.drive(ctx, model, inst)
	})
	e.flushNotifications()
	return err
}

// ThrowError raises a business error on a live token, as if its node had
// failed. An empty node selects the innermost live token.
func (e *Engine) ThrowError(ctx context.Context, id, node, code, message, actor string) error {
	inst := instanceIRI(id)
	if !e.inst.Has(inst, store.IRI(run.RDFType), store.IRI(run.ClassInstance)) {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	err := e.withInstance(inst, func() error {
		if isTerminal(e.instanceStatus(inst)) {
			return fmt.Errorf("%w: instance %s is finished", ErrBadState, id)
		}
		model, err := e.modelOf(inst)
		if err != nil {
			return err
		}
		var target rdf.Term
		if node != "" {
			target = model.Node(node)
		}
		var victim *token
		for _, t := range e.liveTokens(inst, false) {
			t := t
			if target != nil {
				if store.TermsEqual(t.node, target) {
					victim = &t
					break
				}
				continue
			}
			if victim == nil || len(t.scope) > len(victim.scope) {
				victim = &t
			}
		}
		if victim == nil {
			return fmt.Errorf("%w: no live token at node %s", ErrNotFound, node)
		}
		e.cancelTokenTree(inst, *victim)
		e.throwError(ctx, model, inst, *victim, code, message)
		return e.drive(ctx, model, inst)
	})
	e.flushNotifications()
	return err
}

// throwError escalates an error from a consumed token: boundaries on the
// failing node first, then each enclosing scope's error event subprocess and
// boundary, innermost outward. Uncaught errors fail the instance. The actor
// of an error is always the engine.
func (e *Engine) throwError(ctx context.Context, model *process.Model, inst rdf.Term, t token, code, message string) {
	e.audit.Emit(inst, t.node, EvErrorThrown, "", code+": "+message)

	// Side state of the failing activity.
	e.cancelGroup(inst, t.iri)
	_, _ = e.timer.CancelToken(t.iri)
	e.cancelTasksFor(t.iri)

	if b := e.errorBoundary(model, t.node, code); b != nil {
		e.audit.Emit(inst, b, EvErrorCaught, "", code)
		e.spawnToken(inst, b, t.scope)
		return
	}

	for i := len(t.scope) - 1; i >= 0; i-- {
		scopeNode := t.scope[i]
		if esp := e.errorEventSubprocess(model, scopeNode, code); esp != nil {
			e.fireErrorSubprocess(ctx, model, inst, scopeNode, esp, t.scope[:i+1], code)
			return
		}
		if b := e.errorBoundary(model, scopeNode, code); b != nil {
			e.audit.Emit(inst, b, EvErrorCaught, "", code)
			e.cancelScopeTokens(inst, scopeNode, nil)
			_ = e.vars.DropScope(inst.(rdf.IRI), scopeNode)
			e.spawnToken(inst, b, t.scope[:i])
			return
		}
	}

	if esp := e.errorEventSubprocess(model, nil, code); esp != nil {
		e.fireErrorSubprocess(ctx, model, inst, nil, esp, nil, code)
		return
	}

	e.failInstance(model, inst, code, message)
}

// errorBoundary finds an error boundary on host matching the code. A
// boundary without an error ref catches everything.
func (e *Engine) errorBoundary(model *process.Model, host rdf.Term, code string) rdf.Term {
	var catchAll rdf.Term
	for _, b := range model.BoundaryEvents(host) {
		if model.EventKind(b) != "error" {
			continue
		}
		ref := model.ErrorRef(b)
		if ref == "" {
			if catchAll == nil {
				catchAll = b
			}
			continue
		}
		if model.ErrorCode(ref) == code {
			return b
		}
	}
	return catchAll
}

// errorEventSubprocess finds an error event subprocess of a scope matching
// the code.
func (e *Engine) errorEventSubprocess(model *process.Model, scopeNode rdf.Term, code string) rdf.Term {
	var catchAll rdf.Term
	for _, esp := range model.EventSubprocesses(scopeNode) {
		start, ok := model.ScopeStart(esp)
		if !ok || model.EventKind(start) != "error" {
			continue
		}
		ref := model.ErrorRef(start)
		if ref == "" {
			if catchAll == nil {
				catchAll = esp
			}
			continue
		}
		if model.ErrorCode(ref) == code {
			return esp
		}
	}
	return catchAll
}

// fireErrorSubprocess cancels the scope's normal flow and starts the error
// event subprocess. Error starts always interrupt.
func (e *Engine) fireErrorSubprocess(ctx context.Context, model *process.Model, inst rdf.Term, scopeNode, esp rdf.Term, scope []rdf.Term, code string) {
	start, ok := model.ScopeStart(esp)
	if !ok {
		return
	}
	e.audit.Emit(inst, esp, EvErrorCaught, "", code)
	if scopeNode == nil {
		for _, t := range e.liveTokens(inst, false) {
			e.cancelTokenTree(inst, t)
		}
	} else {
		for _, t := range e.liveTokens(inst, true) {
			if scopeContains(t.scope, scopeNode) {
				e.cancelTokenTree(inst, t)
			}
		}
	}
	inner := append(append([]rdf.Term{}, scope...), esp)
	e.spawnToken(inst, start, inner)
}

// catchEscalation walks the scope chain for an escalation catcher. Unlike
// errors, escalations leave the throwing scope running when the catcher is
// non-interrupting, and an uncaught escalation is not fatal.
func (e *Engine) catchEscalation(ctx context.Context, model *process.Model, inst rdf.Term, t token) bool {
	code := model.ErrorCode(model.ErrorRef(t.node))
	for i := len(t.scope) - 1; i >= 0; i-- {
		scopeNode := t.scope[i]
		for _, esp := range model.EventSubprocesses(scopeNode) {
			start, ok := model.ScopeStart(esp)
			if !ok || model.EventKind(start) != "escalation" {
				continue
			}
			if ref := model.ErrorRef(start); ref != "" && model.ErrorCode(ref) != code {
				continue
			}
			w := e.spawnWatcher(inst, start, t.scope[:i+1], nil)
			e.eventSubprocessFired(ctx, model, inst, e.loadToken(w))
			return true
		}
		for _, b := range model.BoundaryEvents(scopeNode) {
			if model.EventKind(b) != "escalation" {
				continue
			}
			if ref := model.ErrorRef(b); ref != "" && model.ErrorCode(ref) != code {
				continue
			}
			e.audit.Emit(inst, b, EvNodeEntered, "", "escalation "+code)
			if model.Interrupting(b) {
				e.cancelScopeTokens(inst, scopeNode, nil)
				_ = e.vars.DropScope(inst.(rdf.IRI), scopeNode)
			}
			e.spawnToken(inst, b, t.scope[:i])
			return true
		}
	}
	for _, esp := range model.EventSubprocesses(nil) {
		start, ok := model.ScopeStart(esp)
		if !ok || model.EventKind(start) != "escalation" {
			continue
		}
		if ref := model.ErrorRef(start); ref != "" && model.ErrorCode(ref) != code {
			continue
		}
		w := e.spawnWatcher(inst, start, nil, nil)
		e.eventSubprocessFired(ctx, model, inst, e.loadToken(w))
		return true
	}
	return false
}

// runCompensation invokes the compensation handlers of completed activities
// in reverse completion order, then clears the compensation log.
func (e *Engine) runCompensation(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	done := e.inst.Objects(inst, store.IRI(run.Compensable))
	for i := len(done) - 1; i >= 0; i-- {
		activity := done[i]
		handler := model.CompensationHandler(activity)
		if handler == nil {
			continue
		}
		topicName := model.Topic(handler)
		if topicName == "" {
			e.audit.Emit(inst, handler, EvCompensationRun, "", "no topic, skipped")
			continue
		}
		if _, err := e.topics.Test(ctx, topicName, e.snapshotFor(inst, t)); err != nil {
			e.audit.Emit(inst, handler, EvListenerFailed, "", "compensation: "+err.Error())
			e.logger.Warn("compensation handler failed",
				"instance", instanceID(inst), "topic", topicName, "error", err)
			continue
		}
		e.audit.Emit(inst, activity, EvCompensationRun, "", "handler="+model.NodeID(handler))
	}
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Remove(inst, store.IRI(run.Compensable), nil)
		return nil
	})
}

// RunDueTimers recovers expired leases, claims a batch of due jobs and fires
// each under its instance lock. The poll loop calls it on every tick.
func (e *Engine) RunDueTimers(ctx context.Context, now time.Time, worker string) (int, error) {
	if _, err := e.timer.RecoverLeases(now); err != nil {
		return 0, err
	}
	jobs, err := e.timer.Claim(now, worker, claimBatch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, job := range jobs {
		job := job
		err := e.withInstance(job.Instance, func() error {
			if isTerminal(e.instanceStatus(job.Instance)) {
				return e.timer.Complete(job.ID)
			}
			t := e.loadToken(job.Token)
			if t.status != run.TokenWaiting || t.waitingOn != run.WaitTimer {
				// The token moved on; the job is stale.
				return e.timer.Complete(job.ID)
			}
			model, err := e.modelOf(job.Instance)
			if err != nil {
				return err
			}
			e.audit.Emit(job.Instance, t.node, EvTimerFired, worker, "kind="+job.Kind)
			e.metrics.TimerFired()
			e.deliverToToken(ctx, model, job.Instance, t, nil)
			if err := e.drive(ctx, model, job.Instance); err != nil {
				return err
			}
			fired++
			return e.timer.Complete(job.ID)
		})
		if err != nil {
			if _, rerr := e.timer.Release(job.ID); rerr != nil {
				e.logger.Warn("timer release failed", "job", job.ID, "error", rerr)
			}
			e.logger.Warn("timer job failed", "job", job.ID, "error", err)
		}
	}
	e.flushNotifications()
	return fired, nil
}
