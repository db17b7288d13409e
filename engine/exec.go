package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

// maxDriveSteps bounds one run-to-quiescence pass. A definition that spins
// past it has a flow cycle with no wait state; the instance fails instead of
// wedging a worker.
const maxDriveSteps = 10000

// drive advances the instance until no ACTIVE token remains. Caller holds
// the instance lock.
func (e *Engine) drive(ctx context.Context, model *process.Model, inst rdf.Term) error {
	steps := 0
	for {
		if isTerminal(e.instanceStatus(inst)) {
			return nil
		}
		active := e.activeTokens(inst)
		if len(active) == 0 {
			e.settle(model, inst)
			return nil
		}
		for _, tok := range active {
			t := e.loadToken(tok)
			if t.status != run.TokenActive {
				continue
			}
			steps++
			if steps > maxDriveSteps {
				e.failInstance(model, inst, "ENGINE_LOOP",
					fmt.Sprintf("no quiescence after %d steps", maxDriveSteps))
				return nil
			}
			e.step(ctx, model, inst, t)
		}
	}
}

// settle records the instance's resting state once no token is active.
func (e *Engine) settle(model *process.Model, inst rdf.Term) {
	if isTerminal(e.instanceStatus(inst)) {
		return
	}
	if len(e.liveTokens(inst, false)) > 0 {
		if e.instanceStatus(inst) != run.InstWaiting {
			e.setInstanceStatus(inst, run.InstWaiting)
		}
		return
	}
	e.finishInstance(model, inst, run.InstCompleted, EvInstanceCompleted)
}

// finishInstance moves the instance to a terminal status, tears down side
// state and notifies a waiting parent.
func (e *Engine) finishInstance(model *process.Model, inst rdf.Term, status, event string) {
	for _, t := range e.liveTokens(inst, true) {
		e.cancelTokenTree(inst, t)
	}
	_, _ = e.timer.CancelInstance(inst)
	e.setInstanceStatus(inst, status)
	e.audit.Emit(inst, nil, event, "", "")
	e.metrics.Finished(status)
	if parent := e.inst.Value(inst, store.IRI(run.ParentInstance)); parent != nil {
		child := inst
		e.notifyLater(func() { e.childFinished(parent, child, "") })
	}
}

// failInstance is finishInstance for uncaught errors, recording the code.
func (e *Engine) failInstance(model *process.Model, inst rdf.Term, code, message string) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(inst.(rdf.Subject), store.IRI(run.ErrCode), store.Lit(code))
		tx.Set(inst.(rdf.Subject), store.IRI(run.ErrMessage), store.Lit(message))
		return nil
	})
	for _, t := range e.liveTokens(inst, true) {
		e.cancelTokenTree(inst, t)
	}
	_, _ = e.timer.CancelInstance(inst)
	e.setInstanceStatus(inst, run.InstError)
	e.audit.Emit(inst, nil, EvInstanceError, "", code+": "+message)
	e.metrics.Finished(run.InstError)
	if parent := e.inst.Value(inst, store.IRI(run.ParentInstance)); parent != nil {
		child := inst
		e.notifyLater(func() { e.childFinished(parent, child, code) })
	}
}

// childFinished resumes the parent call-activity token once a child reaches
// a terminal status. Runs from the notification queue, outside the child's
// lock.
func (e *Engine) childFinished(parent, child rdf.Term, errorCode string) {
	_ = e.withInstance(parent, func() error {
		if isTerminal(e.instanceStatus(parent)) {
			return nil
		}
		model, err := e.modelOf(parent)
		if err != nil {
			return err
		}
		var callTok token
		found := false
		for _, tok := range e.inst.Subjects(store.IRI(run.ChildInstance), child) {
			t := e.loadToken(tok)
			if t.status == run.TokenWaiting {
				callTok, found = t, true
				break
			}
		}
		if !found {
			return nil // boundary already cancelled the call
		}
		if errorCode != "" {
			e.consumeToken(callTok.iri)
			e.throwError(context.Background(), model, parent, callTok, errorCode,
				"propagated from child "+instanceID(child))
			return e.drive(context.Background(), model, parent)
		}
		// Copy mapped outputs from the child's instance scope.
		outs := model.OutVariables(callTok.node)
		for _, v := range e.vars.Scope(child.(rdf.IRI), nil) {
			if len(outs) > 0 && !contains(outs, v.Name) {
				continue
			}
			if err := e.vars.Set(parent.(rdf.IRI), v.Name, v.Value, v.Datatype, nil); err != nil {
				return err
			}
		}
		e.resumeToken(callTok.iri)
		_ = e.inst.Update(func(tx *store.Tx) error {
			tx.Remove(callTok.iri, store.IRI(run.ChildInstance), nil)
			return nil
		})
		e.continueFrom(context.Background(), model, parent, e.loadToken(callTok.iri))
		return e.drive(context.Background(), model, parent)
	})
	e.flushNotifications()
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// step executes the node a token sits on.
func (e *Engine) step(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	kind := model.Kind(t.node)
	started := time.Now()
	defer func() { e.metrics.Node(kind, time.Since(started).Seconds()) }()

	e.audit.Emit(inst, t.node, EvNodeEntered, "", kind)
	if err := e.runListeners(ctx, model, inst, t, t.node, "start"); err != nil {
		e.failListener(ctx, model, inst, t, err)
		return
	}

	// Multi-instance activities spawn per-iteration tokens before the body
	// runs once per iteration. Boundaries arm once, on the controller.
	if isActivityKind(kind) && t.loopIndex == 0 {
		e.armBoundaries(ctx, model, inst, t)
		if loop, ok := model.Loop(t.node); ok {
			e.startMultiInstance(ctx, model, inst, t, loop)
			return
		}
	}

	switch kind {
	case "startEvent":
		e.continueFrom(ctx, model, inst, t)
	case "endEvent":
		e.execEnd(ctx, model, inst, t)
	case "serviceTask":
		e.execServiceTask(ctx, model, inst, t)
	case "sendTask":
		e.execSendTask(ctx, model, inst, t)
	case "scriptTask":
		e.execScriptTask(ctx, model, inst, t)
	case "userTask":
		e.execUserTask(ctx, model, inst, t)
	case "manualTask":
		e.audit.Emit(inst, t.node, EvManualComplete, "", "")
		e.continueFrom(ctx, model, inst, t)
	case "receiveTask":
		e.parkForMessage(model, inst, t)
	case "intermediateCatchEvent":
		e.execCatch(ctx, model, inst, t)
	case "intermediateThrowEvent":
		e.execThrow(ctx, model, inst, t)
	case "exclusiveGateway":
		e.execExclusive(ctx, model, inst, t)
	case "inclusiveGateway":
		e.execInclusive(ctx, model, inst, t)
	case "parallelGateway":
		e.execParallel(ctx, model, inst, t)
	case "eventBasedGateway":
		e.execEventGateway(ctx, model, inst, t)
	case "subProcess", "transaction":
		e.enterScope(ctx, model, inst, t)
	case "callActivity":
		e.execCallActivity(ctx, model, inst, t)
	case "boundaryEvent":
		// A token resumed directly on a boundary event just continues.
		e.continueFrom(ctx, model, inst, t)
	default:
		e.audit.Emit(inst, t.node, EvUnsupported, "", "kind="+kind)
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeUnsupported, "node kind "+kind)
	}
}

func isActivityKind(kind string) bool {
	switch kind {
	case "serviceTask", "userTask", "sendTask", "receiveTask", "scriptTask",
		"manualTask", "subProcess", "transaction", "callActivity":
		return true
	}
	return false
}

// continueFrom finishes a node and moves the token along its outgoing flows.
func (e *Engine) continueFrom(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	if err := e.runListeners(ctx, model, inst, t, t.node, "end"); err != nil {
		e.failListener(ctx, model, inst, t, err)
		return
	}
	e.cancelGroup(inst, t.iri)
	_, _ = e.timer.CancelToken(t.iri)

	if handler := model.CompensationHandler(t.node); handler != nil {
		_ = e.inst.Update(func(tx *store.Tx) error {
			tx.Add(rdf.Triple{Subj: inst.(rdf.Subject), Pred: store.IRI(run.Compensable), Obj: t.node.(rdf.Object)})
			return nil
		})
	}

	if t.loopIndex > 0 {
		if _, ok := model.Loop(t.node); ok {
			e.miChildDone(ctx, model, inst, t)
			return
		}
	}

	e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
	e.takeFlows(ctx, model, inst, t, nil)
}

// takeFlows moves a token along outgoing flows. A non-nil selection
// restricts which flows fire; nil takes every flow whose condition holds.
func (e *Engine) takeFlows(ctx context.Context, model *process.Model, inst rdf.Term, t token, selection []process.FlowRef) {
	flows := selection
	if flows == nil {
		for _, f := range model.OutgoingFlows(t.node) {
			if f.Condition != "" {
				ok, err := e.expr.Eval(inst.(rdf.IRI), f.Condition)
				if err != nil {
					e.consumeToken(t.iri)
					e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
					return
				}
				if !ok {
					continue
				}
			}
			flows = append(flows, f)
		}
	}
	if len(flows) == 0 {
		e.finishToken(ctx, model, inst, t)
		return
	}
	for i, f := range flows {
		e.audit.Emit(inst, f.IRI, EvFlowTaken, "", "")
		if err := e.runListeners(ctx, model, inst, t, f.IRI, "take"); err != nil {
			e.failListener(ctx, model, inst, t, err)
			return
		}
		if i == 0 {
			e.moveToken(t.iri, f.Target, t.scope)
			continue
		}
		e.spawnToken(inst, f.Target, t.scope)
	}
}

// finishToken consumes a token that has nowhere to go and completes its
// scope when it was the last one inside.
func (e *Engine) finishToken(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	e.consumeToken(t.iri)
	if len(t.scope) == 0 {
		return // settle() decides instance completion
	}
	scopeNode := t.scope[len(t.scope)-1]
	if e.scopeAlive(inst, scopeNode, t.iri) {
		return
	}
	e.completeScope(ctx, model, inst, scopeNode)
}

// completeScope tears a finished scope down and resumes the token parked on
// the subprocess node.
func (e *Engine) completeScope(ctx context.Context, model *process.Model, inst rdf.Term, scopeNode rdf.Term) {
	// Remaining live tokens in the scope are watchers at this point.
	e.cancelScopeTokens(inst, scopeNode, nil)
	_ = e.vars.DropScope(inst.(rdf.IRI), scopeNode)

	for _, tok := range e.tokensOf(inst) {
		t := e.loadToken(tok)
		if t.status == run.TokenWaiting && t.waitingOn == run.WaitScope && store.TermsEqual(t.node, scopeNode) {
			e.resumeToken(t.iri)
			e.continueFrom(ctx, model, inst, e.loadToken(t.iri))
			return
		}
	}

	// Event subprocesses have no entering token. When an interrupting one
	// finishes, its enclosing scope has nothing left and completes too.
	if model.TriggeredByEvent(scopeNode) {
		start, ok := model.ScopeStart(scopeNode)
		if ok && model.Interrupting(start) {
			if parent := model.Parent(scopeNode); parent != nil {
				if !e.scopeAlive(inst, parent, nil) {
					e.completeScope(ctx, model, inst, parent)
				}
			}
		}
	}
}

// enterScope parks the entering token on the subprocess node and starts the
// scope's own start event.
func (e *Engine) enterScope(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	start, ok := model.ScopeStart(t.node)
	if !ok {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeUnsupported, "subprocess has no start event")
		return
	}
	inner := append(append([]rdf.Term{}, t.scope...), t.node)
	e.parkToken(t.iri, run.WaitScope, nil)
	e.armEventSubprocesses(ctx, model, inst, inner, t.node)
	e.spawnToken(inst, start, inner)
}

// execEnd dispatches on the end event kind.
func (e *Engine) execEnd(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	switch model.EventKind(t.node) {
	case "none":
		e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
		e.finishToken(ctx, model, inst, t)
	case "terminate":
		e.execTerminate(ctx, model, inst, t)
	case "error":
		code := model.ErrorCode(model.ErrorRef(t.node))
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, code, "error end event")
	case "escalation":
		e.consumeToken(t.iri)
		if !e.catchEscalation(ctx, model, inst, t) {
			// Uncaught escalations are not fatal.
			e.finishToken(ctx, model, inst, t)
		}
	case "signal":
		name := model.SignalName(model.SignalRef(t.node))
		sig := name
		e.notifyLater(func() { _, _ = e.BroadcastSignal(context.Background(), sig, nil, "") })
		e.audit.Emit(inst, t.node, EvNodeCompleted, "", "signal="+name)
		e.finishToken(ctx, model, inst, t)
	case "message":
		e.emitMessage(ctx, model, inst, t)
		e.finishToken(ctx, model, inst, t)
	case "compensation":
		e.runCompensation(ctx, model, inst, t)
		e.finishToken(ctx, model, inst, t)
	case "cancel":
		e.execCancelEnd(ctx, model, inst, t)
	default:
		e.audit.Emit(inst, t.node, EvUnsupported, "", "end event kind "+model.EventKind(t.node))
		e.finishToken(ctx, model, inst, t)
	}
}

// execTerminate kills the enclosing scope, or the whole instance at top
// level.
func (e *Engine) execTerminate(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	e.consumeToken(t.iri)
	if len(t.scope) == 0 {
		e.finishInstance(model, inst, run.InstTerminated, EvInstanceTerminated)
		return
	}
	scopeNode := t.scope[len(t.scope)-1]
	e.cancelScopeTokens(inst, scopeNode, nil)
	e.completeScope(ctx, model, inst, scopeNode)
}

// execCancelEnd cancels a transaction: completed activities compensate in
// reverse order, then the cancel boundary on the transaction continues.
func (e *Engine) execCancelEnd(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	e.consumeToken(t.iri)
	e.runCompensation(ctx, model, inst, t)
	if len(t.scope) == 0 {
		e.finishInstance(model, inst, run.InstCancelled, EvInstanceCancelled)
		return
	}
	scopeNode := t.scope[len(t.scope)-1]
	e.cancelScopeTokens(inst, scopeNode, nil)
	outer := t.scope[:len(t.scope)-1]
	_ = e.vars.DropScope(inst.(rdf.IRI), scopeNode)

	// Consume the parked entering token; the cancel path continues from the
	// boundary, not the normal outgoing flows.
	for _, tok := range e.tokensOf(inst) {
		pt := e.loadToken(tok)
		if pt.status == run.TokenWaiting && pt.waitingOn == run.WaitScope && store.TermsEqual(pt.node, scopeNode) {
			e.consumeToken(pt.iri)
		}
	}
	for _, b := range model.BoundaryEvents(scopeNode) {
		if model.EventKind(b) == "cancel" {
			tok := e.spawnToken(inst, b, outer)
			e.audit.Emit(inst, b, EvNodeEntered, "", "cancel boundary")
			_ = tok
			return
		}
	}
	// No cancel boundary: the scope just ends.
}

func (e *Engine) execServiceTask(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	topicName := model.Topic(t.node)
	if topicName == "" {
		e.continueFrom(ctx, model, inst, t)
		return
	}
	e.invokeTopic(ctx, model, inst, t, topicName)
}

// execSendTask routes through a topic handler when one is declared, and
// falls back to in-engine message correlation on the declared message.
func (e *Engine) execSendTask(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	if topicName := model.Topic(t.node); topicName != "" {
		e.invokeTopic(ctx, model, inst, t, topicName)
		return
	}
	e.emitMessage(ctx, model, inst, t)
	e.continueFrom(ctx, model, inst, t)
}

// emitMessage sends the node's declared message to whoever is subscribed,
// after the current instance settles.
func (e *Engine) emitMessage(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	name := model.MessageName(model.MessageRef(t.node))
	if name == "" {
		name = model.NodeName(t.node)
	}
	payload := e.snapshotFor(inst, t)
	e.audit.Emit(inst, t.node, EvNodeCompleted, "", "message="+name)
	e.notifyLater(func() {
		if _, err := e.CorrelateMessage(context.Background(), name, "", payload, ""); err != nil {
			e.logger.Debug("emitted message had no receiver", "message", name, "error", err)
		}
	})
}

// invokeTopic runs a topic handler synchronously under the instance lock.
// Failures become engine errors routed through error boundary events.
func (e *Engine) invokeTopic(ctx context.Context, model *process.Model, inst rdf.Term, t token, topicName string) {
	handler, err := e.topics.Lookup(topicName)
	if err != nil {
		e.metrics.HandlerFailed()
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeHandlerConfig, err.Error())
		return
	}
	callbackID := uuid.NewString()
	req := topic.Request{
		Instance:   instanceID(inst),
		Node:       model.NodeID(t.node),
		Topic:      topicName,
		Variables:  e.snapshotFor(inst, t),
		CallbackID: callbackID,
	}
	res, err := handler.Invoke(ctx, req)
	if err != nil {
		e.metrics.HandlerFailed()
		e.consumeToken(t.iri)
		code := CodeHandlerFailed
		if errors.Is(err, topic.ErrBadTemplate) {
			code = CodeHandlerConfig
		}
		e.throwError(ctx, model, inst, t, code, err.Error())
		return
	}
	if res.Async {
		e.parkToken(t.iri, run.WaitCallback, map[string]rdf.Object{
			run.CallbackID: store.Lit(callbackID),
		})
		return
	}
	e.writeResultVars(inst, t, res.Variables)
	e.continueFrom(ctx, model, inst, t)
}

// writeResultVars lands handler output at the instance scope, or at the
// token scope for multi-instance iterations.
func (e *Engine) writeResultVars(inst rdf.Term, t token, vars map[string]any) {
	var scope rdf.Term
	if t.loopIndex > 0 {
		scope = t.iri
	}
	for name, value := range vars {
		lexical, datatype := variables.Infer(value)
		if err := e.vars.Set(inst.(rdf.IRI), name, lexical, datatype, scope); err != nil {
			e.logger.Warn("dropping oversize handler result", "variable", name, "error", err)
		}
	}
}

func (e *Engine) execScriptTask(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	if !e.scriptTasks {
		e.audit.Emit(inst, t.node, EvUnsupported, "", "script tasks disabled")
		e.continueFrom(ctx, model, inst, t)
		return
	}
	body, _ := model.Script(t.node)
	if err := e.runScript(inst, t, body); err != nil {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
		return
	}
	e.continueFrom(ctx, model, inst, t)
}

func (e *Engine) execUserTask(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	assignee := model.Assignee(t.node)
	taskID := e.createTask(inst, t, assignee)
	e.parkToken(t.iri, run.WaitUserTask, nil)
	if err := e.runTaskListeners(ctx, model, inst, t, "create", taskID); err != nil {
		e.failListener(ctx, model, inst, t, err)
		return
	}
	if assignee != "" {
		if err := e.runTaskListeners(ctx, model, inst, t, "assignment", taskID); err != nil {
			e.failListener(ctx, model, inst, t, err)
		}
	}
}

// parkForMessage subscribes a token to its declared message.
func (e *Engine) parkForMessage(model *process.Model, inst rdf.Term, t token) {
	name := model.MessageName(model.MessageRef(t.node))
	if name == "" {
		name = model.NodeName(t.node)
	}
	attrs := map[string]rdf.Object{
		run.SubscriptionName: store.Lit(name),
		run.SubscriptionSeq:  store.IntLit(int(e.msgSeq.Add(1))),
	}
	if key, err := e.vars.Get(inst.(rdf.IRI), "correlationKey", t.scope); err == nil {
		attrs[run.SubscriptionKey] = store.Lit(key.Value)
	}
	e.parkToken(t.iri, run.WaitMessage, attrs)
}

func (e *Engine) execCatch(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	switch model.EventKind(t.node) {
	case "message":
		e.parkForMessage(model, inst, t)
	case "signal":
		e.parkToken(t.iri, run.WaitSignal, map[string]rdf.Object{
			run.SubscriptionName: store.Lit(model.SignalName(model.SignalRef(t.node))),
		})
	case "timer":
		e.scheduleCatchTimer(ctx, model, inst, t)
	case "conditional":
		cond := model.Condition(t.node)
		ok, err := e.expr.Eval(inst.(rdf.IRI), cond)
		if err != nil {
			e.consumeToken(t.iri)
			e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
			return
		}
		if ok {
			e.continueFrom(ctx, model, inst, t)
			return
		}
		e.parkToken(t.iri, run.WaitCondition, map[string]rdf.Object{
			run.SubscriptionName: store.Lit(cond),
		})
	default:
		e.audit.Emit(inst, t.node, EvUnsupported, "", "catch event kind "+model.EventKind(t.node))
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeUnsupported, "catch event kind "+model.EventKind(t.node))
	}
}

func (e *Engine) scheduleCatchTimer(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	durationSpec, dateSpec := model.TimerSpec(t.node)
	due, err := timer.ParseDue(durationSpec, dateSpec, time.Now())
	if err != nil {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
		return
	}
	if _, err := e.timer.Schedule(inst, t.iri, t.node, "catch", due); err != nil {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
		return
	}
	e.audit.Emit(inst, t.node, EvTimerScheduled, "", "due="+due.UTC().Format(time.RFC3339))
	e.parkToken(t.iri, run.WaitTimer, nil)
}

func (e *Engine) execThrow(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	switch model.EventKind(t.node) {
	case "none":
		e.continueFrom(ctx, model, inst, t)
	case "signal":
		name := model.SignalName(model.SignalRef(t.node))
		e.notifyLater(func() { _, _ = e.BroadcastSignal(context.Background(), name, nil, "") })
		e.continueFrom(ctx, model, inst, t)
	case "message":
		e.emitMessage(ctx, model, inst, t)
		e.continueFrom(ctx, model, inst, t)
	case "escalation":
		e.catchEscalation(ctx, model, inst, t)
		// An interrupting catcher consumed the token with its scope;
		// otherwise the throwing flow keeps going.
		if cur := e.loadToken(t.iri); cur.status == run.TokenActive {
			e.continueFrom(ctx, model, inst, cur)
		}
	case "compensation":
		e.runCompensation(ctx, model, inst, t)
		e.continueFrom(ctx, model, inst, t)
	default:
		e.audit.Emit(inst, t.node, EvUnsupported, "", "throw event kind "+model.EventKind(t.node))
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeUnsupported, "throw event kind "+model.EventKind(t.node))
	}
}

func (e *Engine) execCallActivity(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	defID := model.CalledElement(t.node)
	initial := make(map[string]string)
	ins := model.InVariables(t.node)
	snapshot := e.snapshotStrings(inst, t)
	for name, value := range snapshot {
		if len(ins) > 0 && !contains(ins, name) {
			continue
		}
		initial[name] = value
	}
	child, err := e.startChildInstance(ctx, model, inst, t, defID, initial)
	if err != nil {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeHandlerFailed, err.Error())
		return
	}
	e.parkToken(t.iri, run.WaitChild, map[string]rdf.Object{
		run.ChildInstance: child.(rdf.Object),
	})
}

// runScript interprets a script task body as one assignment per line:
// "name = literal" or "name = ${other}". Anything else is an error.
func (e *Engine) runScript(inst rdf.Term, t token, body string) error {
	for _, line := range splitLines(body) {
		name, rhs, ok := splitAssignment(line)
		if !ok {
			return fmt.Errorf("bad script line %q", line)
		}
		value, err := e.resolveScriptValue(inst, t, rhs)
		if err != nil {
			return err
		}
		lexical, datatype := variables.Infer(value)
		var scope rdf.Term
		if t.loopIndex > 0 {
			scope = t.iri
		}
		if err := e.vars.Set(inst.(rdf.IRI), name, lexical, datatype, scope); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveScriptValue(inst rdf.Term, t token, rhs string) (any, error) {
	if len(rhs) > 3 && rhs[:2] == "${" && rhs[len(rhs)-1] == '}' {
		name := rhs[2 : len(rhs)-1]
		v, err := e.vars.Get(inst.(rdf.IRI), name, append(append([]rdf.Term{}, t.scope...), t.iri))
		if err != nil {
			return nil, fmt.Errorf("script references unset variable %q", name)
		}
		return coerce(v), nil
	}
	return parseScriptLiteral(rhs), nil
}

// snapshotFor flattens the variables visible to a token, innermost scope
// winning, into handler-facing values.
func (e *Engine) snapshotFor(inst rdf.Term, t token) map[string]any {
	out := make(map[string]any)
	for _, v := range e.vars.Scope(inst.(rdf.IRI), nil) {
		out[v.Name] = coerce(v)
	}
	for _, scope := range t.scope {
		for _, v := range e.vars.Scope(inst.(rdf.IRI), scope) {
			out[v.Name] = coerce(v)
		}
	}
	for _, v := range e.vars.Scope(inst.(rdf.IRI), t.iri) {
		out[v.Name] = coerce(v)
	}
	return out
}

func (e *Engine) snapshotStrings(inst rdf.Term, t token) map[string]string {
	out := make(map[string]string)
	for name, value := range e.snapshotFor(inst, t) {
		out[name] = fmt.Sprintf("%v", value)
	}
	return out
}

// runListeners fires execution listeners on a node or flow. A failing
// listener fails the host element with the same escalation as the host's
// own failure.
func (e *Engine) runListeners(ctx context.Context, model *process.Model, inst rdf.Term, t token, el rdf.Term, event string) error {
	for _, lis := range model.Listeners(el, event) {
		if lis.Expression == "" {
			continue
		}
		if _, err := e.topics.Test(ctx, lis.Expression, e.snapshotFor(inst, t)); err != nil {
			e.audit.Emit(inst, el, EvListenerFailed, "", event+": "+err.Error())
			e.logger.Warn("execution listener failed",
				"instance", instanceID(inst), "listener", lis.Expression, "error", err)
			return fmt.Errorf("%s listener %q: %w", event, lis.Expression, err)
		}
	}
	return nil
}

func (e *Engine) runTaskListeners(ctx context.Context, model *process.Model, inst rdf.Term, t token, event, taskID string) error {
	for _, lis := range model.Listeners(t.node, event) {
		if lis.Expression == "" {
			continue
		}
		vars := e.snapshotFor(inst, t)
		vars["taskId"] = taskID
		if _, err := e.topics.Test(ctx, lis.Expression, vars); err != nil {
			e.audit.Emit(inst, t.node, EvListenerFailed, "", event+": "+err.Error())
			return fmt.Errorf("%s listener %q: %w", event, lis.Expression, err)
		}
	}
	return nil
}

// failListener consumes the token and routes a listener failure through the
// usual error escalation.
func (e *Engine) failListener(ctx context.Context, model *process.Model, inst rdf.Term, t token, err error) {
	e.consumeToken(t.iri)
	e.throwError(ctx, model, inst, t, CodeHandlerFailed, err.Error())
}

func coerce(v variables.Value) any {
	switch v.Datatype {
	case run.XSDInteger:
		var n int64
		if _, err := fmt.Sscanf(v.Value, "%d", &n); err == nil {
			return n
		}
	case run.XSDDecimal:
		var f float64
		if _, err := fmt.Sscanf(v.Value, "%g", &f); err == nil {
			return f
		}
	case run.XSDBoolean:
		return v.Value == "true"
	}
	return v.Value
}
