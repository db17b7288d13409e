package engine

import (
	"context"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// execExclusive takes the first outgoing flow whose condition holds, in
// definition order, falling back to the default flow. No winner is a routing
// error.
func (e *Engine) execExclusive(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	var fallback *process.FlowRef
	for _, f := range model.OutgoingFlows(t.node) {
		if f.Default {
			f := f
			fallback = &f
			continue
		}
		ok, err := e.expr.Eval(inst.(rdf.IRI), f.Condition)
		if err != nil {
			e.consumeToken(t.iri)
			e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
			return
		}
		if ok {
			e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
			e.takeFlows(ctx, model, inst, t, []process.FlowRef{f})
			return
		}
	}
	if fallback != nil {
		e.audit.Emit(inst, t.node, EvNodeCompleted, "", "default")
		e.takeFlows(ctx, model, inst, t, []process.FlowRef{*fallback})
		return
	}
	e.consumeToken(t.iri)
	e.throwError(ctx, model, inst, t, CodeNoFlow, "no outgoing condition held at "+model.NodeID(t.node))
}

// execInclusive joins when the gateway has multiple incoming flows, then
// takes every outgoing flow whose condition holds, or the default when none
// does.
func (e *Engine) execInclusive(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	if len(model.IncomingFlows(t.node)) > 1 {
		merged, ready := e.joinArrival(model, inst, t)
		if !ready {
			return
		}
		t = merged
	}
	var selection []process.FlowRef
	var fallback *process.FlowRef
	for _, f := range model.OutgoingFlows(t.node) {
		if f.Default {
			f := f
			fallback = &f
			continue
		}
		ok, err := e.expr.Eval(inst.(rdf.IRI), f.Condition)
		if err != nil {
			e.consumeToken(t.iri)
			e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
			return
		}
		if ok {
			selection = append(selection, f)
		}
	}
	if len(selection) == 0 && fallback != nil {
		selection = append(selection, *fallback)
	}
	if len(selection) == 0 {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeNoFlow, "no outgoing condition held at "+model.NodeID(t.node))
		return
	}
	e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
	e.takeFlows(ctx, model, inst, t, selection)
}

// execParallel joins all incoming branches, then forks every outgoing flow
// unconditionally.
func (e *Engine) execParallel(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	if len(model.IncomingFlows(t.node)) > 1 {
		merged, ready := e.joinArrival(model, inst, t)
		if !ready {
			return
		}
		t = merged
	}
	e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
	e.takeFlows(ctx, model, inst, t, model.OutgoingFlows(t.node))
}

// joinArrival parks an arriving token at a joining gateway and reports
// whether the join fired. A parallel join fires when arrivals match the
// incoming flow count; an inclusive join additionally fires once no other
// live token in the same scope can still arrive. On firing, the sibling
// arrivals merge into the returned token.
func (e *Engine) joinArrival(model *process.Model, inst rdf.Term, t token) (token, bool) {
	e.parkToken(t.iri, run.WaitJoin, nil)

	var arrived []token
	for _, tok := range e.tokensOf(inst) {
		p := e.loadToken(tok)
		if p.status != run.TokenWaiting || p.waitingOn != run.WaitJoin {
			continue
		}
		if !store.TermsEqual(p.node, t.node) || !sameScope(p.scope, t.scope) {
			continue
		}
		arrived = append(arrived, p)
	}

	need := len(model.IncomingFlows(t.node))
	fire := len(arrived) >= need
	if !fire && model.Kind(t.node) == "inclusiveGateway" {
		// Inclusive join: fire early once nothing else in the scope can
		// reach the gateway anymore.
		fire = !e.otherLiveInScope(inst, t, arrived)
	}
	if !fire {
		return token{}, false
	}

	for _, p := range arrived {
		if store.TermsEqual(p.iri, t.iri) {
			continue
		}
		e.consumeToken(p.iri)
	}
	e.resumeToken(t.iri)
	return e.loadToken(t.iri), true
}

// otherLiveInScope reports whether any live non-watcher token in the same
// scope exists besides the given join arrivals.
func (e *Engine) otherLiveInScope(inst rdf.Term, t token, arrived []token) bool {
	for _, live := range e.liveTokens(inst, false) {
		if !sameScope(live.scope, t.scope) {
			continue
		}
		joined := false
		for _, p := range arrived {
			if store.TermsEqual(live.iri, p.iri) {
				joined = true
				break
			}
		}
		if !joined {
			return true
		}
	}
	return false
}

func sameScope(a, b []rdf.Term) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !store.TermsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// execEventGateway parks the token and arms one watcher per outgoing catch
// event. The first trigger to fire wins the race; gatewayFired disarms the
// rest.
func (e *Engine) execEventGateway(ctx context.Context, model *process.Model, inst rdf.Term, t token) {
	flows := model.OutgoingFlows(t.node)
	if len(flows) == 0 {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeNoFlow, "event gateway has no outgoing flows")
		return
	}
	e.audit.Emit(inst, t.node, EvNodeCompleted, "", "")
	e.parkToken(t.iri, run.WaitEventGateway, nil)
	for _, f := range flows {
		kind := model.EventKind(f.Target)
		targetKind := model.Kind(f.Target)
		if targetKind == "receiveTask" {
			kind = "message"
		}
		switch kind {
		case "message", "signal", "timer", "conditional":
		default:
			e.audit.Emit(inst, f.Target, EvUnsupported, "", "event gateway target kind "+kind)
			continue
		}
		w := e.spawnWatcher(inst, f.Target, t.scope, t.iri)
		e.armSubscription(ctx, model, inst, e.loadToken(w), kind, "boundary")
	}
}
