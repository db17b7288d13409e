package engine

import (
	"context"
	"strconv"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Multi-instance counter variables, visible to completion conditions.
const (
	varNrOfInstances          = "nrOfInstances"
	varNrOfActiveInstances    = "nrOfActiveInstances"
	varNrOfCompletedInstances = "nrOfCompletedInstances"
	varLoopCounter            = "loopCounter"
)

// startMultiInstance parks the arriving token as the loop controller and
// spawns the iteration tokens. Parallel loops spawn all iterations at once,
// sequential loops one at a time.
func (e *Engine) startMultiInstance(ctx context.Context, model *process.Model, inst rdf.Term, t token, loop process.LoopInfo) {
	n, err := e.expr.EvalInt(inst.(rdf.IRI), loop.Cardinality)
	if err != nil {
		e.consumeToken(t.iri)
		e.throwError(ctx, model, inst, t, CodeBadExpression, err.Error())
		return
	}
	if n <= 0 {
		// Zero iterations complete the activity immediately.
		e.continueFrom(ctx, model, inst, t)
		return
	}

	e.parkToken(t.iri, run.WaitLoop, nil)
	active := n
	if loop.Sequential {
		active = 1
	}
	e.setCounter(inst, t.iri, varNrOfInstances, n)
	e.setCounter(inst, t.iri, varNrOfActiveInstances, active)
	e.setCounter(inst, t.iri, varNrOfCompletedInstances, 0)

	if loop.Sequential {
		e.spawnIteration(inst, t, 1)
		return
	}
	for i := 1; i <= n; i++ {
		e.spawnIteration(inst, t, i)
	}
}

// spawnIteration creates one iteration token under the controller and seeds
// its loopCounter.
func (e *Engine) spawnIteration(inst rdf.Term, controller token, index int) rdf.IRI {
	tok := e.spawnToken(inst, controller.node, controller.scope)
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: tok, Pred: store.IRI(run.LoopIndex), Obj: store.IntLit(index)},
			rdf.Triple{Subj: tok, Pred: store.IRI(run.GatewayToken), Obj: controller.iri},
		)
		return nil
	})
	e.setCounter(inst, tok, varLoopCounter, index)
	return tok
}

// miChildDone retires a finished iteration, advances the counters and
// decides whether the loop continues, completes or is cut short by its
// completion condition.
func (e *Engine) miChildDone(ctx context.Context, model *process.Model, inst rdf.Term, child token) {
	e.audit.Emit(inst, child.node, EvNodeCompleted, "", "iteration="+strconv.Itoa(child.loopIndex))
	e.consumeToken(child.iri)
	_ = e.vars.DropScope(inst.(rdf.IRI), child.iri)

	if child.group == nil {
		return
	}
	controller := e.loadToken(child.group)
	if controller.status != run.TokenWaiting || controller.waitingOn != run.WaitLoop {
		return
	}

	total := e.counter(inst, controller.iri, varNrOfInstances)
	completed := e.counter(inst, controller.iri, varNrOfCompletedInstances) + 1
	e.setCounter(inst, controller.iri, varNrOfCompletedInstances, completed)
	e.setCounter(inst, controller.iri, varNrOfActiveInstances, e.liveIterations(inst, controller))

	loop, ok := model.Loop(controller.node)
	if !ok {
		e.finishMultiInstance(ctx, model, inst, controller)
		return
	}

	if loop.CompletionCondition != "" {
		done, err := e.expr.Eval(inst.(rdf.IRI), loop.CompletionCondition)
		if err != nil {
			e.consumeToken(controller.iri)
			e.throwError(ctx, model, inst, controller, CodeBadExpression, err.Error())
			return
		}
		if done {
			e.finishMultiInstance(ctx, model, inst, controller)
			return
		}
	}
	if completed >= total {
		e.finishMultiInstance(ctx, model, inst, controller)
		return
	}
	if loop.Sequential {
		next := completed + 1
		e.setCounter(inst, controller.iri, varNrOfActiveInstances, 1)
		e.spawnIteration(inst, controller, next)
	}
}

// finishMultiInstance cancels any still-running iterations, tears down the
// loop counters and resumes the controller along its outgoing flows.
func (e *Engine) finishMultiInstance(ctx context.Context, model *process.Model, inst rdf.Term, controller token) {
	for _, tok := range e.inst.Subjects(store.IRI(run.GatewayToken), controller.iri) {
		t := e.loadToken(tok)
		if t.status == run.TokenConsumed {
			continue
		}
		e.cancelTokenTree(inst, t)
		_ = e.vars.DropScope(inst.(rdf.IRI), t.iri)
	}
	_ = e.vars.DropScope(inst.(rdf.IRI), controller.iri)
	e.resumeToken(controller.iri)
	e.continueFrom(ctx, model, inst, e.loadToken(controller.iri))
}

// liveIterations counts the controller's unfinished iteration tokens.
func (e *Engine) liveIterations(inst rdf.Term, controller token) int {
	n := 0
	for _, tok := range e.inst.Subjects(store.IRI(run.GatewayToken), controller.iri) {
		t := e.loadToken(tok)
		if t.loopIndex > 0 && (t.status == run.TokenActive || t.status == run.TokenWaiting) {
			n++
		}
	}
	return n
}

func (e *Engine) setCounter(inst rdf.Term, scope rdf.Term, name string, value int) {
	if err := e.vars.Set(inst.(rdf.IRI), name, strconv.Itoa(value), run.XSDInteger, scope); err != nil {
		e.logger.Warn("loop counter write failed", "variable", name, "error", err)
	}
}

func (e *Engine) counter(inst rdf.Term, scope rdf.Term, name string) int {
	v, err := e.vars.Get(inst.(rdf.IRI), name, []rdf.Term{scope})
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v.Value)
	return n
}
