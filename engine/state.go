package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// token is the in-memory view of one token triple cluster.
type token struct {
	iri       rdf.IRI
	node      rdf.Term
	status    string
	waitingOn string
	scope     []rdf.Term
	watcher   bool
	loopIndex int
	group     rdf.Term
}

func encodeScope(scope []rdf.Term) string {
	if len(scope) == 0 {
		return ""
	}
	parts := make([]string, len(scope))
	for i, s := range scope {
		parts[i] = store.Text(s)
	}
	return strings.Join(parts, " ")
}

func decodeScope(encoded string) []rdf.Term {
	if encoded == "" {
		return nil
	}
	parts := strings.Fields(encoded)
	out := make([]rdf.Term, len(parts))
	for i, p := range parts {
		out[i] = store.IRI(p)
	}
	return out
}

func scopeContains(scope []rdf.Term, node rdf.Term) bool {
	for _, s := range scope {
		if store.TermsEqual(s, node) {
			return true
		}
	}
	return false
}

func (e *Engine) newInstance(def rdf.Term, parent, parentCallNode rdf.Term) rdf.IRI {
	inst := store.IRI(run.InstanceNS + uuid.NewString())
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: inst, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassInstance)},
			rdf.Triple{Subj: inst, Pred: store.IRI(run.ProcessDefinition), Obj: def.(rdf.Object)},
			rdf.Triple{Subj: inst, Pred: store.IRI(run.Status), Obj: store.Lit(run.InstCreated)},
			rdf.Triple{Subj: inst, Pred: store.IRI(run.CreatedAt), Obj: store.TimeLit(time.Now())},
			rdf.Triple{Subj: inst, Pred: store.IRI(run.UpdatedAt), Obj: store.TimeLit(time.Now())},
		)
		if parent != nil {
			tx.Add(
				rdf.Triple{Subj: inst, Pred: store.IRI(run.ParentInstance), Obj: parent.(rdf.Object)},
				rdf.Triple{Subj: inst, Pred: store.IRI(run.ParentCallNode), Obj: parentCallNode.(rdf.Object)},
			)
		}
		return nil
	})
	return inst
}

func (e *Engine) instanceStatus(inst rdf.Term) string {
	return store.Text(e.inst.Value(inst, store.IRI(run.Status)))
}

func (e *Engine) setInstanceStatus(inst rdf.Term, status string) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(inst.(rdf.Subject), store.IRI(run.Status), store.Lit(status))
		tx.Set(inst.(rdf.Subject), store.IRI(run.UpdatedAt), store.TimeLit(time.Now()))
		if isTerminal(status) {
			tx.Set(inst.(rdf.Subject), store.IRI(run.CompletedAt), store.TimeLit(time.Now()))
		}
		return nil
	})
	e.publishInstance(inst, status)
}

func isTerminal(status string) bool {
	switch status {
	case run.InstCompleted, run.InstTerminated, run.InstError, run.InstCancelled:
		return true
	}
	return false
}

// spawnToken creates an ACTIVE token at node.
func (e *Engine) spawnToken(inst rdf.Term, node rdf.Term, scope []rdf.Term) rdf.IRI {
	tok := store.IRI(run.TokenNS + uuid.NewString())
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: tok, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassToken)},
			rdf.Triple{Subj: tok, Pred: store.IRI(run.BelongsTo), Obj: inst.(rdf.Object)},
			rdf.Triple{Subj: tok, Pred: store.IRI(run.CurrentNode), Obj: node.(rdf.Object)},
			rdf.Triple{Subj: tok, Pred: store.IRI(run.Status), Obj: store.Lit(run.TokenActive)},
			rdf.Triple{Subj: inst.(rdf.Subject), Pred: store.IRI(run.HasToken), Obj: tok},
		)
		if len(scope) > 0 {
			tx.Add(rdf.Triple{Subj: tok, Pred: store.IRI(run.ScopePath), Obj: store.Lit(encodeScope(scope))})
		}
		return nil
	})
	return tok
}

func (e *Engine) loadToken(tok rdf.Term) token {
	t := token{
		iri:       tok.(rdf.IRI),
		node:      e.inst.Value(tok, store.IRI(run.CurrentNode)),
		status:    store.Text(e.inst.Value(tok, store.IRI(run.Status))),
		waitingOn: store.Text(e.inst.Value(tok, store.IRI(run.WaitingOn))),
		scope:     decodeScope(store.Text(e.inst.Value(tok, store.IRI(run.ScopePath)))),
		watcher:   store.Text(e.inst.Value(tok, store.IRI(run.Watcher))) == "true",
		loopIndex: store.TextInt(e.inst.Value(tok, store.IRI(run.LoopIndex)), 0),
		group:     e.inst.Value(tok, store.IRI(run.GatewayToken)),
	}
	return t
}

func (e *Engine) tokenInstance(tok rdf.Term) rdf.Term {
	return e.inst.Value(tok, store.IRI(run.BelongsTo))
}

// moveToken repoints a token at node and optionally rewrites its scope path.
func (e *Engine) moveToken(tok rdf.Term, node rdf.Term, scope []rdf.Term) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(tok.(rdf.Subject), store.IRI(run.CurrentNode), node.(rdf.Object))
		tx.Remove(tok, store.IRI(run.ScopePath), nil)
		if len(scope) > 0 {
			tx.Add(rdf.Triple{Subj: tok.(rdf.Subject), Pred: store.IRI(run.ScopePath), Obj: store.Lit(encodeScope(scope))})
		}
		return nil
	})
}

// parkToken flips a token to WAITING and records why plus any subscription
// attributes.
func (e *Engine) parkToken(tok rdf.Term, reason string, attrs map[string]rdf.Object) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(tok.(rdf.Subject), store.IRI(run.Status), store.Lit(run.TokenWaiting))
		tx.Set(tok.(rdf.Subject), store.IRI(run.WaitingOn), store.Lit(reason))
		for pred, obj := range attrs {
			tx.Set(tok.(rdf.Subject), store.IRI(pred), obj)
		}
		return nil
	})
}

// resumeToken flips a waiting token back to ACTIVE and clears its
// subscription attributes.
func (e *Engine) resumeToken(tok rdf.Term) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(tok.(rdf.Subject), store.IRI(run.Status), store.Lit(run.TokenActive))
		for _, pred := range []string{
			run.WaitingOn, run.SubscriptionName, run.SubscriptionKey,
			run.SubscriptionSeq, run.CallbackID, run.Watcher,
		} {
			tx.Remove(tok, store.IRI(pred), nil)
		}
		return nil
	})
}

// consumeToken retires a token. Its triples stay for the audit trail.
func (e *Engine) consumeToken(tok rdf.Term) {
	_ = e.inst.Update(func(tx *store.Tx) error {
		tx.Set(tok.(rdf.Subject), store.IRI(run.Status), store.Lit(run.TokenConsumed))
		for _, pred := range []string{
			run.WaitingOn, run.SubscriptionName, run.SubscriptionKey,
			run.SubscriptionSeq, run.CallbackID, run.GatewayToken,
		} {
			tx.Remove(tok, store.IRI(pred), nil)
		}
		return nil
	})
}

func (e *Engine) tokensOf(inst rdf.Term) []rdf.Term {
	return e.inst.Objects(inst, store.IRI(run.HasToken))
}

// activeTokens returns the instance's ACTIVE tokens in creation order.
func (e *Engine) activeTokens(inst rdf.Term) []rdf.Term {
	var out []rdf.Term
	for _, tok := range e.tokensOf(inst) {
		if store.Text(e.inst.Value(tok, store.IRI(run.Status))) == run.TokenActive {
			out = append(out, tok)
		}
	}
	return out
}

// liveTokens returns ACTIVE and WAITING tokens. Watchers are excluded unless
// includeWatchers is set; they never count toward scope or instance
// liveness.
func (e *Engine) liveTokens(inst rdf.Term, includeWatchers bool) []token {
	var out []token
	for _, tok := range e.tokensOf(inst) {
		t := e.loadToken(tok)
		if t.status != run.TokenActive && t.status != run.TokenWaiting {
			continue
		}
		if t.watcher && !includeWatchers {
			continue
		}
		out = append(out, t)
	}
	return out
}

// scopeAlive reports whether any live non-watcher token remains inside the
// scope, other than the excluded token.
func (e *Engine) scopeAlive(inst rdf.Term, scopeNode rdf.Term, exclude rdf.Term) bool {
	for _, t := range e.liveTokens(inst, false) {
		if exclude != nil && store.TermsEqual(t.iri, exclude) {
			continue
		}
		if scopeContains(t.scope, scopeNode) {
			return true
		}
	}
	return false
}

// cancelScopeTokens consumes every live token inside the scope, watchers
// included, and tears down their side state.
func (e *Engine) cancelScopeTokens(inst rdf.Term, scopeNode rdf.Term, exclude rdf.Term) {
	for _, t := range e.liveTokens(inst, true) {
		if exclude != nil && store.TermsEqual(t.iri, exclude) {
			continue
		}
		if scopeNode != nil && !scopeContains(t.scope, scopeNode) && !store.TermsEqual(t.node, scopeNode) {
			continue
		}
		e.cancelTokenTree(inst, t)
	}
}

// cancelTokenTree consumes one token and everything hanging off it: pending
// timers, open user tasks, child instances and grouped watchers.
func (e *Engine) cancelTokenTree(inst rdf.Term, t token) {
	if child := e.inst.Value(t.iri, store.IRI(run.ChildInstance)); child != nil {
		e.notifyLater(func() { _ = e.cancelInstanceTree(child, run.InstTerminated) })
	}
	_, _ = e.timer.CancelToken(t.iri)
	e.cancelTasksFor(t.iri)
	e.cancelGroup(inst, t.iri)
	e.consumeToken(t.iri)
}

// cancelGroup consumes watcher tokens grouped under a host or gateway token.
func (e *Engine) cancelGroup(inst rdf.Term, group rdf.Term) {
	for _, tok := range e.inst.Subjects(store.IRI(run.GatewayToken), group) {
		t := e.loadToken(tok)
		if t.status == run.TokenConsumed {
			continue
		}
		_, _ = e.timer.CancelToken(t.iri)
		e.consumeToken(t.iri)
	}
}
