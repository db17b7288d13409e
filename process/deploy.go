package process

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// DefinitionIRI returns the IRI of a deployed definition.
func DefinitionIRI(id string) rdf.IRI {
	return store.IRI(run.DefNS + id)
}

// ElementIRI returns the IRI of a definition-scoped element.
func ElementIRI(defID, elementID string) rdf.IRI {
	return store.IRI(run.DefNS + defID + "/" + elementID)
}

// Deploy validates the payload and writes its subgraph into the defs graph.
// The subgraph is immutable afterwards. Returns the definition id.
func Deploy(defs *store.Graph, p *Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	defIRI := DefinitionIRI(id)
	if defs.Has(defIRI, store.IRI(run.RDFType), nil) {
		return "", fmt.Errorf("%w: definition %q already deployed", ErrBadDefinition, id)
	}
	version := p.Version
	if version == 0 {
		version = 1
	}

	err := defs.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: defIRI, Pred: store.IRI(run.RDFType), Obj: store.IRI(bpmn.Process)},
			rdf.Triple{Subj: defIRI, Pred: store.IRI(bpmn.Name), Obj: store.Lit(p.Name)},
			rdf.Triple{Subj: defIRI, Pred: store.IRI(bpmn.Version), Obj: store.IntLit(version)},
			rdf.Triple{Subj: defIRI, Pred: store.IRI(bpmn.Status), Obj: store.Lit(bpmn.StatusActive)},
			rdf.Triple{Subj: defIRI, Pred: store.IRI(bpmn.DeployedAt), Obj: store.TimeLit(time.Now())},
		)
		if p.Diagram != "" {
			tx.Add(rdf.Triple{Subj: defIRI, Pred: store.IRI(bpmn.Diagram), Obj: store.Lit(p.Diagram)})
		}
		for i := range p.Nodes {
			deployNode(tx, id, defIRI, &p.Nodes[i])
		}
		for i := range p.Flows {
			deployFlow(tx, id, defIRI, &p.Flows[i])
		}
		for _, m := range p.Messages {
			el := ElementIRI(id, m.ID)
			tx.Add(
				rdf.Triple{Subj: el, Pred: store.IRI(run.RDFType), Obj: store.IRI(bpmn.Message)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.Name), Obj: store.Lit(m.Name)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.BelongsToProcess), Obj: defIRI},
			)
		}
		for _, sig := range p.Signals {
			el := ElementIRI(id, sig.ID)
			tx.Add(
				rdf.Triple{Subj: el, Pred: store.IRI(run.RDFType), Obj: store.IRI(bpmn.Signal)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.Name), Obj: store.Lit(sig.Name)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.BelongsToProcess), Obj: defIRI},
			)
		}
		for _, e := range p.Errors {
			el := ElementIRI(id, e.ID)
			tx.Add(
				rdf.Triple{Subj: el, Pred: store.IRI(run.RDFType), Obj: store.IRI(bpmn.Error)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.Name), Obj: store.Lit(e.Name)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.ErrorCode), Obj: store.Lit(e.Code)},
				rdf.Triple{Subj: el, Pred: store.IRI(bpmn.BelongsToProcess), Obj: defIRI},
			)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func deployNode(tx *store.Tx, defID string, defIRI rdf.IRI, n *Node) {
	el := ElementIRI(defID, n.ID)
	add := func(pred string, obj rdf.Object) {
		tx.Add(rdf.Triple{Subj: el, Pred: store.IRI(pred), Obj: obj})
	}
	add(run.RDFType, store.IRI(nodeClasses[n.Kind]))
	add(bpmn.BelongsToProcess, defIRI)
	if n.Name != "" {
		add(bpmn.Name, store.Lit(n.Name))
	}
	if n.Parent != "" {
		add(bpmn.ParentScope, ElementIRI(defID, n.Parent))
	}
	if n.Topic != "" {
		add(bpmn.Topic, store.Lit(n.Topic))
	}
	if n.Script != "" {
		add(bpmn.Script, store.Lit(n.Script))
	}
	if n.ScriptFormat != "" {
		add(bpmn.ScriptFormat, store.Lit(n.ScriptFormat))
	}
	if n.Assignee != "" {
		add(bpmn.Assignee, store.Lit(n.Assignee))
	}
	if n.EventKind != "" && n.EventKind != "none" {
		add(bpmn.EventDefinition, store.Lit(n.EventKind))
	}
	if n.Condition != "" {
		add(bpmn.ConditionBody, store.Lit(n.Condition))
	}
	if n.MessageRef != "" {
		add(bpmn.MessageRef, store.Lit(n.MessageRef))
	}
	if n.SignalRef != "" {
		add(bpmn.SignalRef, store.Lit(n.SignalRef))
	}
	if n.ErrorRef != "" {
		add(bpmn.ErrorRef, store.Lit(n.ErrorRef))
	}
	if n.TimerDuration != "" {
		add(bpmn.TimerDuration, store.Lit(n.TimerDuration))
	}
	if n.TimerDate != "" {
		add(bpmn.TimerDate, store.Lit(n.TimerDate))
	}
	if n.AttachedTo != "" {
		add(bpmn.AttachedTo, ElementIRI(defID, n.AttachedTo))
	}
	if n.AttachedTo != "" || n.CancelActivity != nil {
		// Boundary events and event subprocess starts interrupt unless
		// cancelActivity is false.
		cancel := n.CancelActivity == nil || *n.CancelActivity
		add(bpmn.CancelActivity, store.BoolLit(cancel))
	}
	if n.TriggeredByEvent {
		add(bpmn.TriggeredByEvent, store.BoolLit(true))
	}
	if n.CalledElement != "" {
		add(bpmn.CalledElement, store.Lit(n.CalledElement))
	}
	for _, v := range n.InVariables {
		add(bpmn.InVariable, store.Lit(v))
	}
	for _, v := range n.OutVariables {
		add(bpmn.OutVariable, store.Lit(v))
	}
	if n.CompensationHandler != "" {
		add(bpmn.CompensationHandler, ElementIRI(defID, n.CompensationHandler))
	}
	if n.Loop != nil {
		loop := store.IRI(el.String() + "/loop")
		add(bpmn.LoopCharacteristics, loop)
		tx.Add(
			rdf.Triple{Subj: loop, Pred: store.IRI(bpmn.LoopCardinality), Obj: store.Lit(n.Loop.Cardinality)},
			rdf.Triple{Subj: loop, Pred: store.IRI(bpmn.IsSequential), Obj: store.BoolLit(n.Loop.Sequential)},
		)
		if n.Loop.CompletionCondition != "" {
			tx.Add(rdf.Triple{Subj: loop, Pred: store.IRI(bpmn.CompletionCondition), Obj: store.Lit(n.Loop.CompletionCondition)})
		}
	}
	deployListeners(tx, el, n.Listeners, n.Kind == "userTask")
}

func deployFlow(tx *store.Tx, defID string, defIRI rdf.IRI, f *Flow) {
	el := ElementIRI(defID, f.ID)
	source := ElementIRI(defID, f.Source)
	target := ElementIRI(defID, f.Target)
	tx.Add(
		rdf.Triple{Subj: el, Pred: store.IRI(run.RDFType), Obj: store.IRI(bpmn.SequenceFlow)},
		rdf.Triple{Subj: el, Pred: store.IRI(bpmn.BelongsToProcess), Obj: defIRI},
		rdf.Triple{Subj: el, Pred: store.IRI(bpmn.SourceRef), Obj: source},
		rdf.Triple{Subj: el, Pred: store.IRI(bpmn.TargetRef), Obj: target},
		rdf.Triple{Subj: source, Pred: store.IRI(bpmn.Outgoing), Obj: el},
		rdf.Triple{Subj: target, Pred: store.IRI(bpmn.Incoming), Obj: el},
	)
	if f.Condition != "" {
		tx.Add(rdf.Triple{Subj: el, Pred: store.IRI(bpmn.ConditionBody), Obj: store.Lit(f.Condition)})
	}
	if f.Default {
		tx.Add(rdf.Triple{Subj: source, Pred: store.IRI(bpmn.Default), Obj: el})
	}
	deployListeners(tx, el, f.Listeners, false)
}

func deployListeners(tx *store.Tx, el rdf.IRI, listeners []Listener, taskListeners bool) {
	for i, l := range listeners {
		lis := store.IRI(el.String() + "/listener/" + strconv.Itoa(i))
		class := bpmn.ExecutionListener
		if taskListeners && isTaskListenerEvent(l.Event) {
			class = bpmn.TaskListener
		}
		tx.Add(
			rdf.Triple{Subj: el, Pred: store.IRI(bpmn.HasListener), Obj: lis},
			rdf.Triple{Subj: lis, Pred: store.IRI(run.RDFType), Obj: store.IRI(class)},
			rdf.Triple{Subj: lis, Pred: store.IRI(bpmn.ListenerEvent), Obj: store.Lit(l.Event)},
		)
		if l.Expression != "" {
			tx.Add(rdf.Triple{Subj: lis, Pred: store.IRI(bpmn.ListenerExpression), Obj: store.Lit(l.Expression)})
		}
		if l.Class != "" {
			tx.Add(rdf.Triple{Subj: lis, Pred: store.IRI(bpmn.ListenerClass), Obj: store.Lit(l.Class)})
		}
		if l.Delegate != "" {
			tx.Add(rdf.Triple{Subj: lis, Pred: store.IRI(bpmn.ListenerDelegate), Obj: store.Lit(l.Delegate)})
		}
	}
}

func isTaskListenerEvent(event string) bool {
	switch event {
	case "create", "assignment", "complete":
		return true
	}
	return false
}

// Retire flips a definition's status to retired; new instances are rejected
// afterwards. Retiring twice is a no-op.
func Retire(defs *store.Graph, id string) error {
	defIRI := DefinitionIRI(id)
	if !defs.Has(defIRI, store.IRI(run.RDFType), store.IRI(bpmn.Process)) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return defs.Update(func(tx *store.Tx) error {
		tx.Set(defIRI, store.IRI(bpmn.Status), store.Lit(bpmn.StatusRetired))
		return nil
	})
}
