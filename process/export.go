package process

import (
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Export rebuilds the canonical payload from a deployed subgraph. The result
// is semantically equal to the deployed payload: element order follows deploy
// order, defaults are materialized.
func Export(defs *store.Graph, id string) (*Payload, error) {
	m, err := Load(defs, id)
	if err != nil {
		return nil, err
	}
	p := &Payload{
		ID:      id,
		Name:    m.Name(),
		Version: m.Version(),
		Diagram: store.Text(defs.Value(m.def, store.IRI(bpmn.Diagram))),
	}
	for _, el := range defs.Subjects(store.IRI(bpmn.BelongsToProcess), m.def) {
		class := store.Text(defs.Value(el, store.IRI(run.RDFType)))
		switch class {
		case bpmn.SequenceFlow:
			p.Flows = append(p.Flows, exportFlow(m, el))
		case bpmn.Message:
			p.Messages = append(p.Messages, MessageDecl{
				ID:   m.NodeID(el),
				Name: m.NodeName(el),
			})
		case bpmn.Signal:
			p.Signals = append(p.Signals, SignalDecl{
				ID:   m.NodeID(el),
				Name: m.NodeName(el),
			})
		case bpmn.Error:
			p.Errors = append(p.Errors, ErrorDecl{
				ID:   m.NodeID(el),
				Name: m.NodeName(el),
				Code: store.Text(defs.Value(el, store.IRI(bpmn.ErrorCode))),
			})
		default:
			if kind := classKinds[class]; kind != "" {
				p.Nodes = append(p.Nodes, exportNode(m, el, kind))
			}
		}
	}
	return p, nil
}

func exportNode(m *Model, el rdf.Term, kind string) Node {
	n := Node{
		ID:           m.NodeID(el),
		Kind:         kind,
		Name:         m.NodeName(el),
		Topic:        m.Topic(el),
		Assignee:     m.Assignee(el),
		MessageRef:   m.MessageRef(el),
		SignalRef:    m.SignalRef(el),
		ErrorRef:     m.ErrorRef(el),
		InVariables:  m.InVariables(el),
		OutVariables: m.OutVariables(el),
	}
	n.Script, n.ScriptFormat = m.Script(el)
	n.TimerDuration, n.TimerDate = m.TimerSpec(el)
	if parent := m.Parent(el); parent != nil {
		n.Parent = m.NodeID(parent)
	}
	if ek := m.EventKind(el); ek != "none" {
		n.EventKind = ek
	}
	n.Condition = m.Condition(el)
	if attached := m.defs.Value(el, store.IRI(bpmn.AttachedTo)); attached != nil {
		n.AttachedTo = m.NodeID(attached)
	}
	if m.defs.Value(el, store.IRI(bpmn.CancelActivity)) != nil {
		cancel := m.Interrupting(el)
		n.CancelActivity = &cancel
	}
	if m.TriggeredByEvent(el) {
		n.TriggeredByEvent = true
	}
	if kind == "callActivity" {
		n.CalledElement = m.CalledElement(el)
	}
	if handler := m.CompensationHandler(el); handler != nil {
		n.CompensationHandler = m.NodeID(handler)
	}
	if loop, ok := m.Loop(el); ok {
		n.Loop = &Loop{
			Cardinality:         loop.Cardinality,
			Sequential:          loop.Sequential,
			CompletionCondition: loop.CompletionCondition,
		}
	}
	n.Listeners = exportListeners(m, el)
	return n
}

func exportFlow(m *Model, el rdf.Term) Flow {
	source := m.FlowSource(el)
	f := Flow{
		ID:        m.NodeID(el),
		Source:    m.NodeID(source),
		Target:    m.NodeID(m.FlowTarget(el)),
		Condition: store.Text(m.defs.Value(el, store.IRI(bpmn.ConditionBody))),
		Default:   store.TermsEqual(m.defs.Value(source, store.IRI(bpmn.Default)), el),
	}
	f.Listeners = exportListeners(m, el)
	return f
}

func exportListeners(m *Model, el rdf.Term) []Listener {
	var out []Listener
	for _, lis := range m.defs.Objects(el, store.IRI(bpmn.HasListener)) {
		out = append(out, Listener{
			Event:      store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerEvent))),
			Expression: store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerExpression))),
			Class:      store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerClass))),
			Delegate:   store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerDelegate))),
		})
	}
	return out
}
