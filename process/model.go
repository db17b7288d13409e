package process

import (
	"fmt"
	"strings"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Model is the executor's read view of one deployed definition. All methods
// query the defs graph directly; nothing is cached, so readers always see the
// deployed subgraph as written.
type Model struct {
	defs *store.Graph
	id   string
	def  rdf.IRI
}

// Load resolves a deployed definition by id.
func Load(defs *store.Graph, id string) (*Model, error) {
	def := DefinitionIRI(id)
	if !defs.Has(def, store.IRI(run.RDFType), store.IRI(bpmn.Process)) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Model{defs: defs, id: id, def: def}, nil
}

// ID returns the definition id.
func (m *Model) ID() string { return m.id }

// IRI returns the definition IRI.
func (m *Model) IRI() rdf.IRI { return m.def }

// Name returns the definition name.
func (m *Model) Name() string {
	return store.Text(m.defs.Value(m.def, store.IRI(bpmn.Name)))
}

// Version returns the deploy-time version.
func (m *Model) Version() int {
	return store.TextInt(m.defs.Value(m.def, store.IRI(bpmn.Version)), 1)
}

// Retired reports whether new instances are rejected.
func (m *Model) Retired() bool {
	return store.Text(m.defs.Value(m.def, store.IRI(bpmn.Status))) == bpmn.StatusRetired
}

// Node returns the IRI of a node by its payload id.
func (m *Model) Node(id string) rdf.IRI {
	return ElementIRI(m.id, id)
}

// NodeID strips the definition prefix from an element IRI.
func (m *Model) NodeID(node rdf.Term) string {
	return strings.TrimPrefix(store.Text(node), run.DefNS+m.id+"/")
}

// Kind returns the payload kind of a node, or "" for non-node elements.
func (m *Model) Kind(node rdf.Term) string {
	class := store.Text(m.defs.Value(node, store.IRI(run.RDFType)))
	return classKinds[class]
}

// NodeName returns the human-readable element name.
func (m *Model) NodeName(node rdf.Term) string {
	return store.Text(m.defs.Value(node, store.IRI(bpmn.Name)))
}

// EventKind returns the event definition of an event node, "none" when the
// node carries no event definition.
func (m *Model) EventKind(node rdf.Term) string {
	kind := store.Text(m.defs.Value(node, store.IRI(bpmn.EventDefinition)))
	if kind == "" {
		return "none"
	}
	return kind
}

func (m *Model) attr(node rdf.Term, pred string) string {
	return store.Text(m.defs.Value(node, store.IRI(pred)))
}

// Topic returns the handler topic of a service or send task.
func (m *Model) Topic(node rdf.Term) string { return m.attr(node, bpmn.Topic) }

// Condition returns the expression of a conditional event node.
func (m *Model) Condition(node rdf.Term) string { return m.attr(node, bpmn.ConditionBody) }

// Script returns the script body and format of a script task.
func (m *Model) Script(node rdf.Term) (body, format string) {
	return m.attr(node, bpmn.Script), m.attr(node, bpmn.ScriptFormat)
}

// Assignee returns the initial assignee of a user task.
func (m *Model) Assignee(node rdf.Term) string { return m.attr(node, bpmn.Assignee) }

// CalledElement returns the definition id a call activity instantiates.
func (m *Model) CalledElement(node rdf.Term) string { return m.attr(node, bpmn.CalledElement) }

// MessageRef returns the message declaration id of an event or task.
func (m *Model) MessageRef(node rdf.Term) string { return m.attr(node, bpmn.MessageRef) }

// SignalRef returns the signal declaration id of an event.
func (m *Model) SignalRef(node rdf.Term) string { return m.attr(node, bpmn.SignalRef) }

// ErrorRef returns the error declaration id of an event.
func (m *Model) ErrorRef(node rdf.Term) string { return m.attr(node, bpmn.ErrorRef) }

// TimerSpec returns the timer duration and date attributes of a timer event.
func (m *Model) TimerSpec(node rdf.Term) (duration, date string) {
	return m.attr(node, bpmn.TimerDuration), m.attr(node, bpmn.TimerDate)
}

// InVariables lists variables copied into a called child instance. An empty
// list means copy everything.
func (m *Model) InVariables(node rdf.Term) []string {
	return m.attrs(node, bpmn.InVariable)
}

// OutVariables lists variables copied back from a completed child.
func (m *Model) OutVariables(node rdf.Term) []string {
	return m.attrs(node, bpmn.OutVariable)
}

func (m *Model) attrs(node rdf.Term, pred string) []string {
	var out []string
	for _, o := range m.defs.Objects(node, store.IRI(pred)) {
		out = append(out, store.Text(o))
	}
	return out
}

// CompensationHandler returns the handler node of an activity, or nil.
func (m *Model) CompensationHandler(node rdf.Term) rdf.Term {
	return m.defs.Value(node, store.IRI(bpmn.CompensationHandler))
}

// FlowRef is one outgoing sequence flow, in definition order.
type FlowRef struct {
	IRI       rdf.Term
	Target    rdf.Term
	Condition string
	Default   bool
}

// OutgoingFlows returns a node's outgoing flows in the order the payload
// declared them.
func (m *Model) OutgoingFlows(node rdf.Term) []FlowRef {
	def := m.defs.Value(node, store.IRI(bpmn.Default))
	var out []FlowRef
	for _, flow := range m.defs.Objects(node, store.IRI(bpmn.Outgoing)) {
		out = append(out, FlowRef{
			IRI:       flow,
			Target:    m.defs.Value(flow, store.IRI(bpmn.TargetRef)),
			Condition: store.Text(m.defs.Value(flow, store.IRI(bpmn.ConditionBody))),
			Default:   store.TermsEqual(flow, def),
		})
	}
	return out
}

// IncomingFlows returns a node's incoming sequence flows.
func (m *Model) IncomingFlows(node rdf.Term) []rdf.Term {
	return m.defs.Objects(node, store.IRI(bpmn.Incoming))
}

// FlowSource returns the source node of a sequence flow.
func (m *Model) FlowSource(flow rdf.Term) rdf.Term {
	return m.defs.Value(flow, store.IRI(bpmn.SourceRef))
}

// FlowTarget returns the target node of a sequence flow.
func (m *Model) FlowTarget(flow rdf.Term) rdf.Term {
	return m.defs.Value(flow, store.IRI(bpmn.TargetRef))
}

// Parent returns the containing subprocess node, or nil at top level.
func (m *Model) Parent(node rdf.Term) rdf.Term {
	return m.defs.Value(node, store.IRI(bpmn.ParentScope))
}

// ScopeNodes returns the nodes directly contained in a scope. A nil scope
// selects top-level nodes.
func (m *Model) ScopeNodes(scope rdf.Term) []rdf.Term {
	if scope != nil {
		return m.defs.Subjects(store.IRI(bpmn.ParentScope), scope)
	}
	var out []rdf.Term
	for _, n := range m.defs.Subjects(store.IRI(bpmn.BelongsToProcess), m.def) {
		if m.Kind(n) == "" {
			continue
		}
		if m.defs.Value(n, store.IRI(bpmn.ParentScope)) == nil {
			out = append(out, n)
		}
	}
	return out
}

// ScopeStart returns the start event of a subprocess scope.
func (m *Model) ScopeStart(scope rdf.Term) (rdf.Term, bool) {
	for _, n := range m.ScopeNodes(scope) {
		if m.Kind(n) == "startEvent" {
			return n, true
		}
	}
	return nil, false
}

// StartEvents returns all top-level start events in definition order.
func (m *Model) StartEvents() []rdf.Term {
	var out []rdf.Term
	for _, n := range m.ScopeNodes(nil) {
		if m.Kind(n) == "startEvent" && !m.TriggeredByEvent(n) {
			out = append(out, n)
		}
	}
	return out
}

// NoneStart returns the definition's plain start event, the entry point of
// startInstance.
func (m *Model) NoneStart() (rdf.Term, bool) {
	for _, n := range m.StartEvents() {
		if m.EventKind(n) == "none" {
			return n, true
		}
	}
	return nil, false
}

// BoundaryEvents returns the boundary events attached to a host activity.
func (m *Model) BoundaryEvents(host rdf.Term) []rdf.Term {
	return m.defs.Subjects(store.IRI(bpmn.AttachedTo), host)
}

// Interrupting reports whether a boundary event cancels its host on firing.
func (m *Model) Interrupting(boundary rdf.Term) bool {
	v := m.defs.Value(boundary, store.IRI(bpmn.CancelActivity))
	return v == nil || store.Text(v) == "true"
}

// TriggeredByEvent reports whether a subprocess is an event subprocess.
func (m *Model) TriggeredByEvent(node rdf.Term) bool {
	return store.Text(m.defs.Value(node, store.IRI(bpmn.TriggeredByEvent))) == "true"
}

// EventSubprocesses returns the event subprocesses declared in a scope. A nil
// scope selects the top level.
func (m *Model) EventSubprocesses(scope rdf.Term) []rdf.Term {
	var out []rdf.Term
	for _, n := range m.ScopeNodes(scope) {
		if m.Kind(n) == "subProcess" && m.TriggeredByEvent(n) {
			out = append(out, n)
		}
	}
	return out
}

// LoopInfo is the multi-instance declaration of an activity.
type LoopInfo struct {
	Cardinality         string
	Sequential          bool
	CompletionCondition string
}

// Loop returns a node's multi-instance declaration, if any.
func (m *Model) Loop(node rdf.Term) (LoopInfo, bool) {
	loop := m.defs.Value(node, store.IRI(bpmn.LoopCharacteristics))
	if loop == nil {
		return LoopInfo{}, false
	}
	return LoopInfo{
		Cardinality:         store.Text(m.defs.Value(loop, store.IRI(bpmn.LoopCardinality))),
		Sequential:          store.Text(m.defs.Value(loop, store.IRI(bpmn.IsSequential))) == "true",
		CompletionCondition: store.Text(m.defs.Value(loop, store.IRI(bpmn.CompletionCondition))),
	}, true
}

// ListenerRef is one declared listener on a node or flow.
type ListenerRef struct {
	Event      string
	Expression string
	Class      string
	Delegate   string
}

// Listeners returns the listeners declared on an element for a lifecycle
// event, in declaration order.
func (m *Model) Listeners(el rdf.Term, event string) []ListenerRef {
	var out []ListenerRef
	for _, lis := range m.defs.Objects(el, store.IRI(bpmn.HasListener)) {
		if store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerEvent))) != event {
			continue
		}
		out = append(out, ListenerRef{
			Event:      event,
			Expression: store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerExpression))),
			Class:      store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerClass))),
			Delegate:   store.Text(m.defs.Value(lis, store.IRI(bpmn.ListenerDelegate))),
		})
	}
	return out
}

// MessageName resolves a message declaration id to its declared name. The id
// itself is returned when no declaration exists, so payloads may reference
// messages by name directly.
func (m *Model) MessageName(ref string) string {
	if ref == "" {
		return ""
	}
	decl := ElementIRI(m.id, ref)
	if name := store.Text(m.defs.Value(decl, store.IRI(bpmn.Name))); name != "" {
		return name
	}
	return ref
}

// SignalName resolves a signal declaration id like MessageName.
func (m *Model) SignalName(ref string) string {
	if ref == "" {
		return ""
	}
	decl := ElementIRI(m.id, ref)
	if name := store.Text(m.defs.Value(decl, store.IRI(bpmn.Name))); name != "" {
		return name
	}
	return ref
}

// ErrorCode resolves an error declaration id to its code. Unknown refs
// resolve to themselves so undeclared codes still match boundary catches.
func (m *Model) ErrorCode(ref string) string {
	if ref == "" {
		return ""
	}
	decl := ElementIRI(m.id, ref)
	if code := store.Text(m.defs.Value(decl, store.IRI(bpmn.ErrorCode))); code != "" {
		return code
	}
	return ref
}

// ActiveDefinitions lists the ids of all non-retired definitions.
func ActiveDefinitions(defs *store.Graph) []string {
	var out []string
	for _, def := range defs.Subjects(store.IRI(run.RDFType), store.IRI(bpmn.Process)) {
		if store.Text(defs.Value(def, store.IRI(bpmn.Status))) == bpmn.StatusRetired {
			continue
		}
		out = append(out, strings.TrimPrefix(store.Text(def), run.DefNS))
	}
	return out
}

// Definitions lists every deployed definition id, retired included.
func Definitions(defs *store.Graph) []string {
	var out []string
	for _, def := range defs.Subjects(store.IRI(run.RDFType), store.IRI(bpmn.Process)) {
		out = append(out, strings.TrimPrefix(store.Text(def), run.DefNS))
	}
	return out
}
