package bpmn

// NS is the BPMN 2.0 ontology namespace.
const NS = "http://dkm.fbk.eu/index.php/BPMN2_Ontology#"

// Flow node and structural classes.
const (
	// Process is the class of a deployed process definition.
	Process = NS + "process"

	// StartEvent marks the entry point of a process or subprocess.
	StartEvent = NS + "startEvent"

	// EndEvent terminates a token. The eventDefinition predicate
	// distinguishes none/message/error/terminate/cancel/compensation ends.
	EndEvent = NS + "endEvent"

	// IntermediateThrowEvent dispatches an event and continues.
	IntermediateThrowEvent = NS + "intermediateThrowEvent"

	// IntermediateCatchEvent parks the token until its event fires.
	IntermediateCatchEvent = NS + "intermediateCatchEvent"

	// BoundaryEvent is attached to an activity border via attachedTo.
	BoundaryEvent = NS + "boundaryEvent"

	// ServiceTask invokes a topic handler.
	ServiceTask = NS + "serviceTask"

	// UserTask creates a work item and waits for external completion.
	UserTask = NS + "userTask"

	// SendTask dispatches a message (or invokes its topic handler).
	SendTask = NS + "sendTask"

	// ReceiveTask waits for a correlated message.
	ReceiveTask = NS + "receiveTask"

	// ScriptTask runs an embedded script when script execution is enabled.
	ScriptTask = NS + "scriptTask"

	// ManualTask is a pass-through activity performed outside the engine.
	ManualTask = NS + "manualTask"

	// ExclusiveGateway routes to the first outgoing flow whose guard holds.
	ExclusiveGateway = NS + "exclusiveGateway"

	// ParallelGateway forks one token per outgoing flow and joins by
	// consuming one token per incoming flow.
	ParallelGateway = NS + "parallelGateway"

	// InclusiveGateway takes every outgoing flow whose guard holds.
	InclusiveGateway = NS + "inclusiveGateway"

	// EventBasedGateway races its outgoing events; first to fire wins.
	EventBasedGateway = NS + "eventBasedGateway"

	// SubProcess is an embedded subprocess scope.
	SubProcess = NS + "subProcess"

	// Transaction is a subprocess scope that supports cancel end events
	// and compensation.
	Transaction = NS + "transaction"

	// CallActivity instantiates another process definition as a child.
	CallActivity = NS + "callActivity"

	// SequenceFlow connects two flow nodes.
	SequenceFlow = NS + "sequenceFlow"

	// Message declares a named message the process can send or receive.
	Message = NS + "message"

	// Signal declares a broadcast signal name.
	Signal = NS + "signal"

	// Error declares a named error with an error code.
	Error = NS + "error"

	// ExecutionListener is a listener attached to a node or flow.
	ExecutionListener = NS + "executionListener"

	// TaskListener is a listener attached to a user task.
	TaskListener = NS + "taskListener"
)
