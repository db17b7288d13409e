package bpmn

// Structural predicates.
const (
	// Name is the human-readable element name.
	Name = NS + "name"

	// Outgoing links a flow node to an outgoing sequence flow.
	Outgoing = NS + "outgoing"

	// Incoming links a flow node to an incoming sequence flow.
	Incoming = NS + "incoming"

	// SourceRef is the source node of a sequence flow.
	SourceRef = NS + "sourceRef"

	// TargetRef is the target node of a sequence flow.
	TargetRef = NS + "targetRef"

	// ConditionBody is the guard expression of a sequence flow.
	ConditionBody = NS + "conditionBody"

	// Default marks a gateway's default sequence flow.
	Default = NS + "default"

	// BelongsToProcess links every element to its process definition.
	BelongsToProcess = NS + "belongsToProcess"

	// ParentScope links a node to its containing subprocess, if any.
	ParentScope = NS + "parentScope"
)

// Activity predicates.
const (
	// Topic names the handler invoked by a service or send task.
	Topic = NS + "topic"

	// Script is the script body of a script task.
	Script = NS + "script"

	// ScriptFormat is the declared script language.
	ScriptFormat = NS + "scriptFormat"

	// Assignee is the initial assignee of a user task.
	Assignee = NS + "assignee"

	// CalledElement is the definition id instantiated by a call activity.
	CalledElement = NS + "calledElement"

	// InVariable lists variables copied into a called child instance.
	InVariable = NS + "inVariable"

	// OutVariable lists variables copied back from a completed child.
	OutVariable = NS + "outVariable"

	// CompensationHandler links an activity to its compensation activity.
	CompensationHandler = NS + "compensationHandler"
)

// Event predicates.
const (
	// EventDefinition is the event kind of an event node: none, message,
	// timer, signal, error, escalation, conditional, terminate, cancel or
	// compensation.
	EventDefinition = NS + "eventDefinition"

	// AttachedTo links a boundary event to its host activity.
	AttachedTo = NS + "attachedTo"

	// CancelActivity is true for interrupting boundary events.
	CancelActivity = NS + "cancelActivity"

	// TriggeredByEvent is true for event subprocesses.
	TriggeredByEvent = NS + "triggeredByEvent"

	// MessageRef links an event or task to a message declaration.
	MessageRef = NS + "messageRef"

	// SignalRef links an event to a signal declaration.
	SignalRef = NS + "signalRef"

	// ErrorRef links an event to an error declaration.
	ErrorRef = NS + "errorRef"

	// ErrorCode is the code carried by an error declaration.
	ErrorCode = NS + "errorCode"

	// TimerDuration is an ISO-8601 duration (PT...) for timer events.
	TimerDuration = NS + "timerDuration"

	// TimerDate is an RFC 3339 absolute due time for timer events.
	TimerDate = NS + "timerDate"
)

// Multi-instance predicates.
const (
	// LoopCharacteristics links an activity to its loop definition node.
	LoopCharacteristics = NS + "loopCharacteristics"

	// LoopCardinality is the iteration-count expression.
	LoopCardinality = NS + "loopCardinality"

	// IsSequential is true when iterations run one at a time.
	IsSequential = NS + "isSequential"

	// CompletionCondition is evaluated after each iteration completes.
	CompletionCondition = NS + "completionCondition"
)

// Listener predicates.
const (
	// HasListener links a node or flow to a listener declaration.
	HasListener = NS + "hasListener"

	// ListenerEvent is the lifecycle event the listener fires on:
	// start/end/take for execution listeners,
	// create/assignment/complete for task listeners.
	ListenerEvent = NS + "listenerEvent"

	// ListenerExpression names the registered topic handler to invoke.
	ListenerExpression = NS + "listenerExpression"

	// ListenerClass is stored verbatim; invoking classes is out of scope.
	ListenerClass = NS + "listenerClass"

	// ListenerDelegate is stored verbatim, like ListenerClass.
	ListenerDelegate = NS + "listenerDelegateExpression"
)

// Definition metadata predicates.
const (
	// Version is the deploy-time definition version.
	Version = NS + "version"

	// Status is the definition status: active or retired.
	Status = NS + "status"

	// DeployedAt is the RFC 3339 deployment timestamp.
	DeployedAt = NS + "deployedAt"

	// Diagram holds the original XML/layout payload as an opaque blob.
	Diagram = NS + "diagram"
)

// Definition status values.
const (
	StatusActive  = "active"
	StatusRetired = "retired"
)
