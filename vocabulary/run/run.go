// Package run defines the IRIs for engine runtime state: process instances,
// tokens, variables, user tasks, audit events and timer jobs. Runtime state
// is partitioned across the inst, tasks, log and timers named graphs.
package run

// Base is the engine runtime namespace.
const Base = "http://semflow.c360.dev/"

// Named graph IRIs. Each graph serializes to its own snapshot file.
const (
	// GraphDefs holds deployed process definitions, immutable after deploy.
	GraphDefs = Base + "graph/defs"

	// GraphInst holds instance, token and variable state.
	GraphInst = Base + "graph/inst"

	// GraphTasks holds pending and completed user tasks.
	GraphTasks = Base + "graph/tasks"

	// GraphLog is the append-only audit log.
	GraphLog = Base + "graph/log"

	// GraphTimers holds persisted timer jobs and their lease state.
	GraphTimers = Base + "graph/timers"
)

// Identifier namespaces.
const (
	DefNS      = Base + "def/"
	InstanceNS = Base + "instance/"
	TokenNS    = Base + "token/"
	VariableNS = Base + "variable/"
	TaskNS     = Base + "task/"
	EventNS    = Base + "audit/"
	TimerNS    = Base + "timer/"

	// VarNS is the predicate namespace for direct variable triples on the
	// instance subject. Guard expressions lower to ASK patterns over it.
	VarNS = Base + "var/"
)

// RDF type IRI, shared by all graphs.
const RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

// Runtime classes.
const (
	ClassInstance = Base + "ns#ProcessInstance"
	ClassToken    = Base + "ns#Token"
	ClassVariable = Base + "ns#Variable"
	ClassUserTask = Base + "ns#UserTask"
	ClassEvent    = Base + "ns#AuditEvent"
	ClassTimerJob = Base + "ns#TimerJob"
)

// Instance predicates.
const (
	NS = Base + "ns#"

	Status            = NS + "status"
	ProcessDefinition = NS + "processDefinition"
	CreatedAt         = NS + "createdAt"
	UpdatedAt         = NS + "updatedAt"
	CompletedAt       = NS + "completedAt"
	ParentInstance    = NS + "parentInstance"
	ParentCallNode    = NS + "parentCallNode"
	HasToken          = NS + "hasToken"
	HasVariable       = NS + "hasVariable"
)

// Token predicates.
const (
	BelongsTo   = NS + "belongsTo"
	CurrentNode = NS + "currentNode"

	// ScopePath is the token's active subprocess stack, innermost last,
	// node IRIs joined by spaces. Empty means instance scope.
	ScopePath = NS + "scopePath"

	// LoopIndex is the 1-based multi-instance iteration of this token.
	LoopIndex = NS + "loopIndex"

	// WaitingOn records why a WAITING token is parked: userTask, message,
	// timer, child, callback or eventGateway.
	WaitingOn = NS + "waitingOn"

	// SubscriptionName is the message or signal name a parked token waits
	// for.
	SubscriptionName = NS + "subscriptionName"

	// SubscriptionKey is the correlation key of a message subscription.
	SubscriptionKey = NS + "subscriptionKey"

	// SubscriptionSeq orders competing subscriptions for FIFO delivery.
	SubscriptionSeq = NS + "subscriptionSeq"

	// GatewayToken groups one-shot subscriptions spawned by an
	// event-based gateway so the first to fire can cancel its siblings.
	GatewayToken = NS + "gatewayToken"

	// ChildInstance links a parked call-activity token to its child.
	ChildInstance = NS + "childInstance"

	// CallbackID resumes a token parked on an async handler.
	CallbackID = NS + "callbackID"

	// Watcher marks passive subscription tokens: boundary event arms, event
	// subprocess starts and event gateway arms. Watchers never block scope
	// or instance completion.
	Watcher = NS + "watcher"
)

// Error detail predicates set on instances in ERROR status.
const (
	ErrCode    = NS + "errorCode"
	ErrMessage = NS + "errorMessage"
)

// Compensable records completed activities eligible for compensation, in
// completion order on the instance subject.
const Compensable = NS + "compensable"

// Variable predicates.
const (
	VarName  = NS + "varName"
	VarValue = NS + "varValue"

	// VarScope is the owning scope: the instance IRI for instance scope,
	// a subprocess node IRI for scoped subprocesses, or a token IRI for
	// multi-instance locals.
	VarScope = NS + "varScope"
)

// User task predicates.
const (
	TaskInstance = NS + "taskInstance"
	TaskNode     = NS + "taskNode"
	TaskToken    = NS + "taskToken"
	TaskStatus   = NS + "taskStatus"
	TaskAssignee = NS + "taskAssignee"
	ClaimedAt    = NS + "claimedAt"
	TaskDone     = NS + "taskCompletedAt"
)

// Audit predicates.
const (
	LogInstance = NS + "logInstance"
	LogNode     = NS + "logNode"
	EventType   = NS + "eventType"
	Timestamp   = NS + "timestamp"
	Actor       = NS + "actor"
	Details     = NS + "details"

	// LogSeq is a per-instance monotonic sequence number, disambiguating
	// events that share a timestamp.
	LogSeq = NS + "logSeq"
)

// Timer predicates.
const (
	TimerInstance = NS + "timerInstance"
	TimerToken    = NS + "timerToken"
	TimerNode     = NS + "timerNode"
	DueAt         = NS + "dueAt"
	LeaseHolder   = NS + "leaseHolder"
	LeaseExpires  = NS + "leaseExpiresAt"
	Attempts      = NS + "attempts"
	TimerStatus   = NS + "timerStatus"

	// TimerKind is boundary, catch or eventStart.
	TimerKind = NS + "timerKind"
)

// Instance status values. Status is monotone except WAITING and RUNNING,
// which alternate as tokens park and resume.
const (
	InstCreated    = "CREATED"
	InstRunning    = "RUNNING"
	InstWaiting    = "WAITING"
	InstCompleted  = "COMPLETED"
	InstTerminated = "TERMINATED"
	InstError      = "ERROR"
	InstCancelled  = "CANCELLED"
)

// Token status values.
const (
	TokenActive   = "ACTIVE"
	TokenWaiting  = "WAITING"
	TokenConsumed = "CONSUMED"
)

// User task status values.
const (
	TaskCreated   = "CREATED"
	TaskClaimed   = "CLAIMED"
	TaskCompleted = "COMPLETED"
	TaskCancelled = "CANCELLED"
)

// Timer job status values.
const (
	TimerDuePending = "DUE_PENDING"
	TimerLeased     = "LEASED"
	TimerFired      = "FIRED"
	TimerCancelled  = "CANCELLED"
)

// Wait reasons recorded under WaitingOn.
const (
	WaitUserTask     = "userTask"
	WaitMessage      = "message"
	WaitSignal       = "signal"
	WaitTimer        = "timer"
	WaitChild        = "child"
	WaitCallback     = "callback"
	WaitEventGateway = "eventGateway"
	WaitCondition    = "condition"
	WaitJoin         = "join"
	WaitLoop         = "multiInstance"
	WaitScope        = "scope"
)

// XSD datatype IRIs used for typed variable literals.
const (
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	XSDDecimal  = "http://www.w3.org/2001/XMLSchema#decimal"
	XSDBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)
