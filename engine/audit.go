package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/graph"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Audit event types.
const (
	EvInstanceStarted    = "INSTANCE_STARTED"
	EvInstanceCompleted  = "INSTANCE_COMPLETED"
	EvInstanceTerminated = "INSTANCE_TERMINATED"
	EvInstanceCancelled  = "INSTANCE_CANCELLED"
	EvInstanceError      = "INSTANCE_ERROR"
	EvNodeEntered        = "NODE_ENTERED"
	EvNodeCompleted      = "NODE_COMPLETED"
	EvFlowTaken          = "FLOW_TAKEN"
	EvTaskCreated        = "TASK_CREATED"
	EvTaskClaimed        = "TASK_CLAIMED"
	EvTaskCompleted      = "TASK_COMPLETED"
	EvVariableSet        = "VARIABLE_SET"
	EvMessageReceived    = "MESSAGE_RECEIVED"
	EvSignalBroadcast    = "SIGNAL_BROADCAST"
	EvTimerScheduled     = "TIMER_SCHEDULED"
	EvTimerFired         = "TIMER_FIRED"
	EvErrorThrown        = "ERROR_THROWN"
	EvErrorCaught        = "ERROR_CAUGHT"
	EvCompensationRun    = "COMPENSATION_RUN"
	EvChildStarted       = "CHILD_STARTED"
	EvManualComplete     = "MANUAL_COMPLETE"
	EvListenerFailed     = "LISTENER_FAILED"
	EvUnsupported        = "UNSUPPORTED_ELEMENT"
)

// Event is one audit log entry.
type Event struct {
	ID       string    `json:"id"`
	Instance string    `json:"instance"`
	Node     string    `json:"node,omitempty"`
	Type     string    `json:"type"`
	Actor    string    `json:"actor,omitempty"`
	Details  string    `json:"details,omitempty"`
	Seq      int       `json:"seq"`
	At       time.Time `json:"at"`
}

// Auditor appends events to the log graph with a per-instance monotonic
// sequence and mirrors them to the knowledge graph.
type Auditor struct {
	log    *store.Graph
	mirror *graph.Publisher
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]int
}

// NewAuditor creates an auditor. The sequence counters resume from whatever
// the log graph already holds, so restored snapshots keep their ordering.
func NewAuditor(logGraph *store.Graph, mirror *graph.Publisher, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Auditor{log: logGraph, mirror: mirror, logger: logger, seq: make(map[string]int)}
	for _, t := range logGraph.Match(nil, store.IRI(run.LogInstance), nil) {
		inst := store.Text(t.Obj)
		seq := store.TextInt(logGraph.Value(t.Subj, store.IRI(run.LogSeq)), 0)
		if seq > a.seq[inst] {
			a.seq[inst] = seq
		}
	}
	return a
}

// Emit appends one event. Append failures cannot happen short of a panic;
// mirror failures are logged and swallowed.
func (a *Auditor) Emit(instance, node rdf.Term, eventType, actor, details string) {
	instText := store.Text(instance)
	a.mu.Lock()
	a.seq[instText]++
	seq := a.seq[instText]
	a.mu.Unlock()

	id := run.EventNS + uuid.NewString()
	subj := store.IRI(id)
	now := time.Now()
	_ = a.log.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: subj, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassEvent)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.LogInstance), Obj: instance.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.EventType), Obj: store.Lit(eventType)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.LogSeq), Obj: store.IntLit(seq)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.Timestamp), Obj: store.TimeLit(now)},
		)
		if node != nil {
			tx.Add(rdf.Triple{Subj: subj, Pred: store.IRI(run.LogNode), Obj: node.(rdf.Object)})
		}
		if actor != "" {
			tx.Add(rdf.Triple{Subj: subj, Pred: store.IRI(run.Actor), Obj: store.Lit(actor)})
		}
		if details != "" {
			tx.Add(rdf.Triple{Subj: subj, Pred: store.IRI(run.Details), Obj: store.Lit(details)})
		}
		return nil
	})

	if err := a.mirror.PublishAudit(context.Background(), graph.AuditEvent{
		Event:     id,
		Instance:  instText,
		Node:      store.Text(node),
		Type:      eventType,
		Actor:     actor,
		Details:   details,
		Seq:       seq,
		Timestamp: now,
	}); err != nil {
		a.logger.Warn("audit mirror publish failed", "instance", instText, "error", err)
	}
}

// Events returns an instance's audit trail ordered by sequence. Node ids are
// shortened to their element id, matching the task views.
func (a *Auditor) Events(instance rdf.Term) []Event {
	var out []Event
	for _, subj := range a.log.Subjects(store.IRI(run.LogInstance), instance) {
		ev := Event{
			ID:       store.Text(subj),
			Instance: instanceID(instance),
			Node:     shortNode(store.Text(a.log.Value(subj, store.IRI(run.LogNode)))),
			Type:     store.Text(a.log.Value(subj, store.IRI(run.EventType))),
			Actor:    store.Text(a.log.Value(subj, store.IRI(run.Actor))),
			Details:  store.Text(a.log.Value(subj, store.IRI(run.Details))),
			Seq:      store.TextInt(a.log.Value(subj, store.IRI(run.LogSeq)), 0),
		}
		if at, ok := store.TextTime(a.log.Value(subj, store.IRI(run.Timestamp))); ok {
			ev.At = at
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// shortNode strips the definition namespace and path from an element IRI.
func shortNode(iri string) string {
	s := trimPrefix(iri, run.DefNS)
	if i := lastSlash(s); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Types filters an instance's trail to the given event type, in order.
func (a *Auditor) Types(instance rdf.Term, eventType string) []Event {
	var out []Event
	for _, ev := range a.Events(instance) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
