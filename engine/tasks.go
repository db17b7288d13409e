package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// TaskView is the external read model of one user task.
type TaskView struct {
	ID          string     `json:"id"`
	Instance    string     `json:"instance"`
	Node        string     `json:"node"`
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func taskIRI(id string) rdf.IRI { return store.IRI(run.TaskNS + id) }

func taskID(subj rdf.Term) string {
	text := store.Text(subj)
	if len(text) > len(run.TaskNS) {
		return text[len(run.TaskNS):]
	}
	return text
}

// createTask persists a user task bound to its waiting token.
func (e *Engine) createTask(inst rdf.Term, t token, assignee string) string {
	id := uuid.NewString()
	subj := taskIRI(id)
	_ = e.tasks.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: subj, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassUserTask)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TaskInstance), Obj: inst.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TaskNode), Obj: t.node.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TaskToken), Obj: t.iri},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TaskStatus), Obj: store.Lit(run.TaskCreated)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.CreatedAt), Obj: store.TimeLit(time.Now())},
		)
		if assignee != "" {
			tx.Add(rdf.Triple{Subj: subj, Pred: store.IRI(run.TaskAssignee), Obj: store.Lit(assignee)})
		}
		return nil
	})
	e.audit.Emit(inst, t.node, EvTaskCreated, "", "task="+id)
	return id
}

// Task returns one task's view.
func (e *Engine) Task(id string) (TaskView, error) {
	subj := taskIRI(id)
	if !e.tasks.Has(subj, store.IRI(run.RDFType), store.IRI(run.ClassUserTask)) {
		return TaskView{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return e.taskView(subj), nil
}

// Tasks lists tasks, oldest first, filtered by any non-empty argument.
func (e *Engine) Tasks(instance, status, assignee string) []TaskView {
	var out []TaskView
	for _, subj := range e.tasks.Subjects(store.IRI(run.RDFType), store.IRI(run.ClassUserTask)) {
		v := e.taskView(subj)
		if instance != "" && v.Instance != instance {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		if assignee != "" && v.Assignee != assignee {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) taskView(subj rdf.Term) TaskView {
	inst := e.tasks.Value(subj, store.IRI(run.TaskInstance))
	node := e.tasks.Value(subj, store.IRI(run.TaskNode))
	v := TaskView{
		ID:       taskID(subj),
		Instance: instanceID(inst),
		Status:   store.Text(e.tasks.Value(subj, store.IRI(run.TaskStatus))),
		Assignee: store.Text(e.tasks.Value(subj, store.IRI(run.TaskAssignee))),
	}
	if node != nil {
		v.Node = trimPrefix(store.Text(node), run.DefNS)
		if i := lastSlash(v.Node); i >= 0 {
			v.Node = v.Node[i+1:]
		}
		v.Name = store.Text(e.defs.Value(node, store.IRI(bpmn.Name)))
	}
	if at, ok := store.TextTime(e.tasks.Value(subj, store.IRI(run.CreatedAt))); ok {
		v.CreatedAt = at
	}
	if at, ok := store.TextTime(e.tasks.Value(subj, store.IRI(run.ClaimedAt))); ok {
		v.ClaimedAt = &at
	}
	if at, ok := store.TextTime(e.tasks.Value(subj, store.IRI(run.TaskDone))); ok {
		v.CompletedAt = &at
	}
	return v
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// ClaimTask assigns a created task to an actor. Claiming an already claimed
// task fails unless the same actor claims it again.
func (e *Engine) ClaimTask(ctx context.Context, id, actor string) error {
	subj := taskIRI(id)
	if !e.tasks.Has(subj, store.IRI(run.RDFType), store.IRI(run.ClassUserTask)) {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	status := store.Text(e.tasks.Value(subj, store.IRI(run.TaskStatus)))
	assignee := store.Text(e.tasks.Value(subj, store.IRI(run.TaskAssignee)))
	switch status {
	case run.TaskCreated:
	case run.TaskClaimed:
		if assignee == actor {
			return nil
		}
		return fmt.Errorf("%w: task %s is claimed by %s", ErrBadState, id, assignee)
	default:
		return fmt.Errorf("%w: task %s is %s", ErrBadState, id, status)
	}
	err := e.tasks.Update(func(tx *store.Tx) error {
		tx.Set(subj, store.IRI(run.TaskStatus), store.Lit(run.TaskClaimed))
		tx.Set(subj, store.IRI(run.TaskAssignee), store.Lit(actor))
		tx.Set(subj, store.IRI(run.ClaimedAt), store.TimeLit(time.Now()))
		return nil
	})
	if err != nil {
		return err
	}
	inst := e.tasks.Value(subj, store.IRI(run.TaskInstance))
	e.audit.Emit(inst, e.tasks.Value(subj, store.IRI(run.TaskNode)), EvTaskClaimed, actor, "task="+id)
	return nil
}

// CompleteTask finishes a user task: the completion variables land at
// instance scope, complete listeners run and the parked token continues.
func (e *Engine) CompleteTask(ctx context.Context, id, actor string, vars map[string]any) error {
	subj := taskIRI(id)
	if !e.tasks.Has(subj, store.IRI(run.RDFType), store.IRI(run.ClassUserTask)) {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	inst := e.tasks.Value(subj, store.IRI(run.TaskInstance))
	tokIRI := e.tasks.Value(subj, store.IRI(run.TaskToken))
	if inst == nil || tokIRI == nil {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	err := e.withInstance(inst, func() error {
		status := store.Text(e.tasks.Value(subj, store.IRI(run.TaskStatus)))
		if status != run.TaskCreated && status != run.TaskClaimed {
			return fmt.Errorf("%w: task %s is %s", ErrBadState, id, status)
		}
		t := e.loadToken(tokIRI)
		if t.status != run.TokenWaiting || t.waitingOn != run.WaitUserTask {
			return fmt.Errorf("%w: task %s has no waiting token", ErrBadState, id)
		}
		model, err := e.modelOf(inst)
		if err != nil {
			return err
		}
		e.writeResultVars(inst, t, vars)
		if err := e.tasks.Update(func(tx *store.Tx) error {
			tx.Set(subj, store.IRI(run.TaskStatus), store.Lit(run.TaskCompleted))
			tx.Set(subj, store.IRI(run.TaskDone), store.TimeLit(time.Now()))
			if actor != "" {
				tx.Set(subj, store.IRI(run.TaskAssignee), store.Lit(actor))
			}
			return nil
		}); err != nil {
			return err
		}
		e.audit.Emit(inst, t.node, EvTaskCompleted, actor, "task="+id)
		e.metrics.TaskCompleted()
		if lerr := e.runTaskListeners(ctx, model, inst, t, "complete", id); lerr != nil {
			e.failListener(ctx, model, inst, t, lerr)
			return e.drive(ctx, model, inst)
		}
		e.resumeToken(t.iri)
		e.continueFrom(ctx, model, inst, e.loadToken(t.iri))
		return e.drive(ctx, model, inst)
	})
	e.flushNotifications()
	return err
}

// cancelTasksFor marks the open tasks of a consumed token cancelled.
func (e *Engine) cancelTasksFor(tok rdf.Term) {
	_ = e.tasks.Update(func(tx *store.Tx) error {
		for _, subj := range tx.Subjects(store.IRI(run.TaskToken), tok) {
			switch store.Text(tx.Value(subj, store.IRI(run.TaskStatus))) {
			case run.TaskCreated, run.TaskClaimed:
				tx.Set(subj.(rdf.Subject), store.IRI(run.TaskStatus), store.Lit(run.TaskCancelled))
			}
		}
		return nil
	})
}
