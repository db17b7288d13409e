// Package timer persists timer jobs in the timers graph and hands due jobs
// to exactly one claiming worker at a time. Claims are leases: a worker that
// dies mid-fire loses its lease after the TTL and the job becomes claimable
// again. Firing semantics live in the engine; this package only owns the
// lifecycle pending -> leased -> fired.
package timer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"
	"github.com/sosodev/duration"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// ErrBadTimerSpec rejects unparsable duration or date specs.
var ErrBadTimerSpec = errors.New("bad timer specification")

// ErrNotFound is returned for unknown timer ids.
var ErrNotFound = errors.New("timer not found")

// DefaultLeaseTTL bounds how long a claimed job stays invisible to other
// workers.
const DefaultLeaseTTL = 60 * time.Second

// DefaultMaxAttempts is the fire-attempt cap before a job is abandoned.
const DefaultMaxAttempts = 3

// Job is one claimed timer, ready to fire.
type Job struct {
	ID       string
	Instance rdf.Term
	Token    rdf.Term
	Node     rdf.Term
	Kind     string
	Due      time.Time
	Attempts int
}

// Scheduler owns the timers graph.
type Scheduler struct {
	timers      *store.Graph
	leaseTTL    time.Duration
	maxAttempts int
}

// New creates a scheduler. Zero values fall back to the defaults.
func New(timers *store.Graph, leaseTTL time.Duration, maxAttempts int) *Scheduler {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Scheduler{timers: timers, leaseTTL: leaseTTL, maxAttempts: maxAttempts}
}

// ParseDue resolves a timer definition to an absolute due time. A date spec
// wins over a duration spec when both are present.
func ParseDue(durationSpec, dateSpec string, now time.Time) (time.Time, error) {
	if dateSpec != "" {
		due, err := time.Parse(time.RFC3339, dateSpec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrBadTimerSpec, dateSpec, err)
		}
		return due, nil
	}
	if durationSpec != "" {
		d, err := duration.Parse(durationSpec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: duration %q: %v", ErrBadTimerSpec, durationSpec, err)
		}
		return now.Add(d.ToTimeDuration()), nil
	}
	return time.Time{}, fmt.Errorf("%w: neither duration nor date given", ErrBadTimerSpec)
}

func timerIRI(id string) rdf.IRI {
	return store.IRI(run.TimerNS + id)
}

// Schedule persists a pending job and returns its id.
func (s *Scheduler) Schedule(instance, token, node rdf.Term, kind string, due time.Time) (string, error) {
	id := uuid.NewString()
	subj := timerIRI(id)
	err := s.timers.Update(func(tx *store.Tx) error {
		tx.Add(
			rdf.Triple{Subj: subj, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassTimerJob)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TimerInstance), Obj: instance.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TimerToken), Obj: token.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TimerNode), Obj: node.(rdf.Object)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TimerKind), Obj: store.Lit(kind)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.DueAt), Obj: store.TimeLit(due)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.Attempts), Obj: store.IntLit(0)},
			rdf.Triple{Subj: subj, Pred: store.IRI(run.TimerStatus), Obj: store.Lit(run.TimerDuePending)},
		)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Claim leases up to limit due jobs for worker. The status check and the
// lease write happen inside one graph update, so two concurrent claimers
// never hold the same job. limit <= 0 means no limit.
func (s *Scheduler) Claim(now time.Time, worker string, limit int) ([]Job, error) {
	var jobs []Job
	err := s.timers.Update(func(tx *store.Tx) error {
		for _, subj := range tx.Subjects(store.IRI(run.TimerStatus), store.Lit(run.TimerDuePending)) {
			if limit > 0 && len(jobs) >= limit {
				break
			}
			due, ok := store.TextTime(tx.Value(subj, store.IRI(run.DueAt)))
			if !ok || due.After(now) {
				continue
			}
			tx.Set(subj.(rdf.Subject), store.IRI(run.TimerStatus), store.Lit(run.TimerLeased))
			tx.Set(subj.(rdf.Subject), store.IRI(run.LeaseHolder), store.Lit(worker))
			tx.Set(subj.(rdf.Subject), store.IRI(run.LeaseExpires), store.TimeLit(now.Add(s.leaseTTL)))
			attempts := store.TextInt(tx.Value(subj, store.IRI(run.Attempts)), 0) + 1
			tx.Set(subj.(rdf.Subject), store.IRI(run.Attempts), store.IntLit(attempts))
			jobs = append(jobs, s.job(tx, subj, due, attempts))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Scheduler) job(tx *store.Tx, subj rdf.Term, due time.Time, attempts int) Job {
	return Job{
		ID:       idOf(subj),
		Instance: tx.Value(subj, store.IRI(run.TimerInstance)),
		Token:    tx.Value(subj, store.IRI(run.TimerToken)),
		Node:     tx.Value(subj, store.IRI(run.TimerNode)),
		Kind:     store.Text(tx.Value(subj, store.IRI(run.TimerKind))),
		Due:      due,
		Attempts: attempts,
	}
}

// Complete marks a leased job fired. Fired jobs stay in the graph for audit
// until Prune removes them.
func (s *Scheduler) Complete(id string) error {
	return s.transition(id, run.TimerFired)
}

// Release returns a leased job to pending for another attempt, or marks it
// cancelled once attempts are exhausted. It reports whether the job will be
// retried.
func (s *Scheduler) Release(id string) (bool, error) {
	subj := timerIRI(id)
	retry := false
	err := s.timers.Update(func(tx *store.Tx) error {
		if !tx.Has(subj, store.IRI(run.RDFType), store.IRI(run.ClassTimerJob)) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		attempts := store.TextInt(tx.Value(subj, store.IRI(run.Attempts)), 0)
		status := run.TimerCancelled
		if attempts < s.maxAttempts {
			status = run.TimerDuePending
			retry = true
		}
		tx.Set(subj, store.IRI(run.TimerStatus), store.Lit(status))
		tx.Remove(subj, store.IRI(run.LeaseHolder), nil)
		tx.Remove(subj, store.IRI(run.LeaseExpires), nil)
		return nil
	})
	return retry, err
}

func (s *Scheduler) transition(id, status string) error {
	subj := timerIRI(id)
	return s.timers.Update(func(tx *store.Tx) error {
		if !tx.Has(subj, store.IRI(run.RDFType), store.IRI(run.ClassTimerJob)) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		tx.Set(subj, store.IRI(run.TimerStatus), store.Lit(status))
		tx.Remove(subj, store.IRI(run.LeaseHolder), nil)
		tx.Remove(subj, store.IRI(run.LeaseExpires), nil)
		return nil
	})
}

// CancelToken cancels pending and leased jobs bound to a token, returning the
// count. Fired jobs are left alone.
func (s *Scheduler) CancelToken(token rdf.Term) (int, error) {
	return s.cancelWhere(run.TimerToken, token)
}

// CancelInstance cancels every live job of an instance.
func (s *Scheduler) CancelInstance(instance rdf.Term) (int, error) {
	return s.cancelWhere(run.TimerInstance, instance)
}

func (s *Scheduler) cancelWhere(pred string, obj rdf.Term) (int, error) {
	cancelled := 0
	err := s.timers.Update(func(tx *store.Tx) error {
		for _, subj := range tx.Subjects(store.IRI(pred), obj) {
			switch store.Text(tx.Value(subj, store.IRI(run.TimerStatus))) {
			case run.TimerDuePending, run.TimerLeased:
				tx.Set(subj.(rdf.Subject), store.IRI(run.TimerStatus), store.Lit(run.TimerCancelled))
				tx.Remove(subj, store.IRI(run.LeaseHolder), nil)
				tx.Remove(subj, store.IRI(run.LeaseExpires), nil)
				cancelled++
			}
		}
		return nil
	})
	return cancelled, err
}

// RecoverLeases returns expired leases to pending. Called on startup and on
// every poll tick, it makes jobs survive worker crashes.
func (s *Scheduler) RecoverLeases(now time.Time) (int, error) {
	recovered := 0
	err := s.timers.Update(func(tx *store.Tx) error {
		for _, subj := range tx.Subjects(store.IRI(run.TimerStatus), store.Lit(run.TimerLeased)) {
			expires, ok := store.TextTime(tx.Value(subj, store.IRI(run.LeaseExpires)))
			if ok && expires.After(now) {
				continue
			}
			tx.Set(subj.(rdf.Subject), store.IRI(run.TimerStatus), store.Lit(run.TimerDuePending))
			tx.Remove(subj, store.IRI(run.LeaseHolder), nil)
			tx.Remove(subj, store.IRI(run.LeaseExpires), nil)
			recovered++
		}
		return nil
	})
	return recovered, err
}

// Prune removes fired and cancelled jobs older than cutoff.
func (s *Scheduler) Prune(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.timers.Update(func(tx *store.Tx) error {
		for _, status := range []string{run.TimerFired, run.TimerCancelled} {
			for _, subj := range tx.Subjects(store.IRI(run.TimerStatus), store.Lit(status)) {
				due, ok := store.TextTime(tx.Value(subj, store.IRI(run.DueAt)))
				if ok && due.After(cutoff) {
					continue
				}
				tx.Remove(subj, nil, nil)
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

// Pending counts jobs awaiting their due time or a claim.
func (s *Scheduler) Pending() int {
	return len(s.timers.Subjects(store.IRI(run.TimerStatus), store.Lit(run.TimerDuePending)))
}

func idOf(subj rdf.Term) string {
	text := store.Text(subj)
	if len(text) > len(run.TimerNS) {
		return text[len(run.TimerNS):]
	}
	return text
}
