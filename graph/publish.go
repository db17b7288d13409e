// Package graph mirrors engine state changes into the organization knowledge
// graph over NATS. Publishing is fire-and-forget: the engine's own graphs are
// authoritative, the mirror is for downstream consumers.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/semflow/vocabulary/run"
)

// GraphIngestSubject is the stream subject for graph ingestion.
const GraphIngestSubject = "graph.ingest.entity"

// Source tags every published triple with its producer.
const Source = "semflow.engine"

// EntityIngestMessage is the ingestion envelope, shared with the other graph
// producers.
type EntityIngestMessage struct {
	ID        string           `json:"id"`
	Triples   []message.Triple `json:"triples"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Publisher mirrors instance and audit state. A nil NATS client disables
// publishing without disabling the engine.
type Publisher struct {
	nc *natsclient.Client
}

// NewPublisher creates a publisher. nc may be nil.
func NewPublisher(nc *natsclient.Client) *Publisher {
	return &Publisher{nc: nc}
}

// InstanceState is the mirrored view of one process instance.
type InstanceState struct {
	Instance   string
	Definition string
	Status     string
	UpdatedAt  time.Time
}

// PublishInstance mirrors an instance status change.
func (p *Publisher) PublishInstance(ctx context.Context, state InstanceState) error {
	if p == nil || p.nc == nil {
		return nil // Skip publishing if no NATS client (graceful degradation)
	}
	now := time.Now()
	triples := []message.Triple{
		{
			Subject:    state.Instance,
			Predicate:  run.ProcessDefinition,
			Object:     state.Definition,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
		{
			Subject:    state.Instance,
			Predicate:  run.Status,
			Object:     state.Status,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
		{
			Subject:    state.Instance,
			Predicate:  run.UpdatedAt,
			Object:     state.UpdatedAt.Format(time.RFC3339),
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
	}
	return p.publish(ctx, state.Instance, triples)
}

// AuditEvent is the mirrored view of one audit log entry.
type AuditEvent struct {
	Event     string
	Instance  string
	Node      string
	Type      string
	Actor     string
	Details   string
	Seq       int
	Timestamp time.Time
}

// PublishAudit mirrors an audit event.
func (p *Publisher) PublishAudit(ctx context.Context, ev AuditEvent) error {
	if p == nil || p.nc == nil {
		return nil
	}
	now := time.Now()
	triples := []message.Triple{
		{
			Subject:    ev.Event,
			Predicate:  run.LogInstance,
			Object:     ev.Instance,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
		{
			Subject:    ev.Event,
			Predicate:  run.EventType,
			Object:     ev.Type,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
		{
			Subject:    ev.Event,
			Predicate:  run.LogSeq,
			Object:     ev.Seq,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
		{
			Subject:    ev.Event,
			Predicate:  run.Timestamp,
			Object:     ev.Timestamp.Format(time.RFC3339Nano),
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		},
	}
	if ev.Node != "" {
		triples = append(triples, message.Triple{
			Subject:    ev.Event,
			Predicate:  run.LogNode,
			Object:     ev.Node,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		})
	}
	if ev.Actor != "" {
		triples = append(triples, message.Triple{
			Subject:    ev.Event,
			Predicate:  run.Actor,
			Object:     ev.Actor,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		})
	}
	if ev.Details != "" {
		triples = append(triples, message.Triple{
			Subject:    ev.Event,
			Predicate:  run.Details,
			Object:     ev.Details,
			Source:     Source,
			Timestamp:  now,
			Confidence: 1.0,
		})
	}
	return p.publish(ctx, ev.Event, triples)
}

func (p *Publisher) publish(ctx context.Context, id string, triples []message.Triple) error {
	msg := EntityIngestMessage{
		ID:        id,
		Triples:   triples,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ingest message: %w", err)
	}
	if err := p.nc.PublishToStream(ctx, GraphIngestSubject, data); err != nil {
		return fmt.Errorf("publish to graph: %w", err)
	}
	return nil
}
