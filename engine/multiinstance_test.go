package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/vocabulary/run"
)

func loopDef(id string, loop *process.Loop) *process.Payload {
	return &process.Payload{
		ID: id, Name: id,
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "each", Kind: "serviceTask", Topic: "item", Loop: loop},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "each"},
			{ID: "f2", Source: "each", Target: "end"},
		},
	}
}

func TestParallelMultiInstance(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, loopDef("batch", &process.Loop{Cardinality: "3"}))

	var counters []int64
	e.topics.RegisterFunc("item", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		i, _ := req.Variables[varLoopCounter].(int64)
		counters = append(counters, i)
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "batch", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.ElementsMatch(t, []int64{1, 2, 3}, counters)

	// Iteration counters are scoped to the loop and torn down with it.
	vars, err := e.InstanceVariables(id)
	require.NoError(t, err)
	assert.NotContains(t, vars, varLoopCounter)
	assert.NotContains(t, vars, varNrOfInstances)
}

func TestSequentialMultiInstanceOrder(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, loopDef("serial", &process.Loop{Cardinality: "${count}", Sequential: true}))

	var counters []int64
	e.topics.RegisterFunc("item", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		i, _ := req.Variables[varLoopCounter].(int64)
		counters = append(counters, i)
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "serial", "", map[string]any{"count": 4}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, []int64{1, 2, 3, 4}, counters)
}

func TestMultiInstanceCompletionCondition(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, loopDef("shortcircuit", &process.Loop{
		Cardinality:         "10",
		Sequential:          true,
		CompletionCondition: "${nrOfCompletedInstances >= 2}",
	}))

	runs := 0
	e.topics.RegisterFunc("item", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		runs++
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "shortcircuit", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, 2, runs)
}

func TestMultiInstanceZeroCardinality(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, loopDef("empty", &process.Loop{Cardinality: "0"}))

	runs := 0
	e.topics.RegisterFunc("item", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		runs++
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "empty", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Zero(t, runs)
}

func TestMultiInstanceBadCardinality(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, loopDef("broken", &process.Loop{Cardinality: "${missing}"}))

	id, err := e.StartInstance(context.Background(), "broken", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeBadExpression, view.ErrorCode)
}

func TestMultiInstanceUserTasks(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "signoff", Name: "Signoff",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "sign", Kind: "userTask", Loop: &process.Loop{Cardinality: "2"}},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "sign"},
			{ID: "f2", Source: "sign", Target: "end"},
		},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "signoff", "", nil, "")
	require.NoError(t, err)

	tasks := e.Tasks(id, run.TaskCreated, "")
	require.Len(t, tasks, 2)

	require.NoError(t, e.CompleteTask(ctx, tasks[0].ID, "alice", nil))
	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)

	require.NoError(t, e.CompleteTask(ctx, tasks[1].ID, "bob", nil))
	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
}
