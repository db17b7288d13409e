package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	st := store.New("", slog.New(slog.DiscardHandler))
	reg := topic.NewRegistry()
	sched := timer.New(st.Timers(), time.Minute, 3)
	return New(st, reg, sched, nil, nil, opts, slog.New(slog.DiscardHandler))
}

func mustDeploy(t *testing.T, e *Engine, p *process.Payload) {
	t.Helper()
	_, err := process.Deploy(e.defs, p)
	require.NoError(t, err)
}

func instanceVar(t *testing.T, e *Engine, id, name string) variables.Value {
	t.Helper()
	vars, err := e.InstanceVariables(id)
	require.NoError(t, err)
	v, ok := vars[name]
	require.True(t, ok, "variable %s not set", name)
	return v
}

func eventTypes(t *testing.T, e *Engine, id string) []string {
	t.Helper()
	events, err := e.Events(id)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func linearDef() *process.Payload {
	return &process.Payload{
		ID: "linear", Name: "Linear",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "work", Kind: "serviceTask", Topic: "double"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
		},
	}
}

func TestLinearServiceTask(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())
	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		x, _ := req.Variables["x"].(int64)
		return topic.Result{Variables: map[string]any{"x": x * 2}}, nil
	})

	id, err := e.StartInstance(context.Background(), "linear", "", map[string]any{"x": 21}, "tester")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "42", instanceVar(t, e, id, "x").Value)

	types := eventTypes(t, e, id)
	assert.Equal(t, EvInstanceStarted, types[0])
	assert.Equal(t, EvInstanceCompleted, types[len(types)-1])
	assert.Contains(t, types, EvFlowTaken)
	assert.Contains(t, types, EvNodeCompleted)

	// Audit timestamps and sequence numbers stay monotone.
	events, err := e.Events(id)
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.False(t, events[i].At.Before(events[i-1].At))
	}
}

func TestStartInstanceErrors(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())

	_, err := e.StartInstance(context.Background(), "missing", "", nil, "")
	assert.ErrorIs(t, err, process.ErrNotFound)

	_, err = e.StartInstance(context.Background(), "linear", "nope", nil, "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, process.Retire(e.defs, "linear"))
	_, err = e.StartInstance(context.Background(), "linear", "", nil, "")
	assert.ErrorIs(t, err, process.ErrRetired)
}

func exclusiveDef() *process.Payload {
	return &process.Payload{
		ID: "route", Name: "Route",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "decide", Kind: "exclusiveGateway"},
			{ID: "hi", Kind: "endEvent"},
			{ID: "lo", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "decide"},
			{ID: "f2", Source: "decide", Target: "hi", Condition: "${amount >= 100}"},
			{ID: "f3", Source: "decide", Target: "lo", Default: true},
		},
	}
}

func TestExclusiveGatewayRouting(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, exclusiveDef())

	hi, err := e.StartInstance(context.Background(), "route", "", map[string]any{"amount": 150}, "")
	require.NoError(t, err)
	events, err := e.Events(hi)
	require.NoError(t, err)
	entered := []string{}
	for _, ev := range events {
		if ev.Type == EvNodeEntered {
			entered = append(entered, ev.Node)
		}
	}
	assert.Contains(t, entered, "hi")
	assert.NotContains(t, entered, "lo")

	lo, err := e.StartInstance(context.Background(), "route", "", map[string]any{"amount": 50}, "")
	require.NoError(t, err)
	events, err = e.Events(lo)
	require.NoError(t, err)
	entered = entered[:0]
	for _, ev := range events {
		if ev.Type == EvNodeEntered {
			entered = append(entered, ev.Node)
		}
	}
	assert.Contains(t, entered, "lo")
	assert.NotContains(t, entered, "hi")
}

func TestExclusiveGatewayDeadEnd(t *testing.T) {
	e := newTestEngine(t, Options{})
	p := exclusiveDef()
	p.ID = "deadend"
	p.Flows = p.Flows[:2] // drop the default flow
	mustDeploy(t, e, p)

	id, err := e.StartInstance(context.Background(), "deadend", "", map[string]any{"amount": 50}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeNoFlow, view.ErrorCode)
}

func TestParallelForkJoin(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "fork", Name: "Fork",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "split", Kind: "parallelGateway"},
			{ID: "a", Kind: "serviceTask", Topic: "touch"},
			{ID: "b", Kind: "serviceTask", Topic: "touch"},
			{ID: "join", Kind: "parallelGateway"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "a"},
			{ID: "f3", Source: "split", Target: "b"},
			{ID: "f4", Source: "a", Target: "join"},
			{ID: "f5", Source: "b", Target: "join"},
			{ID: "f6", Source: "join", Target: "end"},
		},
	})

	var calls atomic.Int32
	e.topics.RegisterFunc("touch", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		calls.Add(1)
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "fork", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUserTaskLifecycle(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "review", Name: "Review",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "approve", Kind: "userTask", Name: "Approve", Assignee: "ops"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "approve"},
			{ID: "f2", Source: "approve", Target: "end"},
		},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "review", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)

	tasks := e.Tasks(id, "", "")
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, run.TaskCreated, task.Status)
	assert.Equal(t, "ops", task.Assignee)
	assert.Equal(t, "Approve", task.Name)

	require.NoError(t, e.ClaimTask(ctx, task.ID, "alice"))
	// Re-claiming by the same actor is a no-op; another actor is rejected.
	require.NoError(t, e.ClaimTask(ctx, task.ID, "alice"))
	assert.ErrorIs(t, e.ClaimTask(ctx, task.ID, "bob"), ErrBadState)

	require.NoError(t, e.CompleteTask(ctx, task.ID, "alice", map[string]any{"approved": true}))
	assert.ErrorIs(t, e.CompleteTask(ctx, task.ID, "alice", nil), ErrBadState)

	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "true", instanceVar(t, e, id, "approved").Value)
}

func TestCancelInstanceIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "wait", Name: "Wait",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "hold", Kind: "userTask"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "hold"},
			{ID: "f2", Source: "hold", Target: "end"},
		},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "wait", "", nil, "")
	require.NoError(t, err)

	require.NoError(t, e.CancelInstance(ctx, id, "ops"))
	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCancelled, view.Status)

	// Open tasks are cancelled with the instance.
	tasks := e.Tasks(id, "", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, run.TaskCancelled, tasks[0].Status)

	// Second cancel is a no-op.
	require.NoError(t, e.CancelInstance(ctx, id, "ops"))

	// Other operations on a finished instance are rejected.
	assert.ErrorIs(t, e.SetVariable(ctx, id, "x", 1, ""), ErrBadState)
}

func TestTerminateEndEvent(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "terminate", Name: "Terminate",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "split", Kind: "parallelGateway"},
			{ID: "hold", Kind: "userTask"},
			{ID: "kill", Kind: "endEvent", EventKind: "terminate"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "hold"},
			{ID: "f3", Source: "split", Target: "kill"},
			{ID: "f4", Source: "hold", Target: "end"},
		},
	})

	id, err := e.StartInstance(context.Background(), "terminate", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstTerminated, view.Status)

	tasks := e.Tasks(id, "", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, run.TaskCancelled, tasks[0].Status)
}

func TestScriptTaskDisabledByDefault(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "scripted", Name: "Scripted",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "calc", Kind: "scriptTask", Script: "y = 5"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "calc"},
			{ID: "f2", Source: "calc", Target: "end"},
		},
	})

	id, err := e.StartInstance(context.Background(), "scripted", "", nil, "")
	require.NoError(t, err)

	// Disabled script tasks pass through with an audit record.
	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Contains(t, eventTypes(t, e, id), EvUnsupported)

	_, err = e.InstanceVariables(id)
	require.NoError(t, err)
	vars, _ := e.InstanceVariables(id)
	assert.NotContains(t, vars, "y")
}

func TestScriptTaskAssignments(t *testing.T) {
	e := newTestEngine(t, Options{ScriptTasksEnabled: true})
	mustDeploy(t, e, &process.Payload{
		ID: "scripted", Name: "Scripted",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "calc", Kind: "scriptTask", Script: "# seed\ny = 5\ncopy = ${x}\nflag = true"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "calc"},
			{ID: "f2", Source: "calc", Target: "end"},
		},
	})

	id, err := e.StartInstance(context.Background(), "scripted", "", map[string]any{"x": 7}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "5", instanceVar(t, e, id, "y").Value)
	assert.Equal(t, "7", instanceVar(t, e, id, "copy").Value)
	assert.Equal(t, "true", instanceVar(t, e, id, "flag").Value)
}

func TestScriptTaskBadLineFailsInstance(t *testing.T) {
	e := newTestEngine(t, Options{ScriptTasksEnabled: true})
	mustDeploy(t, e, &process.Payload{
		ID: "badscript", Name: "Bad script",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "calc", Kind: "scriptTask", Script: "if x > 2 { boom }"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "calc"},
			{ID: "f2", Source: "calc", Target: "end"},
		},
	})

	id, err := e.StartInstance(context.Background(), "badscript", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeBadExpression, view.ErrorCode)
}

func TestManualTaskPassesThrough(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "manual", Name: "Manual",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "check", Kind: "manualTask"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "check"},
			{ID: "f2", Source: "check", Target: "end"},
		},
	})

	id, err := e.StartInstance(context.Background(), "manual", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Contains(t, eventTypes(t, e, id), EvManualComplete)
	assert.Empty(t, e.Tasks(id, "", ""))
}

func TestCallActivityVariableMapping(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "child", Name: "Child",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "work", Kind: "serviceTask", Topic: "double"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
		},
	})
	mustDeploy(t, e, &process.Payload{
		ID: "parent", Name: "Parent",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "call", Kind: "callActivity", CalledElement: "child",
				InVariables: []string{"x"}, OutVariables: []string{"y"}},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "call"},
			{ID: "f2", Source: "call", Target: "end"},
		},
	})

	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		x, _ := req.Variables["x"].(int64)
		// secret stays in the child: only y is mapped back.
		return topic.Result{Variables: map[string]any{"y": x * 2, "secret": "hidden"}}, nil
	})

	id, err := e.StartInstance(context.Background(), "parent", "", map[string]any{"x": 21, "unrelated": "kept"}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "42", instanceVar(t, e, id, "y").Value)

	vars, err := e.InstanceVariables(id)
	require.NoError(t, err)
	assert.NotContains(t, vars, "secret")

	// The child ran as its own completed instance linked to the parent.
	children := e.Instances(run.InstCompleted)
	childSeen := false
	for _, c := range children {
		if c.Parent == id {
			childSeen = true
			assert.Equal(t, run.InstCompleted, c.Status)
		}
	}
	assert.True(t, childSeen, "child instance not found")
}

func TestSubprocessScope(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "scoped", Name: "Scoped",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "sub", Kind: "subProcess"},
			{ID: "s1", Kind: "startEvent", Parent: "sub"},
			{ID: "inner", Kind: "serviceTask", Topic: "touch", Parent: "sub"},
			{ID: "s2", Kind: "endEvent", Parent: "sub"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "sub"},
			{ID: "f2", Source: "s1", Target: "inner"},
			{ID: "f3", Source: "inner", Target: "s2"},
			{ID: "f4", Source: "sub", Target: "end"},
		},
	})

	called := false
	e.topics.RegisterFunc("touch", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		called = true
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "scoped", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.True(t, called)
}

func TestConditionalCatchWakesOnVariableWrite(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "conditional", Name: "Conditional",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "gate", Kind: "intermediateCatchEvent", EventKind: "conditional",
				Condition: "${ready == true}"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "gate"},
			{ID: "f2", Source: "gate", Target: "end"},
		},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "conditional", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)

	// An unrelated write does not wake the catch.
	require.NoError(t, e.SetVariable(ctx, id, "other", 1, ""))
	view, _ = e.Instance(id)
	assert.Equal(t, run.InstWaiting, view.Status)

	require.NoError(t, e.SetVariable(ctx, id, "ready", true, ""))
	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
}

func TestInstanceListFilters(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())
	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, nil
	})

	ctx := context.Background()
	_, err := e.StartInstance(ctx, "linear", "", nil, "")
	require.NoError(t, err)
	_, err = e.StartInstance(ctx, "linear", "", nil, "")
	require.NoError(t, err)

	assert.Len(t, e.Instances(""), 2)
	assert.Len(t, e.Instances(run.InstCompleted), 2)
	assert.Empty(t, e.Instances(run.InstRunning))
}

func TestInclusiveGatewayForkAndJoin(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "multi", Name: "Multi",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "split", Kind: "inclusiveGateway"},
			{ID: "mail", Kind: "serviceTask", Topic: "mail"},
			{ID: "sms", Kind: "serviceTask", Topic: "sms"},
			{ID: "join", Kind: "inclusiveGateway"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "split"},
			{ID: "f2", Source: "split", Target: "mail", Condition: "${notifyMail == true}"},
			{ID: "f3", Source: "split", Target: "sms", Condition: "${notifySms == true}"},
			{ID: "f4", Source: "mail", Target: "join"},
			{ID: "f5", Source: "sms", Target: "join"},
			{ID: "f6", Source: "join", Target: "end"},
		},
	})

	var sent []string
	record := func(name string) topic.HandlerFunc {
		return func(ctx context.Context, req topic.Request) (topic.Result, error) {
			sent = append(sent, name)
			return topic.Result{}, nil
		}
	}
	e.topics.RegisterFunc("mail", record("mail"))
	e.topics.RegisterFunc("sms", record("sms"))

	// Only one branch holds: the join must not wait for the other.
	id, err := e.StartInstance(context.Background(), "multi", "",
		map[string]any{"notifyMail": true, "notifySms": false}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, []string{"mail"}, sent)

	// Both branches hold: the join merges them.
	sent = nil
	id, err = e.StartInstance(context.Background(), "multi", "",
		map[string]any{"notifyMail": true, "notifySms": true}, "")
	require.NoError(t, err)

	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.ElementsMatch(t, []string{"mail", "sms"}, sent)
}

func TestUnresolvedTemplatePlaceholderIsConfigError(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())
	e.topics.Register("double", topic.NewHTTPHandler(topic.Descriptor{
		Topic: "double",
		URL:   "http://upstream.internal/orders/${orderId}/double",
	}, nil, time.Second, 0))

	id, err := e.StartInstance(context.Background(), "linear", "", map[string]any{"x": 1}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeHandlerConfig, view.ErrorCode)
	assert.Contains(t, view.ErrorMessage, "orderId")
}

func TestUnknownTopicIsConfigError(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())

	// Nothing registered for "double".
	id, err := e.StartInstance(context.Background(), "linear", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeHandlerConfig, view.ErrorCode)
}

func TestStartListenerFailureEscalates(t *testing.T) {
	e := newTestEngine(t, Options{})
	def := linearDef()
	def.Nodes[1].Listeners = []process.Listener{{Event: "start", Expression: "audit.record"}}
	mustDeploy(t, e, def)

	var bodyCalls atomic.Int32
	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		bodyCalls.Add(1)
		return topic.Result{}, nil
	})
	e.topics.RegisterFunc("audit.record", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, context.DeadlineExceeded
	})

	id, err := e.StartInstance(context.Background(), "linear", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeHandlerFailed, view.ErrorCode)
	assert.Zero(t, bodyCalls.Load(), "task body must not run after a failed start listener")

	types := eventTypes(t, e, id)
	assert.Contains(t, types, EvListenerFailed)
	assert.Contains(t, types, EvErrorThrown)
}

func TestListenerFailureCaughtByErrorBoundary(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "guarded", Name: "Guarded",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "work", Kind: "serviceTask", Topic: "noop",
				Listeners: []process.Listener{{Event: "start", Expression: "audit.record"}}},
			{ID: "catch", Kind: "boundaryEvent", EventKind: "error", AttachedTo: "work"},
			{ID: "end", Kind: "endEvent"},
			{ID: "recovered", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
			{ID: "f3", Source: "catch", Target: "recovered"},
		},
	})
	e.topics.RegisterFunc("audit.record", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, context.DeadlineExceeded
	})

	id, err := e.StartInstance(context.Background(), "guarded", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)

	types := eventTypes(t, e, id)
	assert.Contains(t, types, EvListenerFailed)
	assert.Contains(t, types, EvErrorCaught)
}

func TestTaskListenerFailureEscalates(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "reviewed", Name: "Reviewed",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "review", Kind: "userTask",
				Listeners: []process.Listener{{Event: "create", Expression: "notify"}}},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "review"},
			{ID: "f2", Source: "review", Target: "end"},
		},
	})
	e.topics.RegisterFunc("notify", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, context.DeadlineExceeded
	})

	id, err := e.StartInstance(context.Background(), "reviewed", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeHandlerFailed, view.ErrorCode)

	tasks := e.Tasks(id, "", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, run.TaskCancelled, tasks[0].Status)
}
