package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/vocabulary/run"
)

func boolPtr(b bool) *bool { return &b }

func TestMessageCorrelation(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "order", Name: "Order",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "waitPay", Kind: "intermediateCatchEvent", EventKind: "message", MessageRef: "paid"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "waitPay"},
			{ID: "f2", Source: "waitPay", Target: "end"},
		},
		Messages: []process.MessageDecl{{ID: "paid", Name: "paid"}},
	})

	ctx := context.Background()
	a, err := e.StartInstance(ctx, "order", "", map[string]any{"correlationKey": "order-a"}, "")
	require.NoError(t, err)
	b, err := e.StartInstance(ctx, "order", "", map[string]any{"correlationKey": "order-b"}, "")
	require.NoError(t, err)

	// The key selects instance b even though a subscribed first.
	inst, err := e.CorrelateMessage(ctx, "paid", "order-b", map[string]any{"amount": 9}, "gateway")
	require.NoError(t, err)
	assert.Equal(t, b, inst)

	view, err := e.Instance(b)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "9", instanceVar(t, e, b, "amount").Value)
	assert.Contains(t, eventTypes(t, e, b), EvMessageReceived)

	view, err = e.Instance(a)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)

	// No key delivers to the oldest subscription.
	inst, err = e.CorrelateMessage(ctx, "paid", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, a, inst)

	_, err = e.CorrelateMessage(ctx, "paid", "", nil, "")
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestMessageStartEvent(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "intake", Name: "Intake",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent", EventKind: "message", MessageRef: "newCase"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "end"},
		},
		Messages: []process.MessageDecl{{ID: "newCase", Name: "newCase"}},
	})

	inst, err := e.CorrelateMessage(context.Background(), "newCase", "case-1", map[string]any{"priority": 2}, "")
	require.NoError(t, err)
	require.NotEmpty(t, inst)

	view, err := e.Instance(inst)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "2", instanceVar(t, e, inst, "priority").Value)
	assert.Equal(t, "case-1", instanceVar(t, e, inst, "correlationKey").Value)
}

func TestSignalBroadcast(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "listener", Name: "Listener",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "waitGo", Kind: "intermediateCatchEvent", EventKind: "signal", SignalRef: "go"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "waitGo"},
			{ID: "f2", Source: "waitGo", Target: "end"},
		},
		Signals: []process.SignalDecl{{ID: "go", Name: "go"}},
	})

	ctx := context.Background()
	a, err := e.StartInstance(ctx, "listener", "", nil, "")
	require.NoError(t, err)
	b, err := e.StartInstance(ctx, "listener", "", nil, "")
	require.NoError(t, err)

	delivered, err := e.BroadcastSignal(ctx, "go", map[string]any{"round": 1}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	for _, id := range []string{a, b} {
		view, err := e.Instance(id)
		require.NoError(t, err)
		assert.Equal(t, run.InstCompleted, view.Status)
	}

	// Nobody is listening anymore.
	delivered, err = e.BroadcastSignal(ctx, "go", nil, "")
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func timerBoundaryDef(id string, interrupting bool) *process.Payload {
	var cancel *bool
	if !interrupting {
		cancel = boolPtr(false)
	}
	return &process.Payload{
		ID: id, Name: id,
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "hold", Kind: "userTask"},
			{ID: "deadline", Kind: "boundaryEvent", EventKind: "timer",
				TimerDuration: "PT1H", AttachedTo: "hold", CancelActivity: cancel},
			{ID: "escalated", Kind: "serviceTask", Topic: "nag"},
			{ID: "late", Kind: "endEvent"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "hold"},
			{ID: "f2", Source: "hold", Target: "end"},
			{ID: "f3", Source: "deadline", Target: "escalated"},
			{ID: "f4", Source: "escalated", Target: "late"},
		},
	}
}

func TestInterruptingTimerBoundary(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, timerBoundaryDef("deadline", true))
	e.topics.RegisterFunc("nag", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, nil
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "deadline", "", nil, "")
	require.NoError(t, err)
	assert.Contains(t, eventTypes(t, e, id), EvTimerScheduled)

	fired, err := e.RunDueTimers(ctx, time.Now().Add(2*time.Hour), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Contains(t, eventTypes(t, e, id), EvTimerFired)

	// The interrupted task was cancelled with its token.
	tasks := e.Tasks(id, "", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, run.TaskCancelled, tasks[0].Status)

	// Nothing left to fire.
	fired, err = e.RunDueTimers(ctx, time.Now().Add(3*time.Hour), "w1")
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestNonInterruptingTimerBoundary(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, timerBoundaryDef("reminder", false))
	var nags int
	e.topics.RegisterFunc("nag", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		nags++
		return topic.Result{}, nil
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "reminder", "", nil, "")
	require.NoError(t, err)

	fired, err := e.RunDueTimers(ctx, time.Now().Add(2*time.Hour), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, nags)

	// The task survives the reminder and still completes the instance.
	tasks := e.Tasks(id, run.TaskCreated, "")
	require.Len(t, tasks, 1)
	require.NoError(t, e.CompleteTask(ctx, tasks[0].ID, "alice", nil))

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
}

func TestTimerCatchEvent(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "delay", Name: "Delay",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "pause", Kind: "intermediateCatchEvent", EventKind: "timer", TimerDuration: "PT30M"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "pause"},
			{ID: "f2", Source: "pause", Target: "end"},
		},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "delay", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)

	// Not due yet.
	fired, err := e.RunDueTimers(ctx, time.Now().Add(10*time.Minute), "w1")
	require.NoError(t, err)
	assert.Zero(t, fired)

	fired, err = e.RunDueTimers(ctx, time.Now().Add(time.Hour), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
}

func errorBoundaryDef(id, caughtCode string) *process.Payload {
	return &process.Payload{
		ID: id, Name: id,
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "risky", Kind: "serviceTask", Topic: "flaky"},
			{ID: "catch", Kind: "boundaryEvent", EventKind: "error",
				ErrorRef: caughtCode, AttachedTo: "risky"},
			{ID: "fallback", Kind: "serviceTask", Topic: "recover"},
			{ID: "recovered", Kind: "endEvent"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "risky"},
			{ID: "f2", Source: "risky", Target: "end"},
			{ID: "f3", Source: "catch", Target: "fallback"},
			{ID: "f4", Source: "fallback", Target: "recovered"},
		},
		Errors: []process.ErrorDecl{{ID: caughtCode, Code: caughtCode}},
	}
}

func TestErrorBoundaryCatchesHandlerFailure(t *testing.T) {
	e := newTestEngine(t, Options{})
	// An error boundary without a code catches everything.
	p := errorBoundaryDef("resilient", "")
	p.Errors = nil
	mustDeploy(t, e, p)

	e.topics.RegisterFunc("flaky", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, errors.New("upstream busted")
	})
	recovered := false
	e.topics.RegisterFunc("recover", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		recovered = true
		return topic.Result{}, nil
	})

	id, err := e.StartInstance(context.Background(), "resilient", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.True(t, recovered)

	types := eventTypes(t, e, id)
	assert.Contains(t, types, EvErrorThrown)
	assert.Contains(t, types, EvErrorCaught)
}

func TestUncaughtErrorFailsInstance(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())
	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{}, errors.New("upstream busted")
	})

	id, err := e.StartInstance(context.Background(), "linear", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstError, view.Status)
	assert.Equal(t, CodeHandlerFailed, view.ErrorCode)
	assert.Contains(t, view.ErrorMessage, "upstream busted")
}

func TestThrowErrorTargetsInnermostToken(t *testing.T) {
	e := newTestEngine(t, Options{})
	p := errorBoundaryDef("injected", "E42")
	// Park on a user task so the error can be injected from outside.
	p.Nodes[1] = process.Node{ID: "risky", Kind: "userTask"}
	mustDeploy(t, e, p)

	handled := false
	e.topics.RegisterFunc("recover", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		handled = true
		return topic.Result{}, nil
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "injected", "", nil, "")
	require.NoError(t, err)

	require.NoError(t, e.ThrowError(ctx, id, "", "E42", "manual poke", "ops"))
	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.True(t, handled)

	assert.ErrorIs(t, e.ThrowError(ctx, "ghost", "", "E42", "", ""), ErrNotFound)
	assert.ErrorIs(t, e.ThrowError(ctx, id, "", "E42", "", ""), ErrBadState)
}

func TestCompleteAsyncCallback(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, linearDef())

	var callback string
	e.topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		callback = req.CallbackID
		return topic.Result{Async: true}, nil
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "linear", "", map[string]any{"x": 21}, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstWaiting, view.Status)
	require.NotEmpty(t, callback)

	assert.ErrorIs(t, e.CompleteAsync(ctx, "ghost", nil, ""), ErrNotFound)

	require.NoError(t, e.CompleteAsync(ctx, callback, map[string]any{"x": 42}, "handler"))
	view, err = e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, "42", instanceVar(t, e, id, "x").Value)

	// A callback only works once.
	assert.Error(t, e.CompleteAsync(ctx, callback, nil, ""))
}

func TestEventBasedGatewayRace(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "race", Name: "Race",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "gw", Kind: "eventBasedGateway"},
			{ID: "onMsg", Kind: "intermediateCatchEvent", EventKind: "message", MessageRef: "reply"},
			{ID: "onTimeout", Kind: "intermediateCatchEvent", EventKind: "timer", TimerDuration: "PT1H"},
			{ID: "replied", Kind: "endEvent"},
			{ID: "timedOut", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "gw"},
			{ID: "f2", Source: "gw", Target: "onMsg"},
			{ID: "f3", Source: "gw", Target: "onTimeout"},
			{ID: "f4", Source: "onMsg", Target: "replied"},
			{ID: "f5", Source: "onTimeout", Target: "timedOut"},
		},
		Messages: []process.MessageDecl{{ID: "reply", Name: "reply"}},
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "race", "", nil, "")
	require.NoError(t, err)

	inst, err := e.CorrelateMessage(ctx, "reply", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, id, inst)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)

	// The losing timer arm was cancelled with the gateway.
	fired, err := e.RunDueTimers(ctx, time.Now().Add(2*time.Hour), "w1")
	require.NoError(t, err)
	assert.Zero(t, fired)

	events, err := e.Events(id)
	require.NoError(t, err)
	entered := []string{}
	for _, ev := range events {
		if ev.Type == EvNodeEntered {
			entered = append(entered, ev.Node)
		}
	}
	assert.Contains(t, entered, "replied")
	assert.NotContains(t, entered, "timedOut")
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "saga", Name: "Saga",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "reserve", Kind: "serviceTask", Topic: "reserve", CompensationHandler: "unreserve"},
			{ID: "charge", Kind: "serviceTask", Topic: "charge", CompensationHandler: "refund"},
			{ID: "unreserve", Kind: "serviceTask", Topic: "unreserve"},
			{ID: "refund", Kind: "serviceTask", Topic: "refund"},
			{ID: "undo", Kind: "endEvent", EventKind: "compensation"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "reserve"},
			{ID: "f2", Source: "reserve", Target: "charge"},
			{ID: "f3", Source: "charge", Target: "undo"},
		},
	})

	var order []string
	record := func(name string) topic.HandlerFunc {
		return func(ctx context.Context, req topic.Request) (topic.Result, error) {
			order = append(order, name)
			return topic.Result{}, nil
		}
	}
	e.topics.RegisterFunc("reserve", record("reserve"))
	e.topics.RegisterFunc("charge", record("charge"))
	e.topics.RegisterFunc("unreserve", record("unreserve"))
	e.topics.RegisterFunc("refund", record("refund"))

	id, err := e.StartInstance(context.Background(), "saga", "", nil, "")
	require.NoError(t, err)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)
	assert.Equal(t, []string{"reserve", "charge", "refund", "unreserve"}, order)

	events, err := e.Events(id)
	require.NoError(t, err)
	runs := 0
	for _, ev := range events {
		if ev.Type == EvCompensationRun {
			runs++
		}
	}
	assert.Equal(t, 2, runs)
}

func TestEventSubprocessInterrupts(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustDeploy(t, e, &process.Payload{
		ID: "guarded", Name: "Guarded",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "hold", Kind: "userTask"},
			{ID: "end", Kind: "endEvent"},
			{ID: "esp", Kind: "subProcess", TriggeredByEvent: true},
			{ID: "onAbort", Kind: "startEvent", EventKind: "signal", SignalRef: "abort", Parent: "esp"},
			{ID: "cleanup", Kind: "serviceTask", Topic: "cleanup", Parent: "esp"},
			{ID: "aborted", Kind: "endEvent", Parent: "esp"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "hold"},
			{ID: "f2", Source: "hold", Target: "end"},
			{ID: "f3", Source: "onAbort", Target: "cleanup"},
			{ID: "f4", Source: "cleanup", Target: "aborted"},
		},
		Signals: []process.SignalDecl{{ID: "abort", Name: "abort"}},
	})

	cleaned := false
	e.topics.RegisterFunc("cleanup", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		cleaned = true
		return topic.Result{}, nil
	})

	ctx := context.Background()
	id, err := e.StartInstance(ctx, "guarded", "", nil, "")
	require.NoError(t, err)

	delivered, err := e.BroadcastSignal(ctx, "abort", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.True(t, cleaned)

	view, err := e.Instance(id)
	require.NoError(t, err)
	assert.Equal(t, run.InstCompleted, view.Status)

	// The interrupted user task is gone.
	tasks := e.Tasks(id, run.TaskCreated, "")
	assert.Empty(t, tasks)
}
