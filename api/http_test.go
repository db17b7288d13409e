package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/timer"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

func newTestServer(t *testing.T) (*httptest.Server, *topic.Registry) {
	t.Helper()
	st := store.New("", nil)
	topics := topic.NewRegistry()
	sched := timer.New(st.Timers(), 0, 0)
	eng := engine.New(st, topics, sched, nil, nil, engine.Options{}, nil)
	svc := New(eng, st, topics, nil, Options{}, nil)

	mux := http.NewServeMux()
	svc.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, topics
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func linearPayload() *process.Payload {
	return &process.Payload{
		ID:   "linear",
		Name: "Linear",
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

func TestDeployStartAndVariables(t *testing.T) {
	srv, topics := newTestServer(t)
	topics.RegisterFunc("double", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		x, _ := req.Variables["x"].(int64)
		return topic.Result{Variables: map[string]any{"x": x * 2}}, nil
	})

	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", linearPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	deployed := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "linear", deployed["id"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/instances", map[string]any{
		"definition": "linear",
		"variables":  map[string]any{"x": 21},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decodeBody[engine.InstanceView](t, resp)
	assert.Equal(t, run.InstCompleted, view.Status)

	resp = doJSON(t, http.MethodGet, srv.URL+"/instances/"+view.ID+"/variables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vars := decodeBody[[]variables.Value](t, resp)
	require.Len(t, vars, 1)
	assert.Equal(t, "x", vars[0].Name)
	assert.Equal(t, "42", vars[0].Value)
	assert.Equal(t, run.XSDInteger, vars[0].Datatype)

	resp = doJSON(t, http.MethodGet, srv.URL+"/instances/"+view.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]engine.Event](t, resp)
	assert.NotEmpty(t, events)
}

func TestDefinitionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", linearPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/definitions", nil)
	views := decodeBody[[]DefinitionView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, "linear", views[0].ID)
	assert.False(t, views[0].Retired)

	resp = doJSON(t, http.MethodGet, srv.URL+"/definitions/linear", nil)
	exported := decodeBody[process.Payload](t, resp)
	assert.Len(t, exported.Nodes, 3)
	assert.Len(t, exported.Flows, 2)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/definitions/linear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Retired definitions reject new instances.
	resp = doJSON(t, http.MethodPost, srv.URL+"/instances", map[string]any{"definition": "linear"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestUserTaskLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := &process.Payload{
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
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/instances", map[string]any{"definition": "review"})
	view := decodeBody[engine.InstanceView](t, resp)
	assert.Equal(t, run.InstWaiting, view.Status)

	resp = doJSON(t, http.MethodGet, srv.URL+"/tasks?instance="+view.ID, nil)
	tasks := decodeBody[[]engine.TaskView](t, resp)
	require.Len(t, tasks, 1)
	assert.Equal(t, run.TaskCreated, tasks[0].Status)

	resp = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+tasks[0].ID+"/claim", map[string]string{"assignee": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := decodeBody[engine.TaskView](t, resp)
	assert.Equal(t, run.TaskClaimed, claimed.Status)
	assert.Equal(t, "alice", claimed.Assignee)

	resp = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+tasks[0].ID+"/complete", map[string]any{
		"variables": map[string]any{"approved": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeBody[engine.TaskView](t, resp)
	assert.Equal(t, run.TaskCompleted, done.Status)

	// Completing twice fails the precondition.
	resp = doJSON(t, http.MethodPost, srv.URL+"/tasks/"+tasks[0].ID+"/complete", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/instances/"+view.ID, nil)
	final := decodeBody[engine.InstanceView](t, resp)
	assert.Equal(t, run.InstCompleted, final.Status)
}

func TestSetVariableWireForm(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := &process.Payload{
		ID: "waiting", Name: "Waiting",
		Nodes: []process.Node{
			{ID: "start", Kind: "startEvent"},
			{ID: "hold", Kind: "userTask"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []process.Flow{
			{ID: "f1", Source: "start", Target: "hold"},
			{ID: "f2", Source: "hold", Target: "end"},
		},
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/instances", map[string]any{"definition": "waiting"})
	view := decodeBody[engine.InstanceView](t, resp)

	resp = doJSON(t, http.MethodPut, srv.URL+"/instances/"+view.ID+"/variables/amount", map[string]any{
		"value":    "150",
		"datatype": run.XSDInteger,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/instances/"+view.ID+"/variables", nil)
	vars := decodeBody[[]variables.Value](t, resp)
	require.Len(t, vars, 1)
	assert.Equal(t, "150", vars[0].Value)
	assert.Equal(t, run.XSDInteger, vars[0].Datatype)
}

func TestQueryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", linearPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/query", map[string]string{
		"graph": "defs",
		"query": `ASK { ?d rdf:type bpmn:process }`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ask := decodeBody[map[string]bool](t, resp)
	assert.True(t, ask["ask"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/query", map[string]string{
		"graph": "nowhere",
		"query": `ASK { ?s ?p ?o }`,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/query", map[string]string{
		"graph": "defs",
		"query": `CONSTRUCT { ?s ?p ?o }`,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTopicEndpoints(t *testing.T) {
	srv, topics := newTestServer(t)
	topics.RegisterFunc("echo", func(ctx context.Context, req topic.Request) (topic.Result, error) {
		return topic.Result{Variables: req.Variables}, nil
	})

	resp := doJSON(t, http.MethodGet, srv.URL+"/topics", nil)
	infos := decodeBody[[]topic.Info](t, resp)
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].Topic)

	resp = doJSON(t, http.MethodPost, srv.URL+"/topics/echo/test", map[string]any{
		"variables": map[string]any{"ping": "pong"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[map[string]any](t, resp)
	assert.Equal(t, map[string]any{"ping": "pong"}, result["variables"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/topics", topic.Descriptor{
		Topic: "external",
		URL:   "http://handlers.internal/run",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/topics/external", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/topics/external", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestNotFoundMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/instances", map[string]any{"definition": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/definitions", &process.Payload{ID: "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/messages", map[string]any{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGraphExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/definitions", linearPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/graphs/defs?format=ntriples", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/n-triples", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "linear")

	resp = doJSON(t, http.MethodGet, srv.URL+"/graphs/defs?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/graphs/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
