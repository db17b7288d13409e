package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/c360studio/semflow/export"
	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/sparql"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

// DefinitionView is the list entry for deployed definitions.
type DefinitionView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Retired bool   `json:"retired"`
}

func (s *Service) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var payload process.Payload
	if !s.decode(w, r, &payload) {
		return
	}
	id, err := process.Deploy(s.store.Defs(), &payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("Definition deployed", "definition", id, "actor", actorOf(r))
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Service) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	ids := process.Definitions(s.store.Defs())
	views := make([]DefinitionView, 0, len(ids))
	for _, id := range ids {
		model, err := process.Load(s.store.Defs(), id)
		if err != nil {
			continue
		}
		views = append(views, DefinitionView{
			ID:      model.ID(),
			Name:    model.Name(),
			Version: model.Version(),
			Retired: model.Retired(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	payload, err := process.Export(s.store.Defs(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Service) handleRetireDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := process.Retire(s.store.Defs(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("Definition retired", "definition", id, "actor", actorOf(r))
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "retired"})
}

func (s *Service) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Definition string         `json:"definition"`
		StartEvent string         `json:"startEvent,omitempty"`
		Variables  map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Definition == "" {
		http.Error(w, "definition is required", http.StatusBadRequest)
		return
	}
	id, err := s.engine.StartInstance(r.Context(), req.Definition, req.StartEvent, req.Variables, actorOf(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	view, err := s.engine.Instance(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Service) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Instances(r.URL.Query().Get("status")))
}

func (s *Service) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Instance(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.CancelInstance(r.Context(), id, actorOf(r)); err != nil {
		s.fail(w, err)
		return
	}
	view, err := s.engine.Instance(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := s.engine.InstanceVariables(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]variables.Value, 0, len(vars))
	for _, v := range vars {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value    any    `json:"value"`
		Datatype string `json:"datatype,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	value, err := wireValue(req.Value, req.Datatype)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetVariable(r.Context(), r.PathValue("id"), r.PathValue("name"), value, actorOf(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Service) handleThrowError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node    string `json:"node,omitempty"`
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.engine.ThrowError(r.Context(), id, req.Node, req.Code, req.Message, actorOf(r)); err != nil {
		s.fail(w, err)
		return
	}
	view, err := s.engine.Instance(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string         `json:"name"`
		CorrelationKey string         `json:"correlationKey,omitempty"`
		Variables      map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	instance, err := s.engine.CorrelateMessage(r.Context(), req.Name, req.CorrelationKey, req.Variables, actorOf(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"instance": instance})
}

func (s *Service) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string         `json:"name"`
		Variables map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	delivered, err := s.engine.BroadcastSignal(r.Context(), req.Name, req.Variables, actorOf(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.CompleteAsync(r.Context(), r.PathValue("id"), req.Variables, actorOf(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks := s.engine.Tasks(q.Get("instance"), q.Get("status"), q.Get("assignee"))
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Task(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Assignee == "" {
		http.Error(w, "assignee is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.engine.ClaimTask(r.Context(), id, req.Assignee); err != nil {
		s.fail(w, err)
		return
	}
	task, err := s.engine.Task(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.engine.CompleteTask(r.Context(), id, actorOf(r), req.Variables); err != nil {
		s.fail(w, err)
		return
	}
	task, err := s.engine.Task(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleListTopics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.topics.Topics())
}

func (s *Service) handleRegisterTopic(w http.ResponseWriter, r *http.Request) {
	var desc topic.Descriptor
	if !s.decode(w, r, &desc) {
		return
	}
	if err := desc.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handler := topic.NewHTTPHandler(desc, s.client, s.handlerTimeout, s.handlerRetries)
	s.topics.Register(desc.Topic, handler)
	s.logger.Info("Topic handler registered", "topic", desc.Topic, "actor", actorOf(r))
	s.writeJSON(w, http.StatusCreated, map[string]string{"topic": desc.Topic})
}

func (s *Service) handleUnregisterTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if _, err := s.topics.Lookup(name); err != nil {
		s.fail(w, err)
		return
	}
	s.topics.Unregister(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleTestTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.topics.Test(r.Context(), r.PathValue("topic"), req.Variables)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"variables": result.Variables,
		"async":     result.Async,
	})
}

// handleQuery evaluates a read-only SPARQL query against one named graph.
func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Graph string `json:"graph"`
		Query string `json:"query"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.store.Graph(graphName(req.Graph))
	if err != nil {
		s.fail(w, err)
		return
	}
	query, err := sparql.Parse(req.Query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if query.Form == sparql.FormAsk {
		ok, err := sparql.Ask(g, query)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ask": ok})
		return
	}
	bindings, err := sparql.Select(g, query)
	if err != nil {
		s.fail(w, err)
		return
	}
	rows := make([]map[string]string, 0, len(bindings))
	for _, b := range bindings {
		row := make(map[string]string, len(b))
		for name, term := range b {
			row[name] = store.Text(term)
		}
		rows = append(rows, row)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"vars":     query.Vars,
		"bindings": rows,
	})
}

// handleExportGraph serializes one named graph. The format query parameter
// selects turtle (default), ntriples or jsonld.
func (s *Service) handleExportGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.Graph(graphName(r.PathValue("graph")))
	if err != nil {
		s.fail(w, err)
		return
	}
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatTurtle
	}
	info, ok := export.Info(format)
	if !ok {
		http.Error(w, "unsupported format "+string(format), http.StatusBadRequest)
		return
	}
	body, err := export.Graph(g, format)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", info.MIMEType)
	_, _ = w.Write([]byte(body))
}

// graphName resolves the short graph names used on the wire to their full
// IRIs. Full IRIs pass through untouched.
func graphName(name string) string {
	switch name {
	case "defs":
		return run.GraphDefs
	case "inst":
		return run.GraphInst
	case "tasks":
		return run.GraphTasks
	case "log":
		return run.GraphLog
	case "timers":
		return run.GraphTimers
	}
	return name
}

// wireValue converts the {value, datatype} wire form into a native value.
// Without an explicit datatype the JSON value passes through as decoded.
func wireValue(value any, datatype string) (any, error) {
	if datatype == "" {
		return value, nil
	}
	text, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch datatype {
	case run.XSDInteger:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case run.XSDDecimal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case run.XSDBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, err
		}
		return b, nil
	case run.XSDDateTime:
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return text, nil
	}
}
