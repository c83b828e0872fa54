package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Dispatcher Dispatcher
	Bus        comms.Bus
	Logger     *zap.Logger
	Version    string
	StartAt    time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/batch", h.createBatch)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /api/tasks/{id}/result", h.reportResult)
	mux.HandleFunc("POST /api/tasks/{id}/failure", h.reportFailure)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.createAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", h.updateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.deleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/tasks", h.agentTasks)

	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/export", h.export)
	mux.HandleFunc("GET /api/messages", h.listMessages)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ErrorStatus maps dispatcher and pool errors to HTTP status codes.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound), errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAgentBusy),
		errors.Is(err, agent.ErrAlreadyRegistered),
		errors.Is(err, dispatch.ErrClosed),
		errors.Is(err, task.ErrTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ErrorStatus(err)
	if code == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return task.Invalid("body", "%v", err)
	}
	return nil
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		AgentID: q.Get("agent_id"),
		Type:    task.Type(q.Get("task_type")),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Dispatcher.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var spec task.Spec
	if err := decode(r, &spec); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.Dispatcher.Submit(r.Context(), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Dispatcher.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type batchRequest struct {
	Tasks []task.Spec `json:"tasks"`
}

type batchResponse struct {
	IDs []string `json:"ids"`
}

func (h *Handlers) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ids, err := h.Dispatcher.SubmitBatch(r.Context(), req.Tasks)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{IDs: ids})
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Dispatcher.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	var by dispatch.Reporter
	if err := decode(r, &by); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Dispatcher.ReportStarted(r.Context(), r.PathValue("id"), by); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resultRequest struct {
	dispatch.Reporter
	Result any `json:"result"`
}

func (h *Handlers) reportResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Dispatcher.ReportResult(r.Context(), r.PathValue("id"), req.Reporter, req.Result); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	dispatch.Reporter
	Error string `json:"error"`
}

func (h *Handlers) reportFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var cause error
	if req.Error != "" {
		cause = errors.New(req.Error)
	}
	if err := h.Dispatcher.ReportFailure(r.Context(), r.PathValue("id"), req.Reporter, cause); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Dispatcher.Agents()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// createAgent registers a remote agent; executors cannot travel over HTTP.
func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var spec agent.Spec
	if err := decode(r, &spec); err != nil {
		h.fail(w, r, err)
		return
	}
	info, err := h.Dispatcher.RegisterAgent(spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	info, err := h.Dispatcher.Agent(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handlers) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	status, err := agent.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	info, err := h.Dispatcher.UpdateAgentStatus(r.PathValue("id"), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Dispatcher.UnregisterAgent(r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) agentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Dispatcher.Assigned(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Stats / export / messages ---

func (h *Handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.Stats())
}

func (h *Handlers) export(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.Snapshot())
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusOK, []*comms.Message{})
		return
	}
	subscriber := r.URL.Query().Get("subscriber")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	msgs, err := h.Bus.History(subscriber, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime"] = time.Since(h.StartAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
