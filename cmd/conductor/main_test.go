package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/server"
	"github.com/GoCodeAlone/conductor/task"
)

type env struct {
	url   string
	d     *dispatch.Dispatcher
	token string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := *config.DefaultConfig()
	cfg.Server.RateLimit = 0
	cfg.Auth.JWTSecret = "cli-test-secret"
	cfg.Auth.AdminPass = string(hash)

	d := dispatch.New()
	require.NoError(t, d.Start(context.Background()))
	_, err = d.RegisterAgent(agent.Spec{
		ID:                 "worker",
		Capabilities:       []task.Capability{task.CapabilityResearch, task.CapabilityAnalysis},
		MaxConcurrentTasks: 1,
	})
	require.NoError(t, err)

	srv := server.New(cfg, "test", nil)
	srv.SetDispatcher(d)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = d.Shutdown(ctx)
	})

	e := &env{url: ts.URL, d: d}
	out, err := e.run(t, "secret\n", "login")
	require.NoError(t, err)
	e.token = strings.TrimSpace(out)
	require.NotEmpty(t, e.token)
	return e
}

func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	full := append([]string{"--server", e.url}, args...)
	if e.token != "" {
		full = append(full, "--token", e.token)
	}
	cmd.SetArgs(full)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginRejected(t *testing.T) {
	e := newEnv(t)
	e.token = ""
	_, err := e.run(t, "", "login", "--password", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid credentials", apiErr.Message)
}

func TestUnauthenticated(t *testing.T) {
	e := newEnv(t)
	e.token = ""

	_, err := e.run(t, "", "tasks")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	out, err := e.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "version: test")
}

func TestSubmitAndInspect(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "submit", "--priority", "5", "--context", "source=q3.pdf", "summarise", "the", "report")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 3, out)
	id := fields[1]
	assert.Equal(t, "assigned", fields[2])

	out, err = e.run(t, "", "task", id)
	require.NoError(t, err)
	assert.Contains(t, out, "summarise the report")
	assert.Contains(t, out, "worker")

	out, err = e.run(t, "", "tasks", "--status", "assigned")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = e.run(t, "", "agent", "tasks", "worker")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	require.NoError(t, e.d.ReportResult(context.Background(), id, dispatch.Reporter{AgentID: "worker"}, "done"))
	out, err = e.run(t, "", "task", id)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "done")

	out, err = e.run(t, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "success rate")
	assert.Contains(t, out, "100.0%")
}

func TestSubmitRejectsBadContext(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "", "submit", "--context", "novalue", "x")
	assert.Error(t, err)
}

func TestBatchAndCancel(t *testing.T) {
	e := newEnv(t)

	file := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
- key: gather
  description: gather sources
  task_type: research
  priority: 3
- key: write
  description: write summary
  task_type: analysis
  context:
    dependencies: [gather]
`), 0o600))

	out, err := e.run(t, "", "batch", file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	gather := strings.Fields(lines[0])[1]
	write := strings.Fields(lines[1])[1]

	out, err = e.run(t, "", "cancel", gather)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	tk, err := e.d.Status(context.Background(), write)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status)

	_, err = e.run(t, "", "cancel", gather)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestBatchRejectsEmptyFile(t *testing.T) {
	e := newEnv(t)
	file := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(file, []byte("[]"), 0o600))
	_, err := e.run(t, "", "batch", file)
	assert.ErrorContains(t, err, "no tasks")
}

func TestAgentCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "0/1")

	out, err = e.run(t, "", "agent", "pause", "worker")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	out, err = e.run(t, "", "agent", "resume", "worker")
	require.NoError(t, err)
	assert.Contains(t, out, "idle")

	_, err = e.run(t, "", "agent", "pause", "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	out, err = e.run(t, "", "agent", "remove", "worker")
	require.NoError(t, err)
	assert.Contains(t, out, "removed worker")
	assert.Empty(t, e.d.Agents())
}

func TestExport(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "out", "state.json")

	_, err := e.run(t, "", "export", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var state dispatch.State
	require.NoError(t, json.Unmarshal(data, &state))
	require.Len(t, state.Agents, 1)
	assert.Equal(t, "worker", state.Agents[0].ID)

	out, err := e.run(t, "", "export")
	require.NoError(t, err)
	assert.Contains(t, out, `"agents"`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
