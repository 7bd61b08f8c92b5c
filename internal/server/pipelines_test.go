package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/pipeline"
	"gobby/internal/storage"
)

func newPipelineFixture(t *testing.T) (*Server, *pipeline.Loader) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gobby.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	loader := pipeline.NewLoader(t.TempDir(), nil)
	srv := New(Deps{
		Config:    &config.Config{},
		DB:        db,
		Pipelines: pipeline.NewExecutor(db, loader, nil, nil),
	})
	return srv, loader
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestRunPipelineEndpoint(t *testing.T) {
	srv, loader := newPipelineFixture(t)
	require.NoError(t, loader.Register(&pipeline.Definition{
		Name:    "greet",
		Steps:   []pipeline.Step{{ID: "say", Exec: "echo hello $inputs.name"}},
		Outputs: map[string]string{"greeting": "$say.output.stdout"},
	}))

	w := doRequest(srv, http.MethodPost, "/api/pipelines/run", jsonBody(t, map[string]any{
		"name":   "greet",
		"inputs": map[string]any{"name": "gobby"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Status      string         `json:"status"`
		ExecutionID string         `json:"execution_id"`
		Outputs     map[string]any `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, storage.ExecStatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "hello gobby\n", resp.Outputs["greeting"])
}

func TestRunPipelineAcceptsLegacyKey(t *testing.T) {
	srv, loader := newPipelineFixture(t)
	require.NoError(t, loader.Register(&pipeline.Definition{
		Name:  "noop",
		Steps: []pipeline.Step{{ID: "ok", Exec: "true"}},
	}))

	w := doRequest(srv, http.MethodPost, "/api/pipelines/run",
		jsonBody(t, map[string]any{"pipeline": "noop"}))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRunPipelineRequiresName(t *testing.T) {
	srv, _ := newPipelineFixture(t)

	w := doRequest(srv, http.MethodPost, "/api/pipelines/run",
		jsonBody(t, map[string]any{"inputs": map[string]any{}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/pipelines/run",
		jsonBody(t, map[string]any{"name": "no-such-pipeline"}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPipelineApprovalRoundTrip(t *testing.T) {
	srv, loader := newPipelineFixture(t)
	require.NoError(t, loader.Register(&pipeline.Definition{
		Name: "gated",
		Steps: []pipeline.Step{
			{ID: "prepare", Exec: "echo prepared"},
			{
				ID:       "deploy",
				Exec:     "echo deployed",
				Approval: &pipeline.Approval{Required: true, Message: "confirm deploy"},
			},
		},
		Outputs: map[string]string{"result": "$deploy.output.stdout"},
	}))

	w := doRequest(srv, http.MethodPost, "/api/pipelines/run",
		jsonBody(t, map[string]any{"name": "gated"}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var paused struct {
		Status      string `json:"status"`
		ExecutionID string `json:"execution_id"`
		StepID      string `json:"step_id"`
		Token       string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paused))
	assert.Equal(t, storage.ExecStatusWaitingApproval, paused.Status)
	assert.Equal(t, "deploy", paused.StepID)
	require.NotEmpty(t, paused.Token)
	require.NotEmpty(t, paused.ExecutionID)

	w = doRequest(srv, http.MethodGet, "/api/pipelines/"+paused.ExecutionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), storage.ExecStatusWaitingApproval)

	w = doRequest(srv, http.MethodPost,
		"/api/pipelines/approve/"+paused.Token+"?approved_by=tester", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved struct {
		Status      string `json:"status"`
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	assert.Equal(t, storage.ExecStatusCompleted, approved.Status)
	assert.Equal(t, paused.ExecutionID, approved.ExecutionID)

	// The token was consumed by the approval.
	w = doRequest(srv, http.MethodPost,
		"/api/pipelines/approve/"+paused.Token+"?approved_by=tester", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
