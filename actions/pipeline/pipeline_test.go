package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/action"
	"hopflow/internal/execution"
	"hopflow/internal/registry"
	"hopflow/internal/variables"
)

type fakeRunner struct {
	snap execution.Snapshot
	err  error

	path, rc string
	vars     variables.Variables
}

func (f *fakeRunner) RunFile(_ context.Context, path, rc string, vars variables.Variables) (execution.Snapshot, error) {
	f.path, f.rc, f.vars = path, rc, vars
	return f.snap, f.err
}

func configured(t *testing.T, r Runner, cfg string, vars variables.Variables) *Action {
	t.Helper()
	a := &Action{runner: r}
	require.NoError(t, a.Configure(action.Context{Name: "load", Config: json.RawMessage(cfg), Variables: vars}))
	return a
}

func TestExecute_Finished(t *testing.T) {
	r := &fakeRunner{snap: execution.Snapshot{Status: execution.StatusFinished}}
	a := configured(t, r, `{"file":"load.yaml","run_configuration":"local","parameters":{"DAY":"mon"}}`,
		variables.Variables{variables.WorkflowDir: "/flows", "ENV": "prod"})

	res, err := a.Execute(context.Background(), action.Result{Success: true, Variables: variables.Variables{"RUN": "7"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "/flows/load.yaml", r.path)
	assert.Equal(t, "local", r.rc)
	assert.Equal(t, variables.Variables{"ENV": "prod", "RUN": "7", "DAY": "mon"}, r.vars)
}

func TestExecute_FailedPipelineIsFailedResult(t *testing.T) {
	r := &fakeRunner{
		snap: execution.Snapshot{Status: execution.StatusFailed, Error: "boom", Counters: map[string]int64{"errors": 3}},
		err:  errors.New("boom"),
	}
	a := configured(t, r, `{"file":"/abs/load.yaml"}`, variables.Variables{variables.WorkflowDir: "/flows"})
	res, err := a.Execute(context.Background(), action.Result{Success: true, Errors: 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(4), res.Errors)
	assert.Equal(t, "/abs/load.yaml", r.path)
	assert.Contains(t, res.Message, "failed: boom")

	r.snap = execution.Snapshot{Status: execution.StatusStopped}
	r.err = nil
	res, err = a.Execute(context.Background(), action.Result{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(1), res.Errors)
}

func TestExecute_RunnerError(t *testing.T) {
	r := &fakeRunner{err: errors.New("no such run configuration")}
	a := configured(t, r, `{"file":"x.yaml"}`, nil)
	_, err := a.Execute(context.Background(), action.Result{})
	assert.EqualError(t, err, "no such run configuration")
}

func TestConfigure_RequiresFile(t *testing.T) {
	a := &Action{runner: &fakeRunner{}}
	assert.Error(t, a.Configure(action.Context{Name: "p", Config: json.RawMessage(`{}`)}))
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	registry.Declare[action.Action](reg, registry.CategoryAction)
	assert.Error(t, Register(reg, nil))
	require.NoError(t, Register(reg, &fakeRunner{}))
	_, _, err := registry.InstantiateAs[action.Action](reg, PluginID)
	require.NoError(t, err)
}
