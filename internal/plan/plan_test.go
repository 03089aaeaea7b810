package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "hopflow/internal/errors"
	"hopflow/internal/graph"
	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
	"hopflow/internal/transform/transformtest"
)

type renamer struct {
	transform.NopClose
	closed *int
}

func (r *renamer) Configure(ctx transform.Context) (row.Schema, error) {
	var cfg struct {
		Prefix string `json:"prefix"`
	}
	if err := ctx.DecodeConfig(&cfg); err != nil {
		return row.Schema{}, err
	}
	if cfg.Prefix == "" {
		return row.Schema{}, errors.New("prefix required")
	}
	fields := ctx.Input.Fields()
	for i := range fields {
		fields[i].Name = cfg.Prefix + fields[i].Name
	}
	return row.NewSchema(fields...)
}

func (r *renamer) ProcessRow(_ context.Context, in row.Row, emit transform.Emit) error {
	return emit(in)
}

func (r *renamer) Close() error {
	*r.closed++
	return nil
}

func newRegistry(t *testing.T, closed *int) *registry.Registry {
	t.Helper()
	reg := registry.New()
	transformtest.Register(reg, transformtest.IDRows(1), &transformtest.Collector{})
	registry.MustRegister(reg, registry.Descriptor{ID: "rename", Category: registry.CategoryTransform},
		func() (*renamer, error) { return &renamer{closed: closed}, nil })
	return reg
}

func TestBuild_PropagatesSchemas(t *testing.T) {
	var closed int
	g := &graph.Graph{
		Name: "p",
		Nodes: []graph.Node{
			{Name: "out", PluginID: "test-collect"},
			{Name: "src", PluginID: "test-rows"},
			{Name: "ren", PluginID: "rename", Config: []byte(`{"prefix":"${P}"}`)},
		},
		Hops: []graph.Hop{{From: "src", To: "ren", Enabled: true}, {From: "ren", To: "out", Enabled: true}},
	}
	p, err := Build(g, newRegistry(t, &closed), Options{Variables: map[string]string{"P": "x_"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"src", "ren", "out"}, p.Order)
	assert.True(t, p.Step("src").IsSource())
	assert.True(t, p.Step("out").IsTerminal())
	assert.True(t, p.Step("ren").Input.Equal(transformtest.IDSchema))
	assert.Equal(t, []string{"x_id", "x_name"}, p.Step("ren").Output.Names())
	assert.Equal(t, []string{"x_id", "x_name"}, p.Step("out").Input.Names())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, closed)
}

func TestBuild_Failures(t *testing.T) {
	tests := []struct {
		name    string
		graph   *graph.Graph
		kind    error
		subject string
	}{
		{
			name: "unknown plugin",
			graph: &graph.Graph{Nodes: []graph.Node{{Name: "src", PluginID: "test-rows"}, {Name: "x", PluginID: "nope"}},
				Hops: []graph.Hop{{From: "src", To: "x", Enabled: true}}},
			kind: errs.ErrPluginLoad, subject: "nope",
		},
		{
			name: "configure fails",
			graph: &graph.Graph{Nodes: []graph.Node{{Name: "src", PluginID: "test-rows"}, {Name: "ren", PluginID: "rename"}},
				Hops: []graph.Hop{{From: "src", To: "ren", Enabled: true}}},
			kind: errs.ErrGraphValidation, subject: "ren",
		},
		{
			name:  "no input",
			graph: &graph.Graph{Nodes: []graph.Node{{Name: "lonely", PluginID: "test-collect"}}},
			kind:  errs.ErrGraphValidation, subject: "lonely",
		},
		{
			name: "source with input",
			graph: &graph.Graph{Nodes: []graph.Node{{Name: "a", PluginID: "test-rows"}, {Name: "b", PluginID: "test-rows"}},
				Hops: []graph.Hop{{From: "a", To: "b", Enabled: true}}},
			kind: errs.ErrGraphValidation, subject: "b",
		},
		{
			name: "mismatched inputs",
			graph: &graph.Graph{
				Nodes: []graph.Node{
					{Name: "src", PluginID: "test-rows"},
					{Name: "ren", PluginID: "rename", Config: []byte(`{"prefix":"p"}`)},
					{Name: "join", PluginID: "test-collect"},
				},
				Hops: []graph.Hop{{From: "src", To: "ren", Enabled: true}, {From: "src", To: "join", Enabled: true}, {From: "ren", To: "join", Enabled: true}},
			},
			kind: errs.ErrGraphValidation, subject: "join",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var closed int
			p, err := Build(tt.graph, newRegistry(t, &closed), Options{})
			require.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.subject, errs.SubjectOf(err))
			assert.Nil(t, p)
		})
	}
}

func TestBuild_ClosesInstancesOnFailure(t *testing.T) {
	var closed int
	g := &graph.Graph{
		Nodes: []graph.Node{
			{Name: "src", PluginID: "test-rows"},
			{Name: "ren", PluginID: "rename", Config: []byte(`{"prefix":"p"}`)},
			{Name: "bad", PluginID: "missing"},
		},
		Hops: []graph.Hop{{From: "src", To: "ren", Enabled: true}, {From: "ren", To: "bad", Enabled: true}},
	}
	_, err := Build(g, newRegistry(t, &closed), Options{})
	require.Error(t, err)
	assert.Equal(t, 1, closed)
}
