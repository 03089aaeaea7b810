package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageNamesCategoryAndSubject(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plugin", PluginLoad("beam", errors.New("boom")), `PluginLoadError [plugin "beam"]: boom`},
		{"node", GraphValidation("sort", "unknown hop target %q", "x"), `GraphValidationError [node "sort"]: unknown hop target "x"`},
		{"field", UnsupportedFieldType("geo", "point"), `UnsupportedFieldType [field "geo"]: type "point" cannot be transported`},
		{"cycle", CyclicGraph([]string{"a", "b", "a"}), `CyclicGraphError [node "a"]: cycle through a -> b -> a`},
		{"engine", EngineRuntime("dataflow", errors.New("lost runner")), `EngineRuntimeFault [engine "dataflow"]: lost runner`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsAndKindThroughWrapping(t *testing.T) {
	cause := errors.New("disk gone")
	err := fmt.Errorf("prepare: %w", RowProcessing("filter", 3, cause))

	require.ErrorIs(t, err, ErrRowProcessing)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPluginLoad)
	assert.Equal(t, KindRowProcessing, KindOf(err))
	assert.Equal(t, "filter", SubjectOf(err))
	assert.False(t, IsFatal(err))
	assert.True(t, IsFatal(GraphValidation("n", "bad")))
	assert.False(t, IsFatal(cause))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	err := Wrap(PluginLoad("x", nil), "registry", "Instantiate", "factory")
	assert.Equal(t, `registry.Instantiate: factory failed: PluginLoadError [plugin "x"]`, err.Error())
	assert.ErrorIs(t, err, ErrPluginLoad)
}
