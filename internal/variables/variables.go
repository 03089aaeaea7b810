// Package variables resolves ${NAME} references in transform configuration.
package variables

import (
	"maps"
	"strings"
)

type Variables map[string]string

func (v Variables) Clone() Variables {
	if v == nil {
		return Variables{}
	}
	return maps.Clone(v)
}

// Merge returns a new set where entries of over win.
func (v Variables) Merge(over Variables) Variables {
	out := v.Clone()
	maps.Copy(out, over)
	return out
}

// Resolve substitutes ${NAME} references. Unknown names stay as written so
// a later, wider variable space can still resolve them.
func (v Variables) Resolve(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := v[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// Internal variables set by the runner for every execution of a file.
const (
	PipelineDir = "Internal.Pipeline.Filename.Directory"
	WorkflowDir = "Internal.Workflow.Filename.Directory"
)
