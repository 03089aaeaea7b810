// Package errors defines the failure taxonomy shared by the registry, the
// engines and the dataflow translator. Every fatal error names its category
// and the identifier of the offending plugin, node or field.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers that need to branch on it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPluginLoad means a plugin could not be instantiated.
	KindPluginLoad
	// KindGraphValidation is reported before any engine resource is acquired.
	KindGraphValidation
	// KindUnsupportedFieldType is raised while serializing a row schema.
	KindUnsupportedFieldType
	// KindCyclicGraph is fatal for engines without loop support.
	KindCyclicGraph
	// KindRowProcessing is a per-element failure. It is counted, then re-raised.
	KindRowProcessing
	// KindEngineRuntime covers engine level faults such as a lost runner.
	KindEngineRuntime
)

func (k Kind) String() string {
	switch k {
	case KindPluginLoad:
		return "PluginLoadError"
	case KindGraphValidation:
		return "GraphValidationError"
	case KindUnsupportedFieldType:
		return "UnsupportedFieldType"
	case KindCyclicGraph:
		return "CyclicGraphError"
	case KindRowProcessing:
		return "RowProcessingError"
	case KindEngineRuntime:
		return "EngineRuntimeFault"
	default:
		return "UnknownError"
	}
}

func (k Kind) subjectLabel() string {
	switch k {
	case KindPluginLoad:
		return "plugin"
	case KindUnsupportedFieldType:
		return "field"
	case KindRowProcessing:
		return "transform"
	case KindEngineRuntime:
		return "engine"
	default:
		return "node"
	}
}

// Error is the concrete type behind every taxonomy error.
type Error struct {
	Kind    Kind
	Subject string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Subject != "" {
		fmt.Fprintf(&b, " [%s %q]", e.Kind.subjectLabel(), e.Subject)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of subject.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Subject == "" || t.Subject == e.Subject)
}

// Sentinels for errors.Is.
var (
	ErrPluginLoad           = &Error{Kind: KindPluginLoad}
	ErrGraphValidation      = &Error{Kind: KindGraphValidation}
	ErrUnsupportedFieldType = &Error{Kind: KindUnsupportedFieldType}
	ErrCyclicGraph          = &Error{Kind: KindCyclicGraph}
	ErrRowProcessing        = &Error{Kind: KindRowProcessing}
	ErrEngineRuntime        = &Error{Kind: KindEngineRuntime}
)

func PluginLoad(pluginID string, err error) error {
	return &Error{Kind: KindPluginLoad, Subject: pluginID, Err: err}
}

func GraphValidation(node, format string, args ...any) error {
	return &Error{Kind: KindGraphValidation, Subject: node, Message: fmt.Sprintf(format, args...)}
}

// GraphValidationWrap keeps the cause reachable through errors.Unwrap.
func GraphValidationWrap(node string, err error, format string, args ...any) error {
	return &Error{Kind: KindGraphValidation, Subject: node, Message: fmt.Sprintf(format, args...), Err: err}
}

func UnsupportedFieldType(field, typ string) error {
	return &Error{Kind: KindUnsupportedFieldType, Subject: field, Message: fmt.Sprintf("type %q cannot be transported", typ)}
}

func CyclicGraph(nodes []string) error {
	subject := ""
	if len(nodes) > 0 {
		subject = nodes[0]
	}
	return &Error{Kind: KindCyclicGraph, Subject: subject, Message: "cycle through " + strings.Join(nodes, " -> ")}
}

func RowProcessing(transform string, seq int64, err error) error {
	return &Error{Kind: KindRowProcessing, Subject: transform, Message: fmt.Sprintf("element %d", seq), Err: err}
}

func EngineRuntime(engine string, err error) error {
	return &Error{Kind: KindEngineRuntime, Subject: engine, Err: err}
}

// KindOf returns the kind of the first taxonomy error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SubjectOf returns the offending identifier carried by err, if any.
func SubjectOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}

// IsFatal reports whether err aborts the surrounding operation. Row errors
// are counted first and only become fatal through the engine's threshold.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindUnknown, KindRowProcessing:
		return false
	default:
		return true
	}
}

// Wrap adds component context to an error without classifying it.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}
