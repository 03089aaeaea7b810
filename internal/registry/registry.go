// Package registry maps plugin ids to typed factories. It is the only place
// where plugins are looked up by string.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	errs "hopflow/internal/errors"
)

type Category string

const (
	CategoryPipelineEngine Category = "pipeline-engine"
	CategoryWorkflowEngine Category = "workflow-engine"
	CategoryTransform      Category = "transform"
	CategoryAction         Category = "action"
	CategoryExtension      Category = "extension"
)

var (
	ErrNotRegistered = errors.New("plugin not registered")
	ErrNilInstance   = errors.New("factory returned nil")
)

// Descriptor describes one registered plugin. The registry hands out copies,
// so a descriptor never changes after registration.
type Descriptor struct {
	ID          string
	Name        string
	Category    Category
	Type        reflect.Type
	Tags        []string
	Description string
}

func (d Descriptor) HasTag(tag string) bool { return slices.Contains(d.Tags, tag) }

func (d Descriptor) clone() Descriptor {
	d.Tags = slices.Clone(d.Tags)
	return d
}

type entry struct {
	desc    Descriptor
	factory func() (any, error)
}

type Registry struct {
	mu        sync.RWMutex
	contracts map[Category]reflect.Type
	byID      map[string]*entry
	order     []string
}

func New() *Registry {
	return &Registry{
		contracts: make(map[Category]reflect.Type),
		byID:      make(map[string]*entry),
	}
}

// Declare binds a category to the interface its plugins must implement.
// Registrations into an undeclared category are not checked.
func Declare[I any](r *Registry, cat Category) {
	t := reflect.TypeFor[I]()
	if t.Kind() != reflect.Interface {
		panic(fmt.Sprintf("registry: contract for %s must be an interface, got %s", cat, t))
	}
	r.mu.Lock()
	r.contracts[cat] = t
	r.mu.Unlock()
}

// Register adds a plugin. T is the concrete type the factory builds; it is
// checked against the category contract here, never at call time.
func Register[T any](r *Registry, d Descriptor, factory func() (T, error)) error {
	if d.ID == "" {
		return errors.New("registry: descriptor id is empty")
	}
	if factory == nil {
		return fmt.Errorf("registry: plugin %q has no factory", d.ID)
	}
	typ := reflect.TypeFor[T]()
	d.Type = typ
	if d.Name == "" {
		d.Name = d.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[d.ID]; dup {
		return fmt.Errorf("registry: plugin id %q already registered", d.ID)
	}
	if contract, ok := r.contracts[d.Category]; ok && !typ.Implements(contract) {
		return fmt.Errorf("registry: plugin %q: %s does not implement %s required by category %s", d.ID, typ, contract, d.Category)
	}
	r.byID[d.ID] = &entry{
		desc:    d.clone(),
		factory: func() (any, error) { return factory() },
	}
	r.order = append(r.order, d.ID)
	return nil
}

// MustRegister is Register for init-time wiring.
func MustRegister[T any](r *Registry, d Descriptor, factory func() (T, error)) {
	if err := Register(r, d, factory); err != nil {
		panic(err)
	}
}

// Find is an exact, case-sensitive lookup.
func (r *Registry) Find(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.clone(), true
}

// FindAll returns the plugins of a category in registration order.
func (r *Registry) FindAll(cat Category) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, id := range r.order {
		if e := r.byID[id]; e.desc.Category == cat {
			out = append(out, e.desc.clone())
		}
	}
	return out
}

// Instantiate builds a new plugin instance. Any failure, including a panic
// inside the factory, surfaces as a PluginLoadError; there is no fallback.
func (r *Registry) Instantiate(d Descriptor) (inst any, err error) {
	r.mu.RLock()
	e, ok := r.byID[d.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.PluginLoad(d.ID, ErrNotRegistered)
	}

	defer func() {
		if p := recover(); p != nil {
			inst, err = nil, errs.PluginLoad(d.ID, fmt.Errorf("factory panicked: %v", p))
		}
	}()
	inst, err = e.factory()
	if err != nil {
		return nil, errs.PluginLoad(d.ID, err)
	}
	if isNil(inst) {
		return nil, errs.PluginLoad(d.ID, ErrNilInstance)
	}
	return inst, nil
}

// InstantiateAs looks a plugin up by id and asserts it to I.
func InstantiateAs[I any](r *Registry, id string) (I, Descriptor, error) {
	var zero I
	d, ok := r.Find(id)
	if !ok {
		return zero, Descriptor{}, errs.PluginLoad(id, ErrNotRegistered)
	}
	inst, err := r.Instantiate(d)
	if err != nil {
		return zero, d, err
	}
	out, ok := inst.(I)
	if !ok {
		return zero, d, errs.PluginLoad(id, fmt.Errorf("%T does not implement %s", inst, reflect.TypeFor[I]()))
	}
	return out, d, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
