// Package registry holds the catalogue of device base types and the
// concrete device types that implement them.
//
// A Registry is filled once at start-up and then frozen. After Freeze every
// method is a read and is safe for concurrent use.
package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/spf13/cast"

	"finesse/pkg/device"
)

// TypeGroup is one entry of a registry listing: a base type and the
// device types that implement it.
type TypeGroup struct {
	BaseType    device.BaseType       `json:"base_type"`
	Instances   []device.InstanceInfo `json:"instances"`
	Descriptors []device.Descriptor   `json:"descriptors"`
}

type Registry struct {
	mu     sync.RWMutex
	frozen bool

	baseTypes   map[string]device.BaseType
	baseOrder   []string
	descriptors map[string]device.Descriptor
	byBase      map[string][]string
}

func New() *Registry {
	return &Registry{
		baseTypes:   make(map[string]device.BaseType),
		descriptors: make(map[string]device.Descriptor),
		byBase:      make(map[string][]string),
	}
}

func (r *Registry) RegisterBaseType(bt device.BaseType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return device.ErrRegistryFrozen
	}
	if bt.Name == "" {
		return fmt.Errorf("%w: base type has no name", device.ErrInvalidDescriptor)
	}
	if _, ok := r.baseTypes[bt.Name]; ok {
		return &device.Error{Kind: device.ErrDuplicateBaseType, Cause: fmt.Errorf("%q", bt.Name)}
	}

	r.baseTypes[bt.Name] = bt
	r.baseOrder = append(r.baseOrder, bt.Name)
	return nil
}

// Register adds a concrete device type. The descriptor's parameters are
// merged over its base type's: base parameters are kept and may only be
// re-defaulted, never dropped or re-typed.
func (r *Registry) Register(d device.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return device.ErrRegistryFrozen
	}
	if d.ClassID == "" {
		return fmt.Errorf("%w: missing class id", device.ErrInvalidDescriptor)
	}
	if _, ok := r.descriptors[d.ClassID]; ok {
		return &device.Error{Kind: device.ErrDuplicateClassID, ClassID: d.ClassID}
	}
	bt, ok := r.baseTypes[d.BaseType]
	if !ok {
		return &device.Error{Kind: device.ErrUnknownBaseType, ClassID: d.ClassID, Cause: fmt.Errorf("%q", d.BaseType)}
	}
	if d.New == nil {
		return &device.Error{Kind: device.ErrInvalidDescriptor, ClassID: d.ClassID, Cause: fmt.Errorf("no factory")}
	}

	params, err := mergeParameters(bt.Parameters, d.Parameters)
	if err != nil {
		return &device.Error{Kind: device.ErrInvalidDescriptor, ClassID: d.ClassID, Cause: err}
	}
	for i, p := range params {
		if len(p.Choices) > 0 {
			choices := make([]any, len(p.Choices))
			for j, c := range p.Choices {
				v, err := coerce(p, c)
				if err != nil {
					return &device.Error{Kind: device.ErrInvalidDescriptor, ClassID: d.ClassID, Param: p.Name, Cause: fmt.Errorf("choice: %w", err)}
				}
				choices[j] = v
			}
			params[i].Choices = choices
			p.Choices = choices
		}
		if !p.HasDefault() {
			continue
		}
		v, err := coerce(p, p.Default)
		if err == nil {
			err = p.CheckDomain(v)
		}
		if err != nil {
			return &device.Error{Kind: device.ErrInvalidDescriptor, ClassID: d.ClassID, Param: p.Name, Cause: fmt.Errorf("default: %w", err)}
		}
		params[i].Default = v
	}
	d.Parameters = params

	r.descriptors[d.ClassID] = d
	r.byBase[d.BaseType] = append(r.byBase[d.BaseType], d.ClassID)
	return nil
}

func mergeParameters(base, own []device.ParameterSpec) ([]device.ParameterSpec, error) {
	out := make([]device.ParameterSpec, 0, len(base)+len(own))
	index := make(map[string]int)
	for _, p := range base {
		index[p.Name] = len(out)
		out = append(out, p)
	}

	for _, p := range own {
		i, ok := index[p.Name]
		if !ok {
			index[p.Name] = len(out)
			out = append(out, p)
			continue
		}
		if p.Kind != "" && p.Kind != out[i].Kind {
			return nil, fmt.Errorf("parameter %q redeclared as %s, was %s", p.Name, p.Kind, out[i].Kind)
		}
		out[i].Default = p.Default
	}
	return out, nil
}

// Freeze ends registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// ListTypes returns base types in registration order, each with its device
// types sorted by description.
func (r *Registry) ListTypes() []TypeGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]TypeGroup, 0, len(r.baseOrder))
	for _, name := range r.baseOrder {
		bt := r.baseTypes[name]
		g := TypeGroup{BaseType: bt, Instances: bt.Instances()}
		for _, id := range r.byBase[name] {
			g.Descriptors = append(g.Descriptors, r.descriptors[id])
		}
		sort.SliceStable(g.Descriptors, func(i, j int) bool {
			return g.Descriptors[i].Description < g.Descriptors[j].Description
		})
		groups = append(groups, g)
	}
	return groups
}

func (r *Registry) Lookup(classID string) (device.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[classID]
	return d, ok
}

func (r *Registry) BaseType(name string) (device.BaseType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bt, ok := r.baseTypes[name]
	return bt, ok
}

// ValidateInstance checks that ref names a registered base type and an
// instance name that base type allows, and that classID implements it.
func (r *Registry) ValidateInstance(ref device.InstanceRef, classID string) (device.Descriptor, error) {
	d, ok := r.Lookup(classID)
	if !ok {
		return device.Descriptor{}, &device.Error{Kind: device.ErrUnknownDeviceType, Instance: ref, ClassID: classID}
	}
	bt, ok := r.BaseType(ref.BaseType)
	if !ok {
		return device.Descriptor{}, &device.Error{Kind: device.ErrUnknownBaseType, Instance: ref, ClassID: classID}
	}
	if d.BaseType != bt.Name {
		return device.Descriptor{}, &device.Error{
			Kind:     device.ErrUnknownDeviceType,
			Instance: ref,
			ClassID:  classID,
			Cause:    fmt.Errorf("implements %s, not %s", d.BaseType, bt.Name),
		}
	}
	if !bt.AllowsName(ref.Name) {
		return device.Descriptor{}, &device.Error{Kind: device.ErrInvalidInstanceName, Instance: ref, ClassID: classID}
	}
	return d, nil
}

// ResolveParameters returns a complete parameter set for classID: supplied
// values coerced to their declared kinds and checked against their domains,
// with defaults filled in for anything omitted.
func (r *Registry) ResolveParameters(classID string, supplied map[string]any) (device.Params, error) {
	d, ok := r.Lookup(classID)
	if !ok {
		return nil, &device.Error{Kind: device.ErrUnknownDeviceType, ClassID: classID}
	}

	for name := range supplied {
		if _, ok := d.Parameter(name); !ok {
			return nil, &device.Error{Kind: device.ErrUnknownParameter, ClassID: classID, Param: name}
		}
	}

	out := make(device.Params, len(d.Parameters))
	for _, p := range d.Parameters {
		// An explicit null counts as not supplied.
		raw, ok := supplied[p.Name]
		if !ok || raw == nil {
			if !p.HasDefault() {
				return nil, &device.Error{Kind: device.ErrMissingParameter, ClassID: classID, Param: p.Name}
			}
			out[p.Name] = p.Default
			continue
		}

		v, err := coerce(p, raw)
		if err == nil {
			err = p.CheckDomain(v)
		}
		if err != nil {
			return nil, &device.Error{Kind: device.ErrInvalidParameterValue, ClassID: classID, Param: p.Name, Cause: err}
		}
		out[p.Name] = v
	}
	return out, nil
}

// coerce converts v to the Go type used for p's kind: string, int, float64
// or bool. Booleans are never numbers, and only true, false, "true" and
// "false" are booleans.
func coerce(p device.ParameterSpec, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("no value")
	}

	switch p.Kind {
	case device.KindString:
		return cast.ToStringE(v)
	case device.KindInt:
		if _, ok := v.(bool); ok {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		if f, ok := v.(float64); ok && f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		if f, ok := v.(float32); ok && float64(f) != math.Trunc(float64(f)) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return cast.ToIntE(v)
	case device.KindFloat:
		if _, ok := v.(bool); ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return cast.ToFloat64E(v)
	case device.KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if b == "true" || b == "false" {
				return cast.ToBoolE(b)
			}
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	}
	return nil, fmt.Errorf("unsupported parameter kind %q", p.Kind)
}
