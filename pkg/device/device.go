package device

import (
	"fmt"
	"strings"
)

// BaseType is a family of devices sharing a capability interface
// (e.g. stepper motor). Its name is used in bus topics.
type BaseType struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// InstanceNames lists the names allowed to disambiguate several
	// instances of this type. Empty means a single unnamed instance.
	InstanceNames []InstanceName `json:"instance_names,omitempty"`

	// Parameters shared by every device of this type.
	Parameters []ParameterSpec `json:"parameters,omitempty"`

	Commands []string `json:"commands"`
	Events   []string `json:"events"`
}

type InstanceName struct {
	Short string `json:"short"`
	Long  string `json:"long"`
}

// AllowsName reports whether name is a valid instance name for this type.
// The empty name is only valid for types without instance names.
func (b BaseType) AllowsName(name string) bool {
	if len(b.InstanceNames) == 0 {
		return name == ""
	}
	for _, n := range b.InstanceNames {
		if n.Short == name {
			return true
		}
	}
	return false
}

func (b BaseType) HasCommand(name string) bool {
	for _, c := range b.Commands {
		if c == name {
			return true
		}
	}
	return false
}

// Instances returns every addressable instance of this type along with a
// human-readable description.
func (b BaseType) Instances() []InstanceInfo {
	if len(b.InstanceNames) == 0 {
		return []InstanceInfo{{Ref: InstanceRef{BaseType: b.Name}, Description: b.Description}}
	}

	out := make([]InstanceInfo, 0, len(b.InstanceNames))
	for _, n := range b.InstanceNames {
		out = append(out, InstanceInfo{
			Ref:         InstanceRef{BaseType: b.Name, Name: n.Short},
			Description: fmt.Sprintf("%s (%s)", b.Description, n.Long),
		})
	}
	return out
}

type InstanceInfo struct {
	Ref         InstanceRef `json:"instance"`
	Description string      `json:"description"`
}

// Descriptor describes a concrete, instantiable device implementation.
type Descriptor struct {
	ClassID     string          `json:"class_id"`
	BaseType    string          `json:"base_type"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters"`

	// New constructs a driver. It is not called until the device is opened.
	New Factory `json:"-"`
}

// Parameter returns the spec for the named parameter.
func (d Descriptor) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// InstanceRef uniquely identifies a device instance: a base type plus an
// optional name.
type InstanceRef struct {
	BaseType string `json:"base_type"`
	Name     string `json:"name,omitempty"`
}

// ParseInstanceRef parses "base_type" or "base_type.name".
func ParseInstanceRef(s string) (InstanceRef, error) {
	base, name, _ := strings.Cut(s, ".")
	if base == "" {
		return InstanceRef{}, fmt.Errorf("invalid device key %q", s)
	}
	if strings.Contains(name, ".") {
		return InstanceRef{}, fmt.Errorf("invalid device key %q", s)
	}
	return InstanceRef{BaseType: base, Name: name}, nil
}

func (r InstanceRef) String() string {
	if r.Name == "" {
		return r.BaseType
	}
	return r.BaseType + "." + r.Name
}

// Tokens returns the topic tokens addressing this instance.
func (r InstanceRef) Tokens() []string {
	if r.Name == "" {
		return []string{r.BaseType}
	}
	return []string{r.BaseType, r.Name}
}

// StateProperty is a single named value describing the live state of a device.
type StateProperty struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Command is a request forwarded to an opened device.
type Command struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Float returns the named argument as a float64.
func (c Command) Float(name string) (float64, error) {
	v, ok := c.Args[name]
	if !ok {
		return 0, fmt.Errorf("%s: missing argument %q", c.Name, name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%s: argument %q is not a number", c.Name, name)
}
