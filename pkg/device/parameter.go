package device

import "fmt"

type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// ParameterSpec declares a parameter a device accepts. A nil Default means
// the parameter must be supplied. Choices restricts the value to a finite
// set; Min and Max restrict numeric parameters to a closed range.
type ParameterSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        Kind     `json:"kind"`
	Default     any      `json:"default,omitempty"`
	Choices     []any    `json:"choices,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

func (p ParameterSpec) HasDefault() bool {
	return p.Default != nil
}

// Bound returns a pointer to v, for use as Min or Max.
func Bound(v float64) *float64 {
	return &v
}

// CheckDomain reports whether an already-coerced value lies within the
// parameter's declared domain.
func (p ParameterSpec) CheckDomain(v any) error {
	if len(p.Choices) > 0 {
		found := false
		for _, c := range p.Choices {
			if c == v {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%v is not one of %v", v, p.Choices)
		}
	}

	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case float64:
		f = n
	default:
		return nil
	}
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("%v is less than minimum %v", v, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("%v is greater than maximum %v", v, *p.Max)
	}
	return nil
}

// Params holds resolved parameter values keyed by name.
type Params map[string]any

func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

func (p Params) Int(name string) int {
	n, _ := p[name].(int)
	return n
}

func (p Params) Float(name string) float64 {
	f, _ := p[name].(float64)
	return f
}

func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}
