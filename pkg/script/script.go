// Package script reads measure scripts: a sequence of mirror angles, each
// with a number of measurements to take there, repeated a number of times.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"finesse/pkg/device"
)

var (
	ErrEmptySequence = errors.New("measure script sequence is empty")
	ErrInvalidAngle  = errors.New("invalid angle")
	ErrInvalidCount  = errors.New("invalid count")
)

// Angle is either a named preset or a value in degrees.
type Angle struct {
	Preset  string
	Degrees float64
}

func Degrees(d float64) Angle  { return Angle{Degrees: d} }
func Preset(name string) Angle { return Angle{Preset: name} }
func (a Angle) IsPreset() bool { return a.Preset != "" }

// Resolve returns the angle in degrees.
func (a Angle) Resolve() float64 {
	if a.IsPreset() {
		d, _ := device.PresetAngle(a.Preset)
		return d
	}
	return a.Degrees
}

// Target is the argument sent with a stepper motor move: the preset name
// or the angle in degrees.
func (a Angle) Target() any { return a.value() }

func (a Angle) value() any {
	if a.IsPreset() {
		return a.Preset
	}
	return a.Degrees
}

func (a Angle) String() string {
	if a.IsPreset() {
		return a.Preset
	}
	return strconv.FormatFloat(a.Degrees, 'f', -1, 64) + "°"
}

func (a Angle) MarshalJSON() ([]byte, error) { return json.Marshal(a.value()) }

func (a Angle) MarshalYAML() (any, error) { return a.value(), nil }

// ParseAngle accepts a preset name or a number of degrees in [0, 360).
func ParseAngle(v any) (Angle, error) {
	switch a := v.(type) {
	case string:
		if _, ok := device.PresetAngle(a); !ok {
			return Angle{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidAngle, a)
		}
		return Preset(a), nil
	case int:
		return degrees(float64(a))
	case int64:
		return degrees(float64(a))
	case float64:
		return degrees(a)
	}
	return Angle{}, fmt.Errorf("%w: %v", ErrInvalidAngle, v)
}

func degrees(d float64) (Angle, error) {
	if d < 0 || d >= 360 {
		return Angle{}, fmt.Errorf("%w: %v is outside [0, 360)", ErrInvalidAngle, d)
	}
	return Degrees(d), nil
}

type Step struct {
	Angle Angle `json:"angle"`
	Count int   `json:"measurements"`
}

// Program is a validated measure script.
type Program struct {
	Repeats  int    `json:"repeats"`
	Sequence []Step `json:"sequence"`
}

// Moves is the number of move commands a full run issues.
func (p Program) Moves() int { return p.Repeats * len(p.Sequence) }

// Measurements is the number of measurements a full run takes.
func (p Program) Measurements() int {
	n := 0
	for _, s := range p.Sequence {
		n += s.Count
	}
	return p.Repeats * n
}

// Document is a measure script as written on disk.
type Document struct {
	Repeats  int            `yaml:"repeats" json:"repeats"`
	Sequence []StepDocument `yaml:"sequence" json:"sequence"`
}

type StepDocument struct {
	Angle        any `yaml:"angle" json:"angle"`
	Measurements int `yaml:"measurements" json:"measurements"`
}

// FromDocument validates doc.
func FromDocument(doc Document) (Program, error) {
	if doc.Repeats < 1 {
		return Program{}, fmt.Errorf("%w: repeats must be at least 1, got %d", ErrInvalidCount, doc.Repeats)
	}
	if len(doc.Sequence) == 0 {
		return Program{}, ErrEmptySequence
	}

	p := Program{Repeats: doc.Repeats, Sequence: make([]Step, 0, len(doc.Sequence))}
	for i, s := range doc.Sequence {
		angle, err := ParseAngle(s.Angle)
		if err != nil {
			return Program{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		if s.Measurements < 1 {
			return Program{}, fmt.Errorf("step %d: %w: measurements must be at least 1, got %d", i+1, ErrInvalidCount, s.Measurements)
		}
		p.Sequence = append(p.Sequence, Step{Angle: angle, Count: s.Measurements})
	}
	return p, nil
}

// Parse decodes and validates a YAML measure script.
func Parse(data []byte) (Program, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Program{}, fmt.Errorf("parsing measure script: %w", err)
	}
	return FromDocument(doc)
}

// Document converts p back to its on-disk form.
func (p Program) Document() Document {
	doc := Document{Repeats: p.Repeats, Sequence: make([]StepDocument, 0, len(p.Sequence))}
	for _, s := range p.Sequence {
		doc.Sequence = append(doc.Sequence, StepDocument{Angle: s.Angle.value(), Measurements: s.Count})
	}
	return doc
}

// Marshal encodes p as YAML.
func (p Program) Marshal() ([]byte, error) {
	return yaml.Marshal(p.Document())
}
