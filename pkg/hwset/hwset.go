// Package hwset loads hardware sets: named bundles of device types and
// parameters describing one rig configuration.
package hwset

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"finesse/pkg/device"
	"finesse/pkg/registry"
)

// SchemaVersion is the hardware-set document version this package reads.
const SchemaVersion = 1

var (
	ErrSchemaVersionMismatch = errors.New("hardware set schema version mismatch")
	ErrNoName                = errors.New("hardware set has no name")
)

// Entry is one device in a hardware-set document.
type Entry struct {
	ClassID string         `yaml:"class_id" json:"class_id"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Document is a hardware set as written on disk. Device keys are
// "base_type" or "base_type.instance_name".
type Document struct {
	Version int              `yaml:"version" json:"version"`
	Name    string           `yaml:"name" json:"name"`
	Devices map[string]Entry `yaml:"devices" json:"devices"`
}

// Device is a validated entry ready to be opened.
type Device struct {
	Instance device.InstanceRef `json:"instance"`
	ClassID  string             `json:"class_id"`
	Params   device.Params      `json:"params"`
}

// Set is a validated hardware set. Devices are ordered by key.
type Set struct {
	Name    string   `json:"name"`
	BuiltIn bool     `json:"built_in"`
	Devices []Device `json:"devices"`
}

// Parse decodes a YAML hardware-set document. A missing version is read as
// the current one.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing hardware set: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = SchemaVersion
	}
	return doc, nil
}

// Marshal encodes doc as YAML.
func Marshal(doc Document) ([]byte, error) {
	if doc.Version == 0 {
		doc.Version = SchemaVersion
	}
	return yaml.Marshal(doc)
}

// Load validates every entry of doc against reg. It either returns a
// complete Set or an error; nothing is opened either way.
func Load(doc Document, reg *registry.Registry) (*Set, error) {
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersionMismatch, doc.Version, SchemaVersion)
	}
	if doc.Name == "" {
		return nil, ErrNoName
	}

	keys := make([]string, 0, len(doc.Devices))
	for k := range doc.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := &Set{Name: doc.Name, Devices: make([]Device, 0, len(keys))}
	for _, key := range keys {
		entry := doc.Devices[key]
		ref, err := device.ParseInstanceRef(key)
		if err != nil {
			return nil, &device.Error{Kind: device.ErrInvalidInstanceName, ClassID: entry.ClassID, Cause: err}
		}
		if _, err := reg.ValidateInstance(ref, entry.ClassID); err != nil {
			return nil, err
		}
		params, err := reg.ResolveParameters(entry.ClassID, entry.Params)
		if err != nil {
			var derr *device.Error
			if errors.As(err, &derr) {
				c := *derr
				c.Instance = ref
				return nil, &c
			}
			return nil, err
		}
		set.Devices = append(set.Devices, Device{Instance: ref, ClassID: entry.ClassID, Params: params})
	}
	return set, nil
}

// Document converts the set back to its on-disk form.
func (s *Set) Document() Document {
	doc := Document{Version: SchemaVersion, Name: s.Name, Devices: make(map[string]Entry, len(s.Devices))}
	for _, d := range s.Devices {
		doc.Devices[d.Instance.String()] = Entry{ClassID: d.ClassID, Params: d.Params}
	}
	return doc
}
