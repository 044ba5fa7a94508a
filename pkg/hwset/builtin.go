package hwset

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sets/*.yaml
var builtinFS embed.FS

// BuiltIn returns the hardware sets shipped with the binary, sorted by name.
func BuiltIn() ([]Document, error) {
	paths, err := fs.Glob(builtinFS, "sets/*.yaml")
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		data, err := builtinFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		doc, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Catalogue lists hardware sets, built-in sets first.
type Catalogue struct {
	builtIn []Document
	user    func() ([]Document, error)
}

// NewCatalogue combines the built-in sets with those returned by user,
// which may be nil.
func NewCatalogue(user func() ([]Document, error)) (*Catalogue, error) {
	docs, err := BuiltIn()
	if err != nil {
		return nil, err
	}
	return &Catalogue{builtIn: docs, user: user}, nil
}

type Listing struct {
	Document
	BuiltIn bool `json:"built_in"`
}

func (c *Catalogue) List() ([]Listing, error) {
	out := make([]Listing, 0, len(c.builtIn))
	for _, d := range c.builtIn {
		out = append(out, Listing{Document: d, BuiltIn: true})
	}
	if c.user == nil {
		return out, nil
	}

	user, err := c.user()
	if err != nil {
		return nil, err
	}
	sort.Slice(user, func(i, j int) bool { return user[i].Name < user[j].Name })
	for _, d := range user {
		out = append(out, Listing{Document: d})
	}
	return out, nil
}

// Find returns the first set called name. Built-in sets win over user sets
// of the same name.
func (c *Catalogue) Find(name string) (Listing, bool, error) {
	all, err := c.List()
	if err != nil {
		return Listing{}, false, err
	}
	for _, l := range all {
		if l.Name == name {
			return l, true, nil
		}
	}
	return Listing{}, false, nil
}
