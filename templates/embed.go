package templates

import (
	"embed"
	"fmt"
	"html/template"
	"strings"

	"finesse/pkg/device"
)

//go:embed *.html
var FS embed.FS

var funcs = template.FuncMap{
	"properties": formatProperties,
}

// formatProperties renders device state properties as "name=value" pairs.
func formatProperties(props []device.StateProperty) string {
	parts := make([]string, 0, len(props))
	for _, p := range props {
		parts = append(parts, fmt.Sprintf("%s=%v", p.Name, p.Value))
	}
	return strings.Join(parts, ", ")
}

// LoadTemplates parses the setup and status pages from the embedded
// filesystem.
func LoadTemplates() (*template.Template, error) {
	return template.New("finesse").Funcs(funcs).ParseFS(FS, "*.html")
}
