package assistant

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/prompts.yaml
var templateFS embed.FS

type promptSet struct {
	System string `yaml:"system"`
	Update string `yaml:"update"`
	Create string `yaml:"create"`
}

func loadPrompts() (*promptSet, error) {
	data, err := templateFS.ReadFile("templates/prompts.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt templates: %w", err)
	}
	var ps promptSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	if ps.System == "" || ps.Update == "" || ps.Create == "" {
		return nil, fmt.Errorf("prompt templates incomplete")
	}
	return &ps, nil
}

// build returns the system and user messages for one request. The update
// template is used when there is existing code to modify.
func (ps *promptSet) build(prompt, code, language string) (system, user string) {
	r := strings.NewReplacer("{{.Language}}", language, "{{.Code}}", code, "{{.Prompt}}", prompt)
	tmpl := ps.Create
	if strings.TrimSpace(code) != "" {
		tmpl = ps.Update
	}
	return strings.TrimSpace(r.Replace(ps.System)), strings.TrimSpace(r.Replace(tmpl))
}
