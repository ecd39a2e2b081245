package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yml
var templatesFS embed.FS

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

type Template struct {
	System   string `yaml:"system"`
	Examples string `yaml:"examples"`
	User     string `yaml:"user"`
	Format   string `yaml:"format"`
}

// Library holds the prompt templates shipped with the binary, keyed by
// file stem (intent, column, sql).
type Library struct {
	templates map[string]Template
}

func Load() (*Library, error) {
	return LoadFS(templatesFS, "templates")
}

func LoadFS(fsys fs.FS, dir string) (*Library, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read template directory: %w", err)
	}

	library := &Library{templates: map[string]Template{}}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %q: %w", entry.Name(), err)
		}
		var template Template
		if err := yaml.Unmarshal(data, &template); err != nil {
			return nil, fmt.Errorf("parse template %q: %w", entry.Name(), err)
		}
		if strings.TrimSpace(template.User) == "" {
			return nil, fmt.Errorf("template %q has no user section", entry.Name())
		}
		name := strings.TrimSuffix(entry.Name(), ".yml")
		library.templates[name] = template
	}
	if len(library.templates) == 0 {
		return nil, fmt.Errorf("no templates found in %q", dir)
	}
	return library, nil
}

// Render assembles a template's sections in order and substitutes every
// {placeholder} from vars. A placeholder left unfilled is an error so a
// missing variable never reaches the model silently.
func (l *Library) Render(name string, vars map[string]string) (string, error) {
	template, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}

	sections := make([]string, 0, 4)
	for _, section := range []string{template.System, template.Examples, template.User, template.Format} {
		if strings.TrimSpace(section) != "" {
			sections = append(sections, strings.TrimSpace(section))
		}
	}
	rendered := strings.Join(sections, "\n\n")

	for key, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	if leftover := placeholderPattern.FindString(rendered); leftover != "" {
		return "", fmt.Errorf("template %q has unfilled placeholder %s", name, leftover)
	}
	return rendered, nil
}
