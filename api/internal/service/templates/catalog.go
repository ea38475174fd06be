package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
)

type catalogFile struct {
	Templates []domain.Template `yaml:"templates"`
}

// Catalog is the read-only set of templates users can deploy.
type Catalog struct {
	byID  map[string]domain.Template
	order []string
}

// Load reads a YAML catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode template catalog: %w", err)
	}
	return New(file.Templates...)
}

// New builds a Catalog, validating every entry.
func New(entries ...domain.Template) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]domain.Template, len(entries))}
	var problems []string
	for _, t := range entries {
		t.ID = strings.TrimSpace(t.ID)
		switch {
		case t.ID == "":
			problems = append(problems, "template without id")
			continue
		case t.SourceOwner == "" || t.SourceRepo == "":
			problems = append(problems, fmt.Sprintf("template %s: source_owner and source_repo are required", t.ID))
			continue
		}
		if _, dup := c.byID[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("template %s: duplicate id", t.ID))
			continue
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		c.byID[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	if len(problems) > 0 {
		return nil, errors.New("invalid template catalog: " + strings.Join(problems, "; "))
	}
	sort.Strings(c.order)
	return c, nil
}

// Get returns a template by id or repository.ErrNotFound.
func (c *Catalog) Get(_ context.Context, id string) (domain.Template, error) {
	t, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.Template{}, repository.ErrNotFound
	}
	t.RequiredConfig = append([]string(nil), t.RequiredConfig...)
	return t, nil
}

// List returns every template ordered by id.
func (c *Catalog) List(_ context.Context) []domain.Template {
	out := make([]domain.Template, 0, len(c.order))
	for _, id := range c.order {
		t := c.byID[id]
		t.RequiredConfig = append([]string(nil), t.RequiredConfig...)
		out = append(out, t)
	}
	return out
}
