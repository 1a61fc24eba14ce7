// Package defaults loads per-role default dashboards.
package defaults

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iota-uz/dashsync/modules/layouts/domain/grid"
	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

//go:embed roles.yaml
var embeddedRoles []byte

type catalogFile struct {
	Roles map[string][]region.Template `yaml:"roles"`
}

// Catalog serves role defaults from a YAML document.
type Catalog struct {
	roles map[string][]region.Template
}

// Load reads the catalog from path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := embeddedRoles
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read role defaults: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse role defaults: %w", err)
	}

	roles := make(map[string][]region.Template, len(file.Roles))
	for role, templates := range file.Roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return nil, fmt.Errorf("parse role defaults: empty role name")
		}
		out := make([]region.Template, 0, len(templates))
		for i, t := range templates {
			if !t.Type.Valid() {
				return nil, fmt.Errorf("role %s region %d: %w: %q", role, i, services.ErrUnknownRegionType, t.Type)
			}
			pos := t.Position.WithDefaults()
			if !grid.Valid(region.Region{GridRow: pos.Row, GridCol: pos.Col, RowSpan: pos.RowSpan, ColSpan: pos.ColSpan}) {
				return nil, fmt.Errorf("role %s region %d: position %+v does not fit the grid", role, i, pos)
			}
			out = append(out, region.Template{Type: t.Type, Position: pos})
		}
		roles[role] = out
	}
	return &Catalog{roles: roles}, nil
}

func (c *Catalog) RoleDefaults(_ context.Context, role string) ([]region.Template, error) {
	templates, ok := c.roles[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", services.ErrUnknownRole, role)
	}
	out := make([]region.Template, len(templates))
	copy(out, templates)
	return out, nil
}

// Roles lists the known role names in sorted order.
func (c *Catalog) Roles() []string {
	out := make([]string, 0, len(c.roles))
	for role := range c.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
