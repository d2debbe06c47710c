// Package compliance loads compliance framework definitions from YAML
// documents and serves them per provider type.
package compliance

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/cloudscan-armada/internal/domain/compliance"
	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
)

//go:embed frameworks/*.yaml
var builtin embed.FS

var _ compliance.Catalog = (*Catalog)(nil)

// Catalog is an immutable, in-memory compliance.Catalog. Frameworks are keyed
// by the lowercase provider named in each document.
type Catalog struct {
	byProvider map[scanning.ProviderType][]compliance.Framework
}

// Builtin returns the catalog shipped with the binary.
func Builtin() (*Catalog, error) {
	sub, err := fs.Sub(builtin, "frameworks")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load parses every *.yaml document at the root of fsys. A document's file
// name without extension becomes the framework ID.
func Load(fsys fs.FS) (*Catalog, error) {
	paths, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("listing framework documents: %w", err)
	}

	c := &Catalog{byProvider: make(map[scanning.ProviderType][]compliance.Framework)}
	for _, p := range paths {
		fw, err := decodeFramework(fsys, p)
		if err != nil {
			return nil, err
		}
		pt, err := scanning.ParseProviderType(strings.ToLower(fw.Provider))
		if err != nil {
			return nil, fmt.Errorf("framework %s: %w", fw.ID, err)
		}
		c.byProvider[pt] = append(c.byProvider[pt], fw)
	}
	for pt := range c.byProvider {
		slices.SortFunc(c.byProvider[pt], func(a, b compliance.Framework) int {
			return strings.Compare(a.ID, b.ID)
		})
	}
	return c, nil
}

func decodeFramework(fsys fs.FS, p string) (compliance.Framework, error) {
	var fw compliance.Framework
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return fw, fmt.Errorf("reading framework %s: %w", p, err)
	}
	if err := yaml.Unmarshal(data, &fw); err != nil {
		return fw, fmt.Errorf("parsing framework %s: %w", p, err)
	}
	fw.ID = strings.TrimSuffix(path.Base(p), path.Ext(p))
	if fw.Name == "" {
		return fw, fmt.Errorf("framework %s has no name", fw.ID)
	}
	seen := make(map[string]struct{}, len(fw.Requirements))
	for _, r := range fw.Requirements {
		if _, dup := seen[r.ID]; dup {
			return fw, fmt.Errorf("framework %s repeats requirement %q", fw.ID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return fw, nil
}

// ForProvider returns the frameworks for providerType ordered by ID. The
// result is a copy; requirements are shared and must not be modified.
func (c *Catalog) ForProvider(_ context.Context, providerType scanning.ProviderType) ([]compliance.Framework, error) {
	return slices.Clone(c.byProvider[providerType]), nil
}

// Len returns the number of loaded frameworks.
func (c *Catalog) Len() int {
	n := 0
	for _, fws := range c.byProvider {
		n += len(fws)
	}
	return n
}
