// Package templates resolves template names to files under TEMPLATES_DIR.
//
// The directory may carry a catalog.yaml describing each template:
//
//	templates:
//	  - name: storage-account
//	    provider_type: terraform-azure
//	    cloud_provider: azure
//	    file: azure/storage.tf
//	    description: General purpose v2 storage account
//
// Templates not listed in the catalog are still resolvable by relative path.
package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"gopkg.in/yaml.v3"
)

const catalogFile = "catalog.yaml"

type Template struct {
	Name          string `yaml:"name" json:"name"`
	ProviderType  string `yaml:"provider_type" json:"provider_type"`
	CloudProvider string `yaml:"cloud_provider" json:"cloud_provider"`
	File          string `yaml:"file" json:"file"`
	Description   string `yaml:"description" json:"description,omitempty"`
	// Path is File joined onto the catalog root.
	Path string `yaml:"-" json:"-"`
}

type catalogDoc struct {
	Templates []Template `yaml:"templates"`
}

// Catalog is read from disk on every call so new templates show up without a restart.
type Catalog struct {
	root string
}

func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

func (c *Catalog) Root() string { return c.root }

// List returns the catalog entries sorted by name. A missing catalog.yaml
// yields an empty list.
func (c *Catalog) List() ([]Template, error) {
	raw, err := os.ReadFile(filepath.Join(c.root, catalogFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Template{}, nil
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read template catalog failed")
	}

	var doc catalogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "parse template catalog failed")
	}

	out := make([]Template, 0, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.Name == "" || t.File == "" {
			continue
		}
		if !filepath.IsLocal(t.File) {
			return nil, appErr.Newf(appErr.CodeInternal, "template %q points outside the templates dir", t.Name)
		}
		t.Path = filepath.Join(c.root, t.File)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Resolve finds a template by catalog name, falling back to a file path
// relative to the root. The file must exist.
func (c *Catalog) Resolve(name string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, appErr.New(appErr.CodeInvalid, "template name is required")
	}

	list, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Name == name {
			return c.checkFile(&list[i])
		}
	}

	if !filepath.IsLocal(name) {
		return nil, appErr.Newf(appErr.CodeInvalid, "invalid template name %q", name)
	}
	return c.checkFile(&Template{
		Name: name,
		File: name,
		Path: filepath.Join(c.root, name),
	})
}

func (c *Catalog) checkFile(t *Template) (*Template, error) {
	info, err := os.Stat(t.Path)
	if err != nil || info.IsDir() {
		return nil, appErr.New(appErr.CodeNotFound, fmt.Sprintf("Template not found: %s", t.Name)).
			WithMeta("template", t.Name)
	}
	return t, nil
}
