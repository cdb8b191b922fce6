// Package module defines the identity of a loaded extension: its
// descriptor, declared manifest, and install record. Descriptors are
// immutable once an instance is running; an update or reinstall replaces
// the descriptor rather than mutating it.
package module

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gridsite/platform/internal/sandbox/capability"
)

// Descriptor identifies one installed extension module.
type Descriptor struct {
	// ID is the unique module identifier.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable module name.
	Name string `json:"name" yaml:"name"`

	// Slug is the URL-safe short name.
	Slug string `json:"slug" yaml:"slug"`

	// SourceURL is where the module bundle is served from. The execution
	// context's origin allow-list derives from it.
	SourceURL string `json:"sourceUrl" yaml:"sourceUrl"`

	// Manifest is what the module declares about itself.
	Manifest Manifest `json:"manifest" yaml:"manifest"`
}

// Manifest is the module's self-declaration. Requested capabilities are a
// wish list; grants are decided at install time and may be narrower.
type Manifest struct {
	Version      string                  `json:"version" yaml:"version"`
	Capabilities []capability.Capability `json:"capabilities" yaml:"capabilities"`
	Description  string                  `json:"description,omitempty" yaml:"description,omitempty"`
}

// InstallRecord pairs a descriptor with the grants an administrator
// approved for this installation.
type InstallRecord struct {
	Descriptor Descriptor         `json:"descriptor" yaml:"descriptor"`
	Grants     capability.GrantSet `json:"-" yaml:"-"`
	GrantList  []string           `json:"grants" yaml:"grants"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
}

// Validate validates the descriptor.
func (d *Descriptor) Validate() error {
	var errs []string

	if d.ID == "" {
		errs = append(errs, "id is required")
	}
	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.Slug == "" {
		errs = append(errs, "slug is required")
	}
	if d.SourceURL == "" {
		errs = append(errs, "sourceUrl is required")
	}
	if err := d.Manifest.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid module descriptor:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Validate validates the manifest. Requested capabilities must come from
// the registry; a manifest naming unknown tokens is rejected outright
// rather than silently ignored, so authors find out at install time.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	for _, c := range m.Capabilities {
		if !capability.Known(c) {
			return fmt.Errorf("manifest: unknown capability %q", c)
		}
	}
	return nil
}

// NewInstallRecord creates an install record granting the listed
// capabilities. Grants outside the manifest's requested set are refused:
// an administrator cannot hand a module more than it asked for.
func NewInstallRecord(d Descriptor, granted ...capability.Capability) (InstallRecord, error) {
	if err := d.Validate(); err != nil {
		return InstallRecord{}, err
	}

	requested := make(map[capability.Capability]struct{}, len(d.Manifest.Capabilities))
	for _, c := range d.Manifest.Capabilities {
		requested[c] = struct{}{}
	}
	for _, c := range granted {
		if _, ok := requested[c]; !ok {
			return InstallRecord{}, fmt.Errorf("capability %q granted but not requested by manifest", c)
		}
	}

	gs, err := capability.NewGrantSet(granted...)
	if err != nil {
		return InstallRecord{}, err
	}

	list := make([]string, 0, gs.Len())
	for _, c := range gs.List() {
		list = append(list, string(c))
	}

	return InstallRecord{
		Descriptor: d,
		Grants:     gs,
		GrantList:  list,
		Enabled:    true,
	}, nil
}

// NewInstanceID returns a fresh execution instance id. One descriptor may
// run at several mount points; each mount gets its own instance.
func NewInstanceID() string {
	return uuid.NewString()
}

// Load loads a descriptor from a file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return Parse(data, path)
}

// Parse parses descriptor data as YAML or JSON based on the filename.
func Parse(data []byte, filename string) (*Descriptor, error) {
	var d Descriptor

	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
