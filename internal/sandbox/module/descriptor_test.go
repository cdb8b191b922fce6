package module

import (
	"strings"
	"testing"

	"github.com/gridsite/platform/internal/sandbox/capability"
)

func validDescriptor() Descriptor {
	return Descriptor{
		ID:        "mod-chat",
		Name:      "Live Chat",
		Slug:      "live-chat",
		SourceURL: "https://modules.example.com/live-chat/bundle.js",
		Manifest: Manifest{
			Version:      "1.2.0",
			Capabilities: []capability.Capability{capability.ReadStorage, capability.WriteSettings},
		},
	}
}

func TestDescriptor_Validate(t *testing.T) {
	d := validDescriptor()
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestDescriptor_Validate_MissingFields(t *testing.T) {
	d := Descriptor{}
	err := d.Validate()
	if err == nil {
		t.Fatal("Validate() accepted empty descriptor")
	}
	for _, want := range []string{"id is required", "name is required", "slug is required", "sourceUrl is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestManifest_Validate_UnknownCapability(t *testing.T) {
	d := validDescriptor()
	d.Manifest.Capabilities = append(d.Manifest.Capabilities, capability.Capability("root-access"))
	if err := d.Validate(); err == nil {
		t.Fatal("Validate() accepted manifest with unknown capability")
	}
}

func TestNewInstallRecord(t *testing.T) {
	rec, err := NewInstallRecord(validDescriptor(), capability.ReadStorage)
	if err != nil {
		t.Fatalf("NewInstallRecord failed: %v", err)
	}

	if !capability.IsGranted(rec.Grants, capability.ReadStorage) {
		t.Error("granted capability missing from grant set")
	}
	if capability.IsGranted(rec.Grants, capability.WriteSettings) {
		t.Error("ungranted capability present in grant set")
	}
	if !rec.Enabled {
		t.Error("new install record not enabled")
	}
	if len(rec.GrantList) != 1 || rec.GrantList[0] != "read-storage" {
		t.Errorf("GrantList = %v, want [read-storage]", rec.GrantList)
	}
}

func TestNewInstallRecord_GrantBeyondManifest(t *testing.T) {
	// network-fetch is not in the manifest's requested set.
	_, err := NewInstallRecord(validDescriptor(), capability.NetworkFetch)
	if err == nil {
		t.Fatal("NewInstallRecord granted a capability the manifest never requested")
	}
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
id: mod-forms
name: Forms
slug: forms
sourceUrl: https://modules.example.com/forms/bundle.js
manifest:
  version: "0.3.1"
  capabilities:
    - read-storage
    - analytics
`)
	d, err := Parse(data, "forms.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if d.ID != "mod-forms" || len(d.Manifest.Capabilities) != 2 {
		t.Errorf("Parse = %+v, want mod-forms with 2 capabilities", d)
	}
}

func TestParse_JSON_Invalid(t *testing.T) {
	if _, err := Parse([]byte(`{"id":"x"}`), "m.json"); err == nil {
		t.Fatal("Parse accepted descriptor missing required fields")
	}
}

func TestNewInstanceID_Distinct(t *testing.T) {
	if NewInstanceID() == NewInstanceID() {
		t.Error("NewInstanceID returned equal ids")
	}
}
