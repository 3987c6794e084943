package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ncrtrack/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Policy().StrictContainment {
		t.Fatalf("default containment should be strict")
	}
	if cfg.TagLimit() != DefaultTagSuggestionLimit {
		t.Fatalf("tag limit = %d", cfg.TagLimit())
	}
	perms := strings.Join(cfg.Permissions(domain.RoleQE), ",")
	if !strings.Contains(perms, "ncr.close") {
		t.Fatalf("qe should close: %s", perms)
	}
	if strings.Contains(strings.Join(cfg.Permissions(domain.RoleNCROwner), ","), "user.manage") {
		t.Fatalf("ncr_owner must not manage users")
	}
}

func TestFromYAMLFillsMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("workflow:\n  containment_policy: lenient\n  sites: [Austin, Lyon]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Policy().StrictContainment {
		t.Fatalf("expected lenient policy")
	}
	if len(cfg.Workflow.Sites) != 2 {
		t.Fatalf("sites = %v", cfg.Workflow.Sites)
	}
	if cfg.Numbering.Allocator != "sequence" {
		t.Fatalf("allocator = %q", cfg.Numbering.Allocator)
	}
	if cfg.Bootstrap.Admin.Username != "admin" {
		t.Fatalf("admin seed = %+v", cfg.Bootstrap.Admin)
	}
	if len(cfg.Permissions(domain.RoleAdmin)) == 0 {
		t.Fatalf("roles not defaulted")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"allocator":   "numbering:\n  allocator: random\n",
		"containment": "workflow:\n  containment_policy: loose\n",
		"limit":       "workflow:\n  tag_suggestion_limit: -1\n",
		"no admin":    "rbac:\n  roles:\n    qe:\n      permissions: [ncr.read]\n",
		"bad role":    "rbac:\n  roles:\n    admin:\n      permissions: [ncr.read]\n    intern:\n      permissions: [ncr.read]\n",
		"empty perm":  "rbac:\n  roles:\n    admin:\n      permissions: [\"\"]\n",
		"bad yaml":    "workflow: [",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ncrtrack.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load written default: %v", err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Resolve(dir, "")
	if err != nil || !cfg.Policy().StrictContainment {
		t.Fatalf("resolve defaults: %+v %v", cfg, err)
	}
	path := filepath.Join(dir, "other.yml")
	if err := os.WriteFile(path, []byte("workflow:\n  containment_policy: lenient\n  tag_suggestion_limit: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Resolve(dir, path)
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	if cfg.Policy().StrictContainment || cfg.TagLimit() != 3 {
		t.Fatalf("path config not applied: %+v", cfg.Workflow)
	}
	if len(cfg.RBAC.Roles) == 0 {
		t.Fatalf("roles should fall back to defaults")
	}
	if _, err := Resolve(dir, filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("missing path accepted")
	}
}
