package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/stores"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

var testServer = &stores.Server{ID: "srv-1", Hostname: "web-01", Address: "10.0.0.5", AssignedPacks: []string{"base"}}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.List()
	expected := []string{"protected-paths", "sensitive-settings", "world-writable-files"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name || !policies[i].Builtin {
			t.Errorf("Expected built-in policy %s at %d, got %+v", name, i, policies[i])
		}
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		mode       packs.Mode
		pack       *packs.Pack
		allowed    bool
		violations int
		warnings   int
		wantPolicy string
		wantItem   string
	}{
		{
			name: "ordinary pack",
			mode: packs.ModeApply,
			pack: &packs.Pack{
				Name:     "web",
				Files:    []packs.FileItem{{Path: "/etc/nginx/nginx.conf", Mode: "0644", Content: "x"}},
				Packages: []packs.PackageItem{{Name: "nginx"}},
				Settings: []packs.SettingItem{{Key: "APP_ENV", Value: "prod", Kind: packs.SettingKindEnvVar}},
			},
			allowed: true,
		},
		{
			name:       "protected path on apply",
			mode:       packs.ModeApply,
			pack:       &packs.Pack{Name: "evil", Files: []packs.FileItem{{Path: "/etc/sudoers.d/evil", Mode: "0440", Content: "x"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "protected-paths",
			wantItem:   "/etc/sudoers.d/evil",
		},
		{
			name:       "protected path on remove",
			mode:       packs.ModeRemove,
			pack:       &packs.Pack{Name: "evil", Files: []packs.FileItem{{Path: "/boot/grub/grub.cfg", Mode: "0644", Content: "x"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "protected-paths",
		},
		{
			name:       "parent element hides protected path",
			mode:       packs.ModeApply,
			pack:       &packs.Pack{Name: "evil", Files: []packs.FileItem{{Path: "/tmp/../etc/shadow", Mode: "0640", Content: "x"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "protected-paths",
			wantItem:   "/tmp/../etc/shadow",
		},
		{
			name:       "empty element hides protected path",
			mode:       packs.ModeRemove,
			pack:       &packs.Pack{Name: "evil", Files: []packs.FileItem{{Path: "/etc//shadow", Mode: "0640"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "protected-paths",
		},
		{
			name:       "current element hides protected path",
			mode:       packs.ModeApply,
			pack:       &packs.Pack{Name: "evil", Files: []packs.FileItem{{Path: "/etc/./sudoers", Mode: "0440", Content: "x"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "protected-paths",
		},
		{
			name:       "world writable",
			mode:       packs.ModeApply,
			pack:       &packs.Pack{Name: "tmp", Files: []packs.FileItem{{Path: "/srv/shared.txt", Mode: "0666", Content: "x"}}},
			allowed:    false,
			violations: 1,
			wantPolicy: "world-writable-files",
			wantItem:   "/srv/shared.txt",
		},
		{
			name:    "world writable removal is allowed",
			mode:    packs.ModeRemove,
			pack:    &packs.Pack{Name: "tmp", Files: []packs.FileItem{{Path: "/srv/shared.txt", Mode: "0666", Content: "x"}}},
			allowed: true,
		},
		{
			name:       "sensitive setting warns",
			mode:       packs.ModeApply,
			pack:       &packs.Pack{Name: "libs", Settings: []packs.SettingItem{{Key: "LD_PRELOAD", Value: "/opt/lib.so", Kind: packs.SettingKindEnvVar}}},
			allowed:    true,
			warnings:   1,
			wantPolicy: "sensitive-settings",
			wantItem:   "LD_PRELOAD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), NewInput(tt.mode, testServer, tt.pack))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.allowed, decision.Allowed, decision.Violations)
			}
			if len(decision.Violations) != tt.violations {
				t.Errorf("Expected %d violations, got %+v", tt.violations, decision.Violations)
			}
			if len(decision.Warnings) != tt.warnings {
				t.Errorf("Expected %d warnings, got %+v", tt.warnings, decision.Warnings)
			}
			if len(decision.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %v", decision.EvaluatedPolicies)
			}

			found := append(decision.Violations, decision.Warnings...)
			if tt.wantPolicy != "" {
				if len(found) == 0 || found[0].Policy != tt.wantPolicy {
					t.Fatalf("Expected a %s entry, got %+v", tt.wantPolicy, found)
				}
				if tt.wantItem != "" && found[0].Item != tt.wantItem {
					t.Errorf("Expected item %s, got %s", tt.wantItem, found[0].Item)
				}
			}
		})
	}
}

func TestEnableDisable(t *testing.T) {
	eng := newTestEngine(t)
	pack := &packs.Pack{Name: "tmp", Files: []packs.FileItem{{Path: "/srv/shared.txt", Mode: "0777", Content: "x"}}}

	if err := eng.Disable("world-writable-files"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	decision, err := eng.Evaluate(context.Background(), NewInput(packs.ModeApply, testServer, pack))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed || len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("Expected disabled policy to be skipped, got %+v", decision)
	}

	if err := eng.Enable("world-writable-files"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	decision, _ = eng.Evaluate(context.Background(), NewInput(packs.ModeApply, testServer, pack))
	if decision.Allowed {
		t.Error("Expected re-enabled policy to block")
	}

	if err := eng.Disable("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const optPolicy = `# Only ops packs may touch /opt.
# severity: error
package site.opt

import rego.v1

deny contains msg if {
	some file in input.pack.files
	startswith(file.path, "/opt/")
	not startswith(input.pack.name, "ops-")
	msg := sprintf("%s is reserved for ops packs", [file.path])
}
`

func TestLoadCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "opt.rego"), []byte(optPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := NewLoader(testLogger()).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "opt" || p.Severity != SeverityError || p.Description != "Only ops packs may touch /opt." {
		t.Errorf("Unexpected policy %+v", p)
	}

	if err := eng.Load(context.Background(), policies); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	pack := &packs.Pack{Name: "web", Files: []packs.FileItem{{Path: "/opt/web/app.conf", Mode: "0644", Content: "x"}}}
	decision, err := eng.Evaluate(context.Background(), NewInput(packs.ModeApply, testServer, pack))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed || len(decision.Violations) != 1 || decision.Violations[0].Policy != "opt" {
		t.Errorf("Expected custom policy to block, got %+v", decision)
	}
	if decision.Violations[0].Message != "/opt/web/app.conf is reserved for ops packs" {
		t.Errorf("Unexpected message %q", decision.Violations[0].Message)
	}

	// Loading an empty set drops custom policies but keeps built-ins.
	if err := eng.Load(context.Background(), nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := len(eng.List()); got != 3 {
		t.Errorf("Expected only built-ins to remain, got %d", got)
	}
}

func TestLoadRejectsInvalidPolicies(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.Load(context.Background(), []Policy{{Name: "broken", Rego: "package x\n\ndeny contains if {"}}); err == nil {
		t.Error("Expected compile error")
	}
	if err := eng.Load(context.Background(), []Policy{{Name: "protected-paths", Rego: "package x\n"}}); err == nil {
		t.Error("Expected error when shadowing a built-in policy")
	}
	if got := len(eng.List()); got != 3 {
		t.Errorf("Expected failed loads to leave policies unchanged, got %d", got)
	}
}

func TestWatchReloads(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	loader := NewLoader(testLogger())
	loader.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loader.Watch(ctx, dir, eng); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Stop()

	if err := os.WriteFile(filepath.Join(dir, "opt.rego"), []byte(optPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.Get("opt"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected the new policy to be loaded after the file was written")
}
