package packs

import (
	"strings"
	"testing"

	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

func testPack() *Pack {
	return &Pack{
		Name: "web",
		Files: []FileItem{
			{Path: "~/.cfg", Mode: "0644", Content: "color=auto\n"},
			{Path: "/etc/app/app.conf", Mode: "0600", Content: "listen=:80\n"},
		},
		Packages: []PackageItem{
			{Name: "curl", MinVersion: "8.0.0"},
		},
		Settings: []SettingItem{
			{Key: "EDITOR", Value: "vim", Kind: SettingKindEnvVar},
		},
	}
}

func TestPlanApply(t *testing.T) {
	ops, err := Plan(testPack(), ModeApply)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(ops) != 4 {
		t.Fatalf("Expected 4 operations, got %d", len(ops))
	}

	wantKinds := []OperationKind{OpCreateFile, OpCreateFile, OpInstallPackage, OpSetEnvVar}
	for i, want := range wantKinds {
		if ops[i].Kind != want {
			t.Errorf("Operation %d: expected kind %s, got %s", i, want, ops[i].Kind)
		}
	}

	file := ops[0]
	if file.Item != "~/.cfg" {
		t.Errorf("Expected item ~/.cfg, got %s", file.Item)
	}
	if len(file.Steps) != 3 {
		t.Fatalf("Expected 3 steps for file, got %d", len(file.Steps))
	}
	if file.Steps[0].Line != "mkdir -p ~" {
		t.Errorf("Expected parent directory creation, got %q", file.Steps[0].Line)
	}
	if file.Steps[1].Line != "tee ~/.cfg" {
		t.Errorf("Expected tee write, got %q", file.Steps[1].Line)
	}
	if string(file.Steps[1].Stdin) != "color=auto\n" {
		t.Errorf("Expected content on stdin, got %q", file.Steps[1].Stdin)
	}
	if file.Steps[2].Line != "chmod 0644 ~/.cfg" {
		t.Errorf("Expected chmod, got %q", file.Steps[2].Line)
	}

	if ops[1].Steps[0].Line != "mkdir -p /etc/app" {
		t.Errorf("Expected mkdir of /etc/app, got %q", ops[1].Steps[0].Line)
	}

	pkg := ops[2]
	if len(pkg.Steps) != 1 {
		t.Fatalf("Expected 1 step for package, got %d", len(pkg.Steps))
	}
	if pkg.Steps[0].Line != "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q curl" {
		t.Errorf("Unexpected install line %q", pkg.Steps[0].Line)
	}

	setting := ops[3]
	purposes := []StepPurpose{StepCreateDirectory, StepEnsureFragment, StepReadSetting, StepStripSetting, StepAppendSetting}
	if len(setting.Steps) != len(purposes) {
		t.Fatalf("Expected %d steps for setting, got %d", len(purposes), len(setting.Steps))
	}
	for i, p := range purposes {
		if setting.Steps[i].Purpose != p {
			t.Errorf("Setting step %d: expected %s, got %s", i, p, setting.Steps[i].Purpose)
		}
	}
	if got := string(setting.Steps[4].Stdin); got != "export EDITOR='vim'\n" {
		t.Errorf("Expected export line on stdin, got %q", got)
	}
	if !strings.HasSuffix(setting.Steps[4].Line, FragmentPath("web")) {
		t.Errorf("Expected append to the pack fragment, got %q", setting.Steps[4].Line)
	}
}

func TestPlanRemoveNeverUninstalls(t *testing.T) {
	ops, err := Plan(testPack(), ModeRemove)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	for _, op := range ops {
		if op.Kind == OpInstallPackage {
			t.Errorf("Remove produced an install operation for %s", op.Item)
		}
		for _, s := range op.Steps {
			if strings.Contains(s.Line, "apt-get") || strings.Contains(s.Line, "dpkg") {
				t.Errorf("Remove produced a package manager command: %q", s.Line)
			}
		}
		if op.Package != nil {
			if op.Kind != OpSkipPackage {
				t.Errorf("Expected skip for package %s, got %s", op.Item, op.Kind)
			}
			if len(op.Steps) != 0 {
				t.Errorf("Expected no steps for skipped package, got %d", len(op.Steps))
			}
		}
	}
}

func TestPlanRemoveFile(t *testing.T) {
	ops, err := Plan(testPack(), ModeRemove)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	file := ops[0]
	if file.Kind != OpDeleteFile {
		t.Fatalf("Expected delete_file, got %s", file.Kind)
	}
	if file.BackupPath != "~/.cfg.bak" {
		t.Errorf("Expected backup path ~/.cfg.bak, got %s", file.BackupPath)
	}

	want := []string{"test -e ~/.cfg", "cp -p ~/.cfg ~/.cfg.bak", "rm -f ~/.cfg"}
	if len(file.Steps) != len(want) {
		t.Fatalf("Expected %d steps, got %d", len(want), len(file.Steps))
	}
	for i, line := range want {
		if file.Steps[i].Line != line {
			t.Errorf("Step %d: expected %q, got %q", i, line, file.Steps[i].Line)
		}
	}

	setting := ops[3]
	if setting.Kind != OpUnsetEnvVar {
		t.Fatalf("Expected unset_env_var, got %s", setting.Kind)
	}
	last := setting.Steps[len(setting.Steps)-1].Line
	if last != "sed -i '/^export EDITOR=/d' "+FragmentPath("web") {
		t.Errorf("Unexpected unset command %q", last)
	}
}

func TestPlannedLinesAreWhitelisted(t *testing.T) {
	v, err := whitelist.New(whitelist.DefaultCatalog())
	if err != nil {
		t.Fatalf("Failed to build validator: %v", err)
	}

	for _, mode := range []Mode{ModeApply, ModeRemove} {
		ops, err := Plan(testPack(), mode)
		if err != nil {
			t.Fatalf("Plan(%s) failed: %v", mode, err)
		}
		for _, op := range ops {
			for _, s := range op.Steps {
				if err := v.Check(s.Line, s.ActionType); err != nil {
					t.Errorf("%s %s: line %q rejected: %v", mode, op.Item, s.Line, err)
				}
			}
		}
	}
}

func TestPlanHashOnlyFileSkipsWrite(t *testing.T) {
	pack := &Pack{
		Name: "base",
		Files: []FileItem{
			{Path: "~/.cfg", Mode: "0644", ContentHash: strings.Repeat("a", 64)},
		},
	}

	ops, err := Plan(pack, ModeApply)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, s := range ops[0].Steps {
		if s.Purpose == StepWriteContent {
			t.Error("Expected no write step for a hash-only file")
		}
	}
}

func TestPlanInvalidInput(t *testing.T) {
	if _, err := Plan(nil, ModeApply); err == nil {
		t.Error("Expected error for nil pack")
	}
	if _, err := Plan(testPack(), Mode("purge")); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestPreview(t *testing.T) {
	pack := &Pack{
		Name: "tools",
		Files: []FileItem{
			{Path: "~/.a", Mode: "0644", Content: "a"},
			{Path: "~/.b", Mode: "0644", Content: "b"},
		},
		Packages: []PackageItem{{Name: "jq"}},
		Settings: []SettingItem{{Key: "PAGER", Value: "less", Kind: SettingKindEnvVar}},
	}

	items, err := Preview(pack, ModeRemove)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Expected 4 preview items, got %d", len(items))
	}
	if items[2].Kind != OpSkipPackage || items[2].Note != NoteSkippedPackage {
		t.Errorf("Expected skipped package with note, got %+v", items[2])
	}
	if len(items[0].Commands) != 3 {
		t.Errorf("Expected 3 commands for file removal, got %d", len(items[0].Commands))
	}
}

func TestPlanEmptyPack(t *testing.T) {
	ops, err := Plan(&Pack{Name: "base"}, ModeApply)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("Expected no operations, got %d", len(ops))
	}
}

func TestExportLineRoundTrip(t *testing.T) {
	tests := []struct {
		value string
		line  string
	}{
		{"vim", "export EDITOR='vim'"},
		{"it's", `export EDITOR='it'\''s'`},
		{"", "export EDITOR=''"},
		{"a b $HOME", "export EDITOR='a b $HOME'"},
	}

	for _, tt := range tests {
		line := ExportLine("EDITOR", tt.value)
		if line != tt.line {
			t.Errorf("ExportLine(%q) = %q, want %q", tt.value, line, tt.line)
		}
		key, value, ok := ParseExportLine(line)
		if !ok || key != "EDITOR" || value != tt.value {
			t.Errorf("ParseExportLine(%q) = %q, %q, %v", line, key, value, ok)
		}
	}

	if _, _, ok := ParseExportLine("EDITOR=vim"); ok {
		t.Error("Expected line without export prefix to be rejected")
	}
	if _, value, _ := ParseExportLine(`export EDITOR="nano"`); value != "nano" {
		t.Errorf("Expected double quoted value nano, got %q", value)
	}
}
