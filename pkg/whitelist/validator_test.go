package whitelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(DefaultCatalog(), WithLogger(zerolog.New(nil).Level(zerolog.Disabled)))
	if err != nil {
		t.Fatalf("Failed to compile default catalog: %v", err)
	}
	return v
}

func TestMetacharactersAlwaysRejected(t *testing.T) {
	v := newTestValidator(t)

	commands := []string{
		"systemctl restart nginx; rm -rf /",
		"systemctl restart nginx | cat",
		"systemctl restart nginx && reboot",
		"systemctl restart `whoami`",
		"systemctl restart $(whoami)",
		"systemctl restart nginx > /tmp/out",
		"systemctl restart nginx < /etc/passwd",
		"uptime;",
	}

	for _, cmd := range commands {
		for _, actionType := range append(v.Actions(), "not_an_action", "") {
			if v.IsWhitelisted(cmd, actionType) {
				t.Errorf("Expected %q to be rejected for action %q", cmd, actionType)
			}
		}
	}
}

func TestMetacharacterCheckedBeforeActionType(t *testing.T) {
	v := newTestValidator(t)

	err := v.Check("uptime; reboot", "not_an_action")
	if err == nil {
		t.Fatal("Expected rejection")
	}
	if !engine.IsSecurityRejection(err) {
		t.Errorf("Expected security rejection, got %v", err)
	}
}

func TestUnknownActionType(t *testing.T) {
	v := newTestValidator(t)

	err := v.Check("uptime", "reboot_everything")
	if err == nil {
		t.Fatal("Expected rejection for unknown action type")
	}
	if !engine.IsCatalogError(err) {
		t.Errorf("Expected catalog error, got %v", err)
	}
	if engine.CodeOf(err) != engine.ErrCodeUnknownAction {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeUnknownAction, engine.CodeOf(err))
	}
}

func TestIsWhitelisted(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name       string
		command    string
		actionType string
		want       bool
	}{
		{"restart service", "systemctl restart nginx", ActionRestartService, true},
		{"restart service with dash", "systemctl restart php8-fpm", ActionRestartService, true},
		{"service with dot", "systemctl restart nginx.service", ActionRestartService, false},
		{"service with space", "systemctl restart nginx sshd", ActionRestartService, false},
		{"service too long", "systemctl restart " + strings.Repeat("a", 65), ActionRestartService, false},
		{"service at max length", "systemctl restart " + strings.Repeat("a", 64), ActionRestartService, true},
		{"wrong verb", "systemctl stop nginx", ActionRestartService, false},
		{"trailing text", "systemctl restart nginx now", ActionRestartService, false},
		{"leading text", "sudo systemctl restart nginx", ActionRestartService, false},
		{"exact match", "sudo apt-get update -q", ActionAptUpdate, true},
		{"exact match with extra flag", "sudo apt-get update -q -y", ActionAptUpdate, false},
		{"exact match wrong action", "uptime", ActionAptUpdate, false},
		{"home path", "mkdir -p ~/.config/driftwatch/env.d", ActionCreateDirectory, true},
		{"home itself", "mkdir -p ~", ActionCreateDirectory, true},
		{"absolute path", "mkdir -p /etc/app", ActionCreateDirectory, true},
		{"relative path", "mkdir -p etc/app", ActionCreateDirectory, false},
		{"path with space", "mkdir -p /etc/my app", ActionCreateDirectory, false},
		{"path with glob", "rm -f /etc/*", ActionDeleteFile, false},
		{"root itself", "mkdir -p /", ActionCreateDirectory, true},
		{"dotted name", "test -e /etc/nginx/..data", ActionFileExists, true},
		{"parent element", "rm -f /tmp/../etc/shadow", ActionDeleteFile, false},
		{"leading parent element", "rm -f ~/../root/.ssh/authorized_keys", ActionDeleteFile, false},
		{"current element", "tee /etc/./sudoers", ActionWriteFile, false},
		{"empty element", "tee /etc//shadow", ActionWriteFile, false},
		{"trailing slash", "mkdir -p /etc/app/", ActionCreateDirectory, false},
		{"home with slash", "mkdir -p ~/", ActionCreateDirectory, false},
		{"bare parent", "rm -f /..", ActionDeleteFile, false},
		{"chmod", "chmod 0644 ~/.cfg", ActionSetFileMode, true},
		{"chmod three digits", "chmod 755 /usr/local/bin/tool", ActionSetFileMode, true},
		{"chmod symbolic", "chmod u+x /usr/local/bin/tool", ActionSetFileMode, false},
		{"chmod bad digit", "chmod 0849 ~/.cfg", ActionSetFileMode, false},
		{"chmod setuid", "chmod 4755 /usr/local/bin/tool", ActionSetFileMode, true},
		{"chmod sticky with leading zero", "chmod 01777 /srv/shared", ActionSetFileMode, true},
		{"chmod five digits", "chmod 14755 /usr/local/bin/tool", ActionSetFileMode, false},
		{"backup", "cp -p ~/.cfg ~/.cfg.bak", ActionBackupFile, true},
		{"backup extra arg", "cp -p ~/.cfg ~/.cfg.bak /etc/x", ActionBackupFile, false},
		{"install", "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q curl", ActionInstallPackage, true},
		{"install two packages", "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q curl jq", ActionInstallPackage, false},
		{"install flag as package", "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q --purge", ActionInstallPackage, false},
		{"read setting", "grep -m1 '^export EDITOR=' ~/.config/driftwatch/env.d/base.sh", ActionReadEnvSetting, true},
		{"read setting bad key", "grep -m1 '^export ED.TOR=' ~/.config/driftwatch/env.d/base.sh", ActionReadEnvSetting, false},
		{"unset setting", "sed -i '/^export EDITOR=/d' ~/.config/driftwatch/env.d/base.sh", ActionUnsetEnvVar, true},
		{"unset blanket", "sed -i '/^export .*=/d' ~/.config/driftwatch/env.d/base.sh", ActionUnsetEnvVar, false},
		{"package query", "dpkg-query -W -f='${Package} ${db:Status-Status} ${Version}\\n' curl jq libc6:amd64", ActionPackageVersions, true},
		{"package query injection", "dpkg-query -W -f='${Package} ${db:Status-Status} ${Version}\\n' curl -a", ActionPackageVersions, false},
		{"probe batch", "sh -s", ActionProbeBatch, true},
		{"probe batch with args", "sh -s -- -x", ActionProbeBatch, false},
		{"stat", "stat -c %a ~/.cfg", ActionFileMode, true},
		{"hash", "sha256sum ~/.cfg", ActionFileHash, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.IsWhitelisted(tt.command, tt.actionType); got != tt.want {
				t.Errorf("IsWhitelisted(%q, %q) = %v, want %v", tt.command, tt.actionType, got, tt.want)
			}
		})
	}
}

func TestRepeatedPlaceholderMustAgree(t *testing.T) {
	catalog := &Catalog{
		Actions: []Action{{Type: "copy_self", Pattern: "cp {file_path} {file_path}.orig"}},
		Rules:   map[string]Rule{ParamFilePath: {Pattern: pathPattern, MaxLength: 255}},
	}
	v, err := New(catalog)
	if err != nil {
		t.Fatalf("Failed to compile catalog: %v", err)
	}

	if !v.IsWhitelisted("cp /etc/a /etc/a.orig", "copy_self") {
		t.Error("Expected matching repeated placeholder to be accepted")
	}
	if v.IsWhitelisted("cp /etc/a /etc/b.orig", "copy_self") {
		t.Error("Expected differing repeated placeholder to be rejected")
	}
}

func TestNewRejectsBadCatalog(t *testing.T) {
	tests := []struct {
		name    string
		catalog *Catalog
	}{
		{
			name: "missing rule",
			catalog: &Catalog{
				Actions: []Action{{Type: "x", Pattern: "echo {thing}"}},
			},
		},
		{
			name: "metacharacter in pattern",
			catalog: &Catalog{
				Actions: []Action{{Type: "x", Pattern: "echo hi > /tmp/x"}},
			},
		},
		{
			name: "duplicate type",
			catalog: &Catalog{
				Actions: []Action{{Type: "x", Pattern: "uptime"}, {Type: "x", Pattern: "df -h"}},
			},
		},
		{
			name: "invalid rule regexp",
			catalog: &Catalog{
				Actions: []Action{{Type: "x", Pattern: "echo {thing}"}},
				Rules:   map[string]Rule{"thing": {Pattern: "([", MaxLength: 3}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.catalog); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestRenderMatchesValidator(t *testing.T) {
	v := newTestValidator(t)

	line, err := Render(ActionBackupFile, map[string]string{
		ParamFilePath:   "~/.cfg",
		ParamBackupPath: "~/.cfg.bak",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if line != "cp -p ~/.cfg ~/.cfg.bak" {
		t.Errorf("Expected rendered backup command, got %q", line)
	}
	if !v.IsWhitelisted(line, ActionBackupFile) {
		t.Errorf("Expected rendered line %q to be whitelisted", line)
	}

	if _, err := Render(ActionBackupFile, map[string]string{ParamFilePath: "~/.cfg"}); err == nil {
		t.Error("Expected error for missing parameter")
	}
	if _, err := Render("nope", nil); err == nil {
		t.Error("Expected error for unknown action")
	}
}

func TestLoadCatalogFileAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	content := `actions:
  - type: reload_service
    pattern: "systemctl reload {service_name}"
    description: Reload a unit
  - type: show_unit
    pattern: "systemctl cat {unit}"
placeholders:
  unit:
    pattern: "^[a-z]+\\.service$"
    max_length: 64
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	extra, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile failed: %v", err)
	}

	merged, err := DefaultCatalog().Merge(extra)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	v, err := New(merged)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !v.IsWhitelisted("systemctl reload nginx", "reload_service") {
		t.Error("Expected loaded action to be whitelisted")
	}
	if !v.IsWhitelisted("systemctl cat nginx.service", "show_unit") {
		t.Error("Expected loaded placeholder rule to apply")
	}
	if v.IsWhitelisted("systemctl cat nginx", "show_unit") {
		t.Error("Expected loaded placeholder rule to reject")
	}

	if _, err := merged.Merge(extra); err == nil {
		t.Error("Expected error when merging a redefined action")
	}
}

func TestLoadCatalogFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	if err := os.WriteFile(path, []byte("actions:\n  - type: x\n"), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	if _, err := LoadCatalogFile(path); err == nil {
		t.Error("Expected validation error for action without pattern")
	}
}
