package whitelist

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Action types known to the default catalog.
const (
	ActionRestartService  = "restart_service"
	ActionServiceStatus   = "service_status"
	ActionAptUpdate       = "apt_update"
	ActionApplyUpdates    = "apply_updates"
	ActionClearLogs       = "clear_logs"
	ActionDiskUsage       = "disk_usage"
	ActionUptime          = "uptime"
	ActionCreateDirectory = "create_directory"
	ActionWriteFile       = "write_file"
	ActionSetFileMode     = "set_file_mode"
	ActionFileExists      = "file_exists"
	ActionBackupFile      = "backup_file"
	ActionDeleteFile      = "delete_file"
	ActionInstallPackage  = "install_package"
	ActionEnsureEnvFile   = "ensure_env_file"
	ActionReadEnvSetting  = "read_env_setting"
	ActionUnsetEnvVar     = "unset_env_var"
	ActionAppendEnvVar    = "append_env_var"
	ActionFileMode        = "file_mode"
	ActionFileHash        = "file_hash"
	ActionPackageVersions = "package_versions"
	ActionProbeBatch      = "probe_batch"
)

// Placeholder names used by the default catalog.
const (
	ParamServiceName = "service_name"
	ParamDirPath     = "dir_path"
	ParamFilePath    = "file_path"
	ParamBackupPath  = "backup_path"
	ParamFileMode    = "file_mode"
	ParamPackageName = "package_name"
	ParamPackageList = "package_list"
	ParamEnvKey      = "env_key"
)

// Rule constrains the value extracted for one placeholder.
type Rule struct {
	Pattern   string `yaml:"pattern" validate:"required"`
	MaxLength int    `yaml:"max_length" validate:"required,min=1"`
}

// Action is one entry of the closed command catalog.
// Pattern is a literal command line with zero or more {name} placeholders.
type Action struct {
	Type        string `yaml:"type" validate:"required"`
	Pattern     string `yaml:"pattern" validate:"required"`
	Description string `yaml:"description"`
}

// Catalog is the data the validator is compiled from.
type Catalog struct {
	Actions []Action        `yaml:"actions" validate:"dive"`
	Rules   map[string]Rule `yaml:"placeholders" validate:"dive"`
}

const (
	// pathSegment is one path element other than "." and "..".
	pathSegment = `(?:\.?[A-Za-z0-9_+-][A-Za-z0-9._+-]*|\.\.[A-Za-z0-9._+-]+)`

	// pathPattern accepts clean paths only: no empty, "." or ".." elements
	// and no trailing slash.
	pathPattern    = `^(?:~|/|~?(?:/` + pathSegment + `)+)$`
	packagePattern = `[a-zA-Z0-9][a-zA-Z0-9.+_:-]*`
)

// DefaultCatalog returns the built-in catalog. Every command line the planner and the
// compliance checker render has an entry here.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Actions: []Action{
			{Type: ActionRestartService, Pattern: "systemctl restart {service_name}", Description: "Restart a systemd unit"},
			{Type: ActionServiceStatus, Pattern: "systemctl is-active {service_name}", Description: "Report whether a systemd unit is active"},
			{Type: ActionAptUpdate, Pattern: "sudo apt-get update -q", Description: "Refresh package indexes"},
			{Type: ActionApplyUpdates, Pattern: "sudo DEBIAN_FRONTEND=noninteractive apt-get upgrade -y -q", Description: "Apply pending package upgrades"},
			{Type: ActionClearLogs, Pattern: "sudo journalctl --vacuum-time=7d", Description: "Drop journal entries older than a week"},
			{Type: ActionDiskUsage, Pattern: "df -h", Description: "Report disk usage"},
			{Type: ActionUptime, Pattern: "uptime", Description: "Report uptime and load"},
			{Type: ActionCreateDirectory, Pattern: "mkdir -p {dir_path}", Description: "Create a directory and its parents"},
			{Type: ActionWriteFile, Pattern: "tee {file_path}", Description: "Write stdin to a file"},
			{Type: ActionSetFileMode, Pattern: "chmod {file_mode} {file_path}", Description: "Set POSIX permissions"},
			{Type: ActionFileExists, Pattern: "test -e {file_path}", Description: "Probe for file existence"},
			{Type: ActionBackupFile, Pattern: "cp -p {file_path} {backup_path}", Description: "Copy a file to its backup path"},
			{Type: ActionDeleteFile, Pattern: "rm -f {file_path}", Description: "Delete a file"},
			{Type: ActionInstallPackage, Pattern: "sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q {package_name}", Description: "Install a package if missing"},
			{Type: ActionEnsureEnvFile, Pattern: "touch {file_path}", Description: "Create the managed environment fragment"},
			{Type: ActionReadEnvSetting, Pattern: "grep -m1 '^export {env_key}=' {file_path}", Description: "Read one exported setting"},
			{Type: ActionUnsetEnvVar, Pattern: "sed -i '/^export {env_key}=/d' {file_path}", Description: "Delete one exported setting"},
			{Type: ActionAppendEnvVar, Pattern: "tee -a {file_path}", Description: "Append stdin to a file"},
			{Type: ActionFileMode, Pattern: "stat -c %a {file_path}", Description: "Probe octal permissions"},
			{Type: ActionFileHash, Pattern: "sha256sum {file_path}", Description: "Probe content hash"},
			{Type: ActionPackageVersions, Pattern: "dpkg-query -W -f='${Package} ${db:Status-Status} ${Version}\\n' {package_list}", Description: "Query installed package versions"},
			{Type: ActionProbeBatch, Pattern: "sh -s", Description: "Run a framed probe script read from stdin"},
		},
		Rules: map[string]Rule{
			ParamServiceName: {Pattern: `^[a-zA-Z0-9_-]+$`, MaxLength: 64},
			ParamDirPath:     {Pattern: pathPattern, MaxLength: 255},
			ParamFilePath:    {Pattern: pathPattern, MaxLength: 255},
			ParamBackupPath:  {Pattern: pathPattern, MaxLength: 255},
			ParamFileMode:    {Pattern: `^0?[0-7]{3,4}$`, MaxLength: 5},
			ParamPackageName: {Pattern: "^" + packagePattern + "$", MaxLength: 128},
			ParamPackageList: {Pattern: "^" + packagePattern + "( " + packagePattern + ")*$", MaxLength: 2048},
			ParamEnvKey:      {Pattern: `^[A-Za-z_][A-Za-z0-9_]*$`, MaxLength: 128},
		},
	}
}

// LoadCatalogFile reads additional actions and placeholder rules from a YAML file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog file %s: %w", path, err)
	}

	return &c, nil
}

// Merge returns a new catalog with other's entries added. Entries in other
// must not redefine an existing action type or placeholder rule.
func (c *Catalog) Merge(other *Catalog) (*Catalog, error) {
	merged := &Catalog{
		Actions: append([]Action(nil), c.Actions...),
		Rules:   make(map[string]Rule, len(c.Rules)),
	}
	for name, rule := range c.Rules {
		merged.Rules[name] = rule
	}
	if other == nil {
		return merged, nil
	}

	existing := make(map[string]bool, len(c.Actions))
	for _, a := range c.Actions {
		existing[a.Type] = true
	}
	for _, a := range other.Actions {
		if existing[a.Type] {
			return nil, fmt.Errorf("action type %q is already defined", a.Type)
		}
		existing[a.Type] = true
		merged.Actions = append(merged.Actions, a)
	}
	for name, rule := range other.Rules {
		if _, ok := merged.Rules[name]; ok {
			return nil, fmt.Errorf("placeholder rule %q is already defined", name)
		}
		merged.Rules[name] = rule
	}

	return merged, nil
}

// Pattern returns the command pattern registered for actionType.
func (c *Catalog) Pattern(actionType string) (string, bool) {
	for _, a := range c.Actions {
		if a.Type == actionType {
			return a.Pattern, true
		}
	}
	return "", false
}

// Types returns the action types in sorted order.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		types = append(types, a.Type)
	}
	sort.Strings(types)
	return types
}

// Render substitutes params into the pattern of actionType. It does not validate the
// result; the validator is the only authority on what may be sent.
func (c *Catalog) Render(actionType string, params map[string]string) (string, error) {
	pattern, ok := c.Pattern(actionType)
	if !ok {
		return "", fmt.Errorf("unknown action type: %s", actionType)
	}

	var missing []string
	line := placeholderRe.ReplaceAllStringFunc(pattern, func(token string) string {
		name := token[1 : len(token)-1]
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("action %s: missing parameters: %s", actionType, strings.Join(missing, ", "))
	}

	return line, nil
}

var defaultCatalog = DefaultCatalog()

// Render renders a command line from the default catalog.
func Render(actionType string, params map[string]string) (string, error) {
	return defaultCatalog.Render(actionType, params)
}
