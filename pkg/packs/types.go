package packs

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// BasePackName is the pack every server keeps assigned.
const BasePackName = "base"

// Mode selects whether a pack is pushed to or withdrawn from a host.
type Mode string

const (
	// ModeApply installs the pack's declared state.
	ModeApply Mode = "apply"
	// ModeRemove withdraws the pack's declared state.
	ModeRemove Mode = "remove"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeApply || m == ModeRemove
}

// SettingKind identifies how a setting is materialized on the host.
type SettingKind string

// SettingKindEnvVar is an exported shell variable in the pack's managed fragment.
const SettingKindEnvVar SettingKind = "env_var"

// FileItem declares a file with its permissions and content.
// When only ContentHash is set the content is managed elsewhere and only verified.
type FileItem struct {
	Path        string `yaml:"path" json:"path" validate:"required,max=255"`
	Mode        string `yaml:"mode" json:"mode" validate:"required"`
	Content     string `yaml:"content,omitempty" json:"content,omitempty"`
	ContentHash string `yaml:"content_hash,omitempty" json:"content_hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// ExpectedHash returns the sha256 hex digest the file must have on the host.
func (f FileItem) ExpectedHash() string {
	if f.ContentHash != "" {
		return strings.ToLower(f.ContentHash)
	}
	sum := sha256.Sum256([]byte(f.Content))
	return hex.EncodeToString(sum[:])
}

// HasContent reports whether the pack carries the file body.
func (f FileItem) HasContent() bool {
	return f.Content != "" || f.ContentHash == ""
}

// PackageItem declares a package that must be installed, optionally at a minimum version.
type PackageItem struct {
	Name       string `yaml:"name" json:"name" validate:"required,max=128"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// SettingItem declares a key/value setting.
type SettingItem struct {
	Key   string      `yaml:"key" json:"key" validate:"required,max=128"`
	Value string      `yaml:"value" json:"value"`
	Kind  SettingKind `yaml:"kind" json:"kind" validate:"required,oneof=env_var"`
}

// Pack is a named declarative bundle of desired files, packages and settings.
// Packs are immutable once loaded into a Catalog.
type Pack struct {
	Name        string        `yaml:"name" json:"name" validate:"required,max=64"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Files       []FileItem    `yaml:"files,omitempty" json:"files,omitempty" validate:"dive"`
	Packages    []PackageItem `yaml:"packages,omitempty" json:"packages,omitempty" validate:"dive"`
	Settings    []SettingItem `yaml:"settings,omitempty" json:"settings,omitempty" validate:"dive"`
}

// ItemCount returns the number of declared items.
func (p *Pack) ItemCount() int {
	return len(p.Files) + len(p.Packages) + len(p.Settings)
}

// IsEmpty reports whether the pack declares nothing.
func (p *Pack) IsEmpty() bool {
	return p.ItemCount() == 0
}

// OperationKind tags the variant of a planned operation.
type OperationKind string

// Apply variants.
const (
	OpCreateFile     OperationKind = "create_file"
	OpInstallPackage OperationKind = "install_package"
	OpSetEnvVar      OperationKind = "set_env_var"
)

// Remove variants.
const (
	OpDeleteFile  OperationKind = "delete_file"
	OpSkipPackage OperationKind = "skip_package"
	OpUnsetEnvVar OperationKind = "unset_env_var"
)

// StepPurpose tells the executor how to interpret the outcome of a step.
type StepPurpose string

const (
	StepCreateDirectory StepPurpose = "create_directory"
	StepWriteContent    StepPurpose = "write_content"
	StepSetMode         StepPurpose = "set_mode"
	StepProbeExists     StepPurpose = "probe_exists"
	StepBackup          StepPurpose = "backup"
	StepDelete          StepPurpose = "delete"
	StepInstall         StepPurpose = "install"
	StepEnsureFragment  StepPurpose = "ensure_fragment"
	StepReadSetting     StepPurpose = "read_setting"
	StepStripSetting    StepPurpose = "strip_setting"
	StepAppendSetting   StepPurpose = "append_setting"
)

// Step is one whitelisted command line. Stdin carries payloads such as file
// content so they never appear on the command line.
type Step struct {
	Purpose    StepPurpose `json:"purpose"`
	ActionType string      `json:"action_type"`
	Line       string      `json:"command"`
	Stdin      []byte      `json:"-"`
}

// Operation is one planned change for one pack item. Exactly one of File,
// Package or Setting is set, matching Kind.
type Operation struct {
	Kind       OperationKind `json:"kind"`
	Item       string        `json:"item"`
	Action     string        `json:"action"`
	File       *FileItem     `json:"-"`
	Package    *PackageItem  `json:"-"`
	Setting    *SettingItem  `json:"-"`
	BackupPath string        `json:"backup_path,omitempty"`
	Steps      []Step        `json:"steps,omitempty"`
}

// IsSkip reports whether the operation deliberately does nothing remotely.
func (o *Operation) IsSkip() bool {
	return o.Kind == OpSkipPackage
}

// PreviewItem is the dry-run rendering of one Operation.
type PreviewItem struct {
	Kind     OperationKind `json:"kind"`
	Item     string        `json:"item"`
	Action   string        `json:"action"`
	Commands []string      `json:"commands,omitempty"`
	Note     string        `json:"note,omitempty"`
}
