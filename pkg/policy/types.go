package policy

import (
	"time"

	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/stores"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation at s rejects the run.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy is a Rego module whose deny set is evaluated before every apply or remove.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Item     string   `json:"item,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking entries.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking entries.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Mode      packs.Mode  `json:"mode"`
	Server    ServerInput `json:"server"`
	Pack      PackInput   `json:"pack"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServerInput describes the target server.
type ServerInput struct {
	ID            string   `json:"id"`
	Hostname      string   `json:"hostname"`
	Address       string   `json:"address"`
	AssignedPacks []string `json:"assigned_packs"`
}

// PackInput describes the pack being applied or removed. File content is
// reduced to its hash.
type PackInput struct {
	Name     string         `json:"name"`
	Files    []FileInput    `json:"files"`
	Packages []PackageInput `json:"packages"`
	Settings []SettingInput `json:"settings"`
}

// FileInput is one declared file.
type FileInput struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Hash string `json:"hash"`
}

// PackageInput is one declared package.
type PackageInput struct {
	Name       string `json:"name"`
	MinVersion string `json:"min_version,omitempty"`
}

// SettingInput is one declared setting.
type SettingInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

// NewInput builds the policy input for running pack on server in mode.
func NewInput(mode packs.Mode, server *stores.Server, pack *packs.Pack) *Input {
	in := &Input{
		Mode: mode,
		Server: ServerInput{
			ID:            server.ID,
			Hostname:      server.Hostname,
			Address:       server.Address,
			AssignedPacks: append([]string{}, server.AssignedPacks...),
		},
		Pack: PackInput{
			Name:     pack.Name,
			Files:    []FileInput{},
			Packages: []PackageInput{},
			Settings: []SettingInput{},
		},
		Timestamp: time.Now().UTC(),
	}
	for _, f := range pack.Files {
		in.Pack.Files = append(in.Pack.Files, FileInput{Path: f.Path, Mode: f.Mode, Hash: f.ExpectedHash()})
	}
	for _, p := range pack.Packages {
		in.Pack.Packages = append(in.Pack.Packages, PackageInput{Name: p.Name, MinVersion: p.MinVersion})
	}
	for _, s := range pack.Settings {
		in.Pack.Settings = append(in.Pack.Settings, SettingInput{Key: s.Key, Value: s.Value, Kind: string(s.Kind)})
	}
	return in
}
