package packs

import (
	"fmt"
	"path"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

// BackupSuffix is appended to a file path to form its backup path on remove.
const BackupSuffix = ".bak"

// Notes attached to operations and results.
const (
	NoteAlreadyRemoved = "already removed"
	NoteAlreadySet     = "already set"
	NoteSkippedPackage = "skipped - may break dependencies"
)

// Plan turns pack into an ordered list of operations for mode. It performs no I/O.
// Files come first, then packages, then settings, each in declaration order.
func Plan(pack *Pack, mode Mode) ([]Operation, error) {
	if pack == nil {
		return nil, engine.NewValidationError("pack is required", nil)
	}
	if !mode.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("unknown mode %q", mode), nil)
	}

	ops := make([]Operation, 0, pack.ItemCount())

	for i := range pack.Files {
		f := pack.Files[i]
		var op Operation
		var err error
		if mode == ModeApply {
			op, err = planCreateFile(f)
		} else {
			op, err = planDeleteFile(f)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to plan file %s: %w", f.Path, err)
		}
		ops = append(ops, op)
	}

	for i := range pack.Packages {
		p := pack.Packages[i]
		var op Operation
		var err error
		if mode == ModeApply {
			op, err = planInstallPackage(p)
		} else {
			op = planSkipPackage(p)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to plan package %s: %w", p.Name, err)
		}
		ops = append(ops, op)
	}

	for i := range pack.Settings {
		s := pack.Settings[i]
		var op Operation
		var err error
		if mode == ModeApply {
			op, err = planSetEnvVar(pack.Name, s)
		} else {
			op, err = planUnsetEnvVar(pack.Name, s)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to plan setting %s: %w", s.Key, err)
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// Preview renders the plan for a dry run. It never touches a host.
func Preview(pack *Pack, mode Mode) ([]PreviewItem, error) {
	ops, err := Plan(pack, mode)
	if err != nil {
		return nil, err
	}

	items := make([]PreviewItem, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		item := PreviewItem{
			Kind:   op.Kind,
			Item:   op.Item,
			Action: op.Action,
		}
		for _, s := range op.Steps {
			item.Commands = append(item.Commands, s.Line)
		}
		if op.IsSkip() {
			item.Note = NoteSkippedPackage
		}
		items = append(items, item)
	}
	return items, nil
}

func step(purpose StepPurpose, actionType string, params map[string]string, stdin []byte) (Step, error) {
	line, err := whitelist.Render(actionType, params)
	if err != nil {
		return Step{}, err
	}
	return Step{Purpose: purpose, ActionType: actionType, Line: line, Stdin: stdin}, nil
}

type stepBuilder struct {
	steps []Step
	err   error
}

func (b *stepBuilder) add(purpose StepPurpose, actionType string, params map[string]string, stdin []byte) {
	if b.err != nil {
		return
	}
	s, err := step(purpose, actionType, params, stdin)
	if err != nil {
		b.err = err
		return
	}
	b.steps = append(b.steps, s)
}

func planCreateFile(f FileItem) (Operation, error) {
	var b stepBuilder
	b.add(StepCreateDirectory, whitelist.ActionCreateDirectory,
		map[string]string{whitelist.ParamDirPath: path.Dir(f.Path)}, nil)
	if f.HasContent() {
		b.add(StepWriteContent, whitelist.ActionWriteFile,
			map[string]string{whitelist.ParamFilePath: f.Path}, []byte(f.Content))
	}
	b.add(StepSetMode, whitelist.ActionSetFileMode,
		map[string]string{whitelist.ParamFileMode: f.Mode, whitelist.ParamFilePath: f.Path}, nil)

	file := f
	return Operation{
		Kind:   OpCreateFile,
		Item:   f.Path,
		Action: fmt.Sprintf("create file %s (mode %s)", f.Path, f.Mode),
		File:   &file,
		Steps:  b.steps,
	}, b.err
}

func planDeleteFile(f FileItem) (Operation, error) {
	backup := f.Path + BackupSuffix
	params := map[string]string{whitelist.ParamFilePath: f.Path}

	var b stepBuilder
	b.add(StepProbeExists, whitelist.ActionFileExists, params, nil)
	b.add(StepBackup, whitelist.ActionBackupFile,
		map[string]string{whitelist.ParamFilePath: f.Path, whitelist.ParamBackupPath: backup}, nil)
	b.add(StepDelete, whitelist.ActionDeleteFile, params, nil)

	file := f
	return Operation{
		Kind:       OpDeleteFile,
		Item:       f.Path,
		Action:     fmt.Sprintf("delete file %s (backup to %s)", f.Path, backup),
		File:       &file,
		BackupPath: backup,
		Steps:      b.steps,
	}, b.err
}

func planInstallPackage(p PackageItem) (Operation, error) {
	var b stepBuilder
	b.add(StepInstall, whitelist.ActionInstallPackage,
		map[string]string{whitelist.ParamPackageName: p.Name}, nil)

	action := "install package " + p.Name
	if p.MinVersion != "" {
		action += " (>= " + p.MinVersion + ")"
	}

	pkg := p
	return Operation{
		Kind:    OpInstallPackage,
		Item:    p.Name,
		Action:  action,
		Package: &pkg,
		Steps:   b.steps,
	}, b.err
}

// planSkipPackage never uninstalls: packages may be shared dependencies.
func planSkipPackage(p PackageItem) Operation {
	pkg := p
	return Operation{
		Kind:    OpSkipPackage,
		Item:    p.Name,
		Action:  "keep package " + p.Name,
		Package: &pkg,
	}
}

func planSetEnvVar(packName string, s SettingItem) (Operation, error) {
	fragment := FragmentPath(packName)
	fileParams := map[string]string{whitelist.ParamFilePath: fragment}
	keyParams := map[string]string{whitelist.ParamEnvKey: s.Key, whitelist.ParamFilePath: fragment}

	var b stepBuilder
	b.add(StepCreateDirectory, whitelist.ActionCreateDirectory,
		map[string]string{whitelist.ParamDirPath: FragmentDir}, nil)
	b.add(StepEnsureFragment, whitelist.ActionEnsureEnvFile, fileParams, nil)
	b.add(StepReadSetting, whitelist.ActionReadEnvSetting, keyParams, nil)
	b.add(StepStripSetting, whitelist.ActionUnsetEnvVar, keyParams, nil)
	b.add(StepAppendSetting, whitelist.ActionAppendEnvVar, fileParams, []byte(ExportLine(s.Key, s.Value)+"\n"))

	setting := s
	return Operation{
		Kind:    OpSetEnvVar,
		Item:    s.Key,
		Action:  fmt.Sprintf("set %s in %s", s.Key, fragment),
		Setting: &setting,
		Steps:   b.steps,
	}, b.err
}

func planUnsetEnvVar(packName string, s SettingItem) (Operation, error) {
	fragment := FragmentPath(packName)

	var b stepBuilder
	b.add(StepProbeExists, whitelist.ActionFileExists,
		map[string]string{whitelist.ParamFilePath: fragment}, nil)
	b.add(StepStripSetting, whitelist.ActionUnsetEnvVar,
		map[string]string{whitelist.ParamEnvKey: s.Key, whitelist.ParamFilePath: fragment}, nil)

	setting := s
	return Operation{
		Kind:    OpUnsetEnvVar,
		Item:    s.Key,
		Action:  fmt.Sprintf("unset %s in %s", s.Key, fragment),
		Setting: &setting,
		Steps:   b.steps,
	}, b.err
}
