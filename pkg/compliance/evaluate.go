package compliance

import (
	"strings"

	"github.com/openfroyo/driftwatch/pkg/packs"
)

// Values reported in Mismatch.Actual when the host gave no usable answer.
const (
	actualAbsent       = "absent"
	actualUnreadable   = "unreadable"
	actualNotInstalled = "not installed"
)

// evaluate compares probe outputs with the declaration and returns at most
// one mismatch per item, in declaration order. probes and outputs must come
// from buildProbes(pack).
func evaluate(pack *packs.Pack, probes []probe, outputs []output) []Mismatch {
	var mismatches []Mismatch
	next := 0
	take := func(kind probeKind) output {
		if next >= len(probes) || probes[next].kind != kind {
			return output{exitCode: -1}
		}
		out := outputs[next]
		next++
		return out
	}

	for _, f := range pack.Files {
		exists := take(probeFileExists)
		mode := take(probeFileMode)
		hash := take(probeFileHash)
		if m, ok := evaluateFile(f, exists, mode, hash); ok {
			mismatches = append(mismatches, m)
		}
	}

	if len(pack.Packages) > 0 {
		installed := parseInstalled(take(probePackages).stdout)
		for _, p := range pack.Packages {
			if m, ok := evaluatePackage(p, installed); ok {
				mismatches = append(mismatches, m)
			}
		}
	}

	for _, s := range pack.Settings {
		if m, ok := evaluateSetting(s, take(probeSetting)); ok {
			mismatches = append(mismatches, m)
		}
	}

	return mismatches
}

func evaluateFile(f packs.FileItem, exists, mode, hash output) (Mismatch, bool) {
	if exists.exitCode != 0 {
		return Mismatch{Type: MismatchMissingFile, Item: f.Path, Expected: "present", Actual: actualAbsent}, true
	}

	want := NormalizeMode(f.Mode)
	got := actualUnreadable
	if mode.exitCode == 0 {
		got = NormalizeMode(firstField(mode.stdout))
	}
	if got != want {
		return Mismatch{Type: MismatchWrongPermissions, Item: f.Path, Expected: want, Actual: got}, true
	}

	wantHash := f.ExpectedHash()
	gotHash := actualUnreadable
	if hash.exitCode == 0 {
		gotHash = strings.ToLower(firstField(hash.stdout))
	}
	if gotHash != wantHash {
		return Mismatch{Type: MismatchWrongContent, Item: f.Path, Expected: wantHash, Actual: gotHash}, true
	}

	return Mismatch{}, false
}

func evaluatePackage(p packs.PackageItem, installed map[string]string) (Mismatch, bool) {
	expected := "installed"
	if p.MinVersion != "" {
		expected = ">= " + p.MinVersion
	}

	version, ok := installed[p.Name]
	if !ok {
		return Mismatch{Type: MismatchMissingPackage, Item: p.Name, Expected: expected, Actual: actualNotInstalled}, true
	}
	if p.MinVersion != "" && !AtLeast(version, p.MinVersion) {
		return Mismatch{Type: MismatchWrongVersion, Item: p.Name, Expected: expected, Actual: version}, true
	}
	return Mismatch{}, false
}

func evaluateSetting(s packs.SettingItem, out output) (Mismatch, bool) {
	// grep exits 1 when the key is absent and 2 when the fragment is missing.
	if out.exitCode != 0 {
		return Mismatch{Type: MismatchMissingSetting, Item: s.Key, Expected: s.Value, Actual: nil}, true
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out.stdout), "\n")
	key, value, ok := packs.ParseExportLine(line)
	if !ok || key != s.Key {
		return Mismatch{Type: MismatchMissingSetting, Item: s.Key, Expected: s.Value, Actual: nil}, true
	}
	if value != s.Value {
		return Mismatch{Type: MismatchWrongSetting, Item: s.Key, Expected: s.Value, Actual: value}, true
	}
	return Mismatch{}, false
}

// parseInstalled reads dpkg-query lines of the form "name status version" and
// returns the version of every package whose status is installed.
func parseInstalled(stdout string) map[string]string {
	installed := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "installed" {
			continue
		}
		installed[fields[0]] = fields[2]
	}
	return installed
}

// NormalizeMode strips leading zeros so "0644" and "644" compare equal.
func NormalizeMode(mode string) string {
	m := strings.TrimLeft(strings.TrimSpace(mode), "0")
	if m == "" {
		return "0"
	}
	return m
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
