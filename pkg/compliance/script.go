package compliance

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

// Frame markers written around every probe in the batch script.
const (
	probeMarker = "@@probe "
	exitMarker  = "@@exit "
)

// probeKind tags what a probe asks the host.
type probeKind string

const (
	probeFileExists probeKind = "file_exists"
	probeFileMode   probeKind = "file_mode"
	probeFileHash   probeKind = "file_hash"
	probePackages   probeKind = "packages"
	probeSetting    probeKind = "setting"
)

// probe is one whitelisted command line in the batch.
type probe struct {
	kind       probeKind
	item       string
	actionType string
	line       string
}

// output is what the host printed for one probe.
type output struct {
	stdout   string
	exitCode int
}

// buildProbes renders the probes for pack in declaration order: per file the
// existence, permission and hash probes, then one query for all packages,
// then one read per setting.
func buildProbes(pack *packs.Pack) ([]probe, error) {
	var probes []probe
	add := func(kind probeKind, item, actionType string, params map[string]string) error {
		line, err := whitelist.Render(actionType, params)
		if err != nil {
			return err
		}
		probes = append(probes, probe{kind: kind, item: item, actionType: actionType, line: line})
		return nil
	}

	for _, f := range pack.Files {
		params := map[string]string{whitelist.ParamFilePath: f.Path}
		if err := add(probeFileExists, f.Path, whitelist.ActionFileExists, params); err != nil {
			return nil, err
		}
		if err := add(probeFileMode, f.Path, whitelist.ActionFileMode, params); err != nil {
			return nil, err
		}
		if err := add(probeFileHash, f.Path, whitelist.ActionFileHash, params); err != nil {
			return nil, err
		}
	}

	if len(pack.Packages) > 0 {
		names := make([]string, 0, len(pack.Packages))
		for _, p := range pack.Packages {
			names = append(names, p.Name)
		}
		err := add(probePackages, strings.Join(names, " "), whitelist.ActionPackageVersions,
			map[string]string{whitelist.ParamPackageList: strings.Join(names, " ")})
		if err != nil {
			return nil, err
		}
	}

	fragment := packs.FragmentPath(pack.Name)
	for _, s := range pack.Settings {
		err := add(probeSetting, s.Key, whitelist.ActionReadEnvSetting,
			map[string]string{whitelist.ParamEnvKey: s.Key, whitelist.ParamFilePath: fragment})
		if err != nil {
			return nil, err
		}
	}

	return probes, nil
}

// buildScript frames each probe so its stdout and exit status can be told
// apart in the combined output. Probe lines are written verbatim; only the
// fixed wrapper lines surround them.
func buildScript(probes []probe) []byte {
	var b strings.Builder
	for i, p := range probes {
		fmt.Fprintf(&b, "echo '%s%d'\n", probeMarker, i)
		b.WriteString(p.line)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "echo \"%s$?\"\n", exitMarker)
	}
	return []byte(b.String())
}

// parseOutput splits the batch output back into one output per probe.
func parseOutput(stdout string, count int) ([]output, error) {
	outputs := make([]output, count)
	seen := make([]bool, count)

	current := -1
	var body strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if rest, ok := strings.CutPrefix(line, probeMarker); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || n < 0 || n >= count {
				return nil, fmt.Errorf("unexpected probe marker %q", line)
			}
			current = n
			body.Reset()
			continue
		}

		if rest, ok := strings.CutPrefix(line, exitMarker); ok && current >= 0 {
			code, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("unexpected exit marker %q", line)
			}
			outputs[current] = output{stdout: body.String(), exitCode: code}
			seen[current] = true
			current = -1
			continue
		}

		if current >= 0 {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read probe output: %w", err)
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("no output for probe %d of %d", i+1, count)
		}
	}
	return outputs, nil
}
