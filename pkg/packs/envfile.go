package packs

import (
	"strings"
)

// FragmentDir is the directory of pack-managed shell fragments on the host.
const FragmentDir = "~/.config/driftwatch/env.d"

// FragmentPath returns the shell fragment that holds the settings of pack.
// Settings are never written to any other file.
func FragmentPath(pack string) string {
	return FragmentDir + "/" + pack + ".sh"
}

// ExportLine renders the fragment line for key=value. The value is single quoted.
func ExportLine(key, value string) string {
	return "export " + key + "=" + quote(value)
}

// ParseExportLine extracts key and value from a line written by ExportLine.
// Lines written by hand with double quotes or no quotes are accepted as well.
func ParseExportLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	rest, found := strings.CutPrefix(line, "export ")
	if !found {
		return "", "", false
	}
	key, raw, found := strings.Cut(rest, "=")
	if !found || key == "" {
		return "", "", false
	}
	return key, unquote(raw), true
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	var b strings.Builder
	inSingle := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inSingle = !inSingle
		case c == '\\' && !inSingle && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
