package policy

// BuiltinPolicies returns the policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		worldWritablePolicy(),
		sensitiveSettingsPolicy(),
	}
}

// protectedPathsPolicy keeps packs away from credentials, boot files and
// kernel interfaces in both modes. Paths with empty, "." or ".." elements are
// denied outright since the prefix match only holds for clean paths.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Packs may not create or delete files under protected system paths",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package driftwatch.policies.paths

import rego.v1

protected_prefixes := [
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/ssh/sshd_config",
	"/boot/",
	"/proc/",
	"/sys/",
	"/dev/",
]

deny contains violation if {
	some file in input.pack.files
	some prefix in protected_prefixes
	startswith(file.path, prefix)
	violation := {
		"message": sprintf("pack %s may not manage protected path %s", [input.pack.name, file.path]),
		"item": file.path,
	}
}

deny contains violation if {
	some file in input.pack.files
	unclean(file.path)
	violation := {
		"message": sprintf("pack %s uses non-canonical path %s", [input.pack.name, file.path]),
		"item": file.path,
	}
}

unclean(p) if contains(p, "//")

unclean(p) if contains(concat("", [p, "/"]), "/./")

unclean(p) if contains(concat("", [p, "/"]), "/../")`,
	}
}

// worldWritablePolicy rejects files any local user could rewrite.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world-writable-files",
		Description: "Applied files must not be writable by other users",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package driftwatch.policies.modes

import rego.v1

writable_digits := {"2", "3", "6", "7"}

deny contains violation if {
	input.mode == "apply"
	some file in input.pack.files
	other := substring(file.mode, count(file.mode) - 1, 1)
	other in writable_digits
	violation := {
		"message": sprintf("file %s would be world-writable (mode %s)", [file.path, file.mode]),
		"item": file.path,
	}
}`,
	}
}

// sensitiveSettingsPolicy flags env settings that change how every login
// shell resolves programs or libraries.
func sensitiveSettingsPolicy() Policy {
	return Policy{
		Name:        "sensitive-settings",
		Description: "Warns when a pack exports variables that alter program or library resolution",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package driftwatch.policies.settings

import rego.v1

sensitive_keys := {"LD_PRELOAD", "LD_LIBRARY_PATH", "PATH", "BASH_ENV", "ENV", "PROMPT_COMMAND"}

deny contains violation if {
	input.mode == "apply"
	some setting in input.pack.settings
	setting.key in sensitive_keys
	violation := {
		"message": sprintf("pack %s exports sensitive variable %s", [input.pack.name, setting.key]),
		"item": setting.key,
	}
}`,
	}
}
