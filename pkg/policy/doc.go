// Package policy gates apply and remove runs with Open Policy Agent.
//
// Every enabled policy is a Rego module defining a deny set. Before a run
// is planned the service evaluates all of them against an Input describing
// the server, the pack and the mode:
//
//	{
//	  "mode": "apply",
//	  "server": {"id": "srv-1", "hostname": "web-01", "assigned_packs": ["base"]},
//	  "pack": {"name": "web", "files": [{"path": "/etc/nginx/nginx.conf", "mode": "0644", "hash": "..."}], ...}
//	}
//
// A deny entry is either a message string or an object with message, item
// and severity. Entries with severity error reject the run before anything
// is sent to the host; other entries are returned as warnings.
//
// Built-in policies reject protected system paths and world-writable files,
// and warn about exported variables such as LD_PRELOAD. Additional policies
// are read from a directory of .rego files:
//
//	# Only the ops team's packs may touch /opt.
//	# severity: error
//	package site.opt
//
//	import rego.v1
//
//	deny contains msg if {
//		some file in input.pack.files
//		startswith(file.path, "/opt/")
//		not startswith(input.pack.name, "ops-")
//		msg := sprintf("%s is reserved for ops packs", [file.path])
//	}
//
// Loader.Watch reloads that directory whenever a file changes.
package policy
