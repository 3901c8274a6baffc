// Package config loads the driftwatch configuration file.
//
// The file is YAML. Every section is optional and falls back to Default:
//
//	store_path: /var/lib/driftwatch/driftwatch.db
//	packs_dir: /etc/driftwatch/packs
//	extra_actions_file: /etc/driftwatch/actions.yaml
//	policies_dir: /etc/driftwatch/policies
//	dashboard_url: https://dash.example.com
//
//	ssh:
//	  user: deploy
//	  auth_method: key
//	  private_key_path: /etc/driftwatch/id_ed25519
//	  connection_timeout: 10s
//	  command_timeout: 2m
//
//	drift:
//	  interval: 24h
//	  workers: 10
//
//	notify:
//	  log: true
//	  webhook:
//	    url: https://hooks.slack.com/services/...
//	    channel: "#ops"
//
// Watcher re-reads the file on change so the drift interval and notification
// settings can be adjusted without a restart.
package config
