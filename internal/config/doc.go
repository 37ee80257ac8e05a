// Package config handles configuration loading for h2h-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Unset values receive defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from H2H_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/h2h/gateway.yaml
//  3. ~/.config/h2h/gateway.yaml
//
// # Environment Variable Expansion
//
//	upstream:
//	  agent_key: "${H2H_AGENT_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"
//
//	upstream:
//	  agent_endpoint: "https://agents.example.com/v1"
//	  api_base: "https://identity.example.com"  # optional
//	  agent_id: "3f1c..."                        # required with api_base
//	  agent_key: "${H2H_AGENT_KEY}"
//	  model: "gpt-4-1106-preview"
//
//	conversation:
//	  turn_delay: "5s"
//	  max_turns: 100
//	  retention: "30m"
//
//	channels:
//	  sweep_interval: "5m"
//	  grace_period: "5m"
//	  allowed_origins: ["localhost:*"]
//
//	dedupe:
//	  ttl: "1m"
//	  max_entries: 10000
//
//	auth:
//	  jwt_secret: "${H2H_JWT_SECRET}"  # enables bearer auth when set
//
//	personas:
//	  path: "/etc/h2h/personas.toml"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	tailscale:
//	  enabled: false
//	  hostname: "h2h"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// # Usage
//
//	cfg, err := config.Load("/etc/h2h/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
