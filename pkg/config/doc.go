// Package config loads the agentd server configuration.
//
// Values are resolved in three layers: the built-in defaults returned by
// Default, an optional YAML file, and environment variable overrides:
//
//	HOST, PORT            listen address
//	PUBLIC_URL            externally reachable base URL of the server
//	BACKEND_URL           callback base URL handed to provisioned agents
//	GOOGLE_CLOUD_PROJECT  project used when a request carries none
//	AGENTD_BACKEND_MODE   auto, real or simulated
//	AGENT_SOURCE          agent program location (path, http(s) URL, s3://bucket/key)
//	LOG_LEVEL, LOG_FORMAT logging overrides
//
// The merged result is validated with struct tags before use.
//
// Example file:
//
//	server:
//	  port: 9090
//	  publicUrl: https://agentd.example.com
//	backend:
//	  mode: real
//	  projectId: my-project
//	workflow:
//	  validateDelay: 0s
//	agent:
//	  source: s3://artifacts/monitoring-agent/main.go
package config
