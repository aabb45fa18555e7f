package mcphost

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// configFile is the on-disk shape of a tool-server manifest: a map from
// server ID to its launch parameters, keyed the same way as the teacher's
// mcp.json ("mcpServers").
type configFile struct {
	Servers map[string]struct {
		Command        string   `json:"command"`
		Args           []string `json:"args,omitempty"`
		Env            []string `json:"env,omitempty"`
		TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	} `json:"mcpServers"`
}

// LoadConfig reads a JSON tool-server manifest from path. The map key
// becomes each ServerConfig.ID — there is no separate "id" field in the
// file itself. An omitted timeout_seconds leaves ServerConfig.CallTimeout
// zero, which NewServer resolves to defaultCallTimeout (30s).
func LoadConfig(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcphost: read config %q: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcphost: parse config %q: %w", path, err)
	}

	cfgs := make([]ServerConfig, 0, len(file.Servers))
	for id, s := range file.Servers {
		cfg := ServerConfig{ID: id, Command: s.Command, Args: s.Args, Env: s.Env}
		if s.TimeoutSeconds > 0 {
			cfg.CallTimeout = time.Duration(s.TimeoutSeconds) * time.Second
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}
