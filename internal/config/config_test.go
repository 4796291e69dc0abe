package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newLoadCmd(path string, threads int) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().StringP("config", "c", "", "")
	cmd.Flags().IntP("threads", "t", 0, "")
	cmd.Flags().Set("config", path)
	if threads > 0 {
		cmd.Flags().Set("threads", strconv.Itoa(threads))
	}
	return cmd
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"local_address": "127.0.0.1",
		"local_port": 1080,
		"log_level": "debug",
		"servers": [
			{"address": "example.com", "port": 443, "server_type": "v2ray_ws", "password_or_uuid": "8e6e0c9d-7c1f-4f3f-9f8e-0b2a3c4d5e6f", "ws_path": "/ray"}
		]
	}`)

	cfg, err := Load(newLoadCmd(path, 0))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1080", cfg.ListenAddress())
	assert.Equal(t, 4, cfg.WorkerThreads)
	assert.Len(t, cfg.Servers, 1)
	assert.Equal(t, ServerV2RayWS, cfg.Servers[0].Type)
}

func TestLoadThreadsFlagOverridesConfig(t *testing.T) {
	path := writeConfig(t, `{
		"local_address": "127.0.0.1",
		"local_port": 1080,
		"worker_threads": 2,
		"servers": [{"address": "example.com", "port": 443, "server_type": "trojan_gfw", "password_or_uuid": "secret"}]
	}`)

	cfg, err := Load(newLoadCmd(path, 8))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerThreads)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{
		LocalAddress:  "127.0.0.1",
		LocalPort:     1080,
		LogLevel:      "verbose",
		Timeout:       30,
		WorkerThreads: 4,
		Servers:       []Server{{Address: "a", Port: 1, Type: ServerTrojanGFW, Secret: "x"}},
	}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "invalid log_level")
}

func TestValidateRejectsMissingServers(t *testing.T) {
	cfg := &Config{LocalAddress: "127.0.0.1", LocalPort: 1080, LogLevel: "info", Timeout: 30, WorkerThreads: 4}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "at least one server")
}

func TestValidateRejectsMissingWSPath(t *testing.T) {
	cfg := &Config{
		LocalAddress: "127.0.0.1", LocalPort: 1080, LogLevel: "info", Timeout: 30, WorkerThreads: 4,
		Servers: []Server{{Address: "a", Port: 443, Type: ServerV2RayWS, Secret: "x"}},
	}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "ws_path is required")
}
