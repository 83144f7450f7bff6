package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amesh-project/amesh/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "amesh.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
[etcd]
etcd_endpoint = 127.0.0.1:2379
etcd_prefix = amesh
etcd_username = root
etcd_password = hunter2

[amesh]
node_id = node-a
groups = east, core
tracked_devices = eth0, eth1
vrf = blue

[wireguard]
device = wg0
endpoint = 203.0.113.5:51820
pubkey_path = /etc/amesh/pub
prvkey_path = /etc/amesh/priv
keepalive = 25
allowed_ips = 10.0.0.0/24, 10.0.1.0/24
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2379", cfg.Etcd.Endpoint)
	assert.Equal(t, "root", cfg.Etcd.Username)
	assert.Equal(t, []string{"east", "core"}, cfg.Amesh.Groups)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Amesh.TrackedDevices)
	assert.Equal(t, 25, cfg.Wireguard.Keepalive)
	assert.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, cfg.Wireguard.AllowedIPs)

	require.NoError(t, cfg.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "etcd_endpoint")
	assert.Contains(t, msg, "etcd_prefix")
	assert.Contains(t, msg, "node_id")
	assert.Contains(t, msg, "pubkey_path")
	assert.Contains(t, msg, "prvkey_path")
}

func TestValidateEndpointRequiresDevice(t *testing.T) {
	cfg := &config.Config{
		Etcd:      config.Etcd{Endpoint: "127.0.0.1:2379", Prefix: "amesh"},
		Amesh:     config.Amesh{NodeID: "node-a"},
		Wireguard: config.Wireguard{PubkeyPath: "/pub", PrvkeyPath: "/priv", Endpoint: "203.0.113.5:51820"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint requires device")
}

func TestValidateClientRoleNeedsNoDevice(t *testing.T) {
	cfg := &config.Config{
		Etcd:      config.Etcd{Endpoint: "127.0.0.1:2379", Prefix: "amesh"},
		Amesh:     config.Amesh{NodeID: "node-a"},
		Wireguard: config.Wireguard{PubkeyPath: "/pub", PrvkeyPath: "/priv"},
	}
	assert.NoError(t, cfg.Validate())
}
