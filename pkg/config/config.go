// Package config loads and validates the INI-style agent configuration
// ([etcd]/[amesh]/[wireguard] sections) using gopkg.in/ini.v1.
package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Etcd holds the [etcd] section.
type Etcd struct {
	Endpoint string
	Prefix   string
	Username string
	Password string
}

// Amesh holds the [amesh] section.
type Amesh struct {
	NodeID         string
	Groups         []string
	TrackedDevices []string
	VRF            string
}

// Wireguard holds the [wireguard] section.
type Wireguard struct {
	Device     string
	Endpoint   string
	PubkeyPath string
	PrvkeyPath string
	Keepalive  int
	AllowedIPs []string
}

// Config is the fully parsed, not-yet-validated configuration file.
type Config struct {
	Etcd      Etcd
	Amesh     Amesh
	Wireguard Wireguard
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg := &Config{}

	etcdSec := f.Section("etcd")
	cfg.Etcd = Etcd{
		Endpoint: etcdSec.Key("etcd_endpoint").String(),
		Prefix:   etcdSec.Key("etcd_prefix").String(),
		Username: etcdSec.Key("etcd_username").String(),
		Password: etcdSec.Key("etcd_password").String(),
	}

	ameshSec := f.Section("amesh")
	cfg.Amesh = Amesh{
		NodeID:         ameshSec.Key("node_id").String(),
		Groups:         splitCSV(ameshSec.Key("groups").String()),
		TrackedDevices: splitCSV(ameshSec.Key("tracked_devices").String()),
		VRF:            ameshSec.Key("vrf").String(),
	}

	wgSec := f.Section("wireguard")
	cfg.Wireguard = Wireguard{
		Device:     wgSec.Key("device").String(),
		Endpoint:   wgSec.Key("endpoint").String(),
		PubkeyPath: wgSec.Key("pubkey_path").String(),
		PrvkeyPath: wgSec.Key("prvkey_path").String(),
		Keepalive:  wgSec.Key("keepalive").MustInt(0),
		AllowedIPs: splitCSV(wgSec.Key("allowed_ips").String()),
	}

	return cfg, nil
}

// Validate checks the required fields and the cross-field rules. It never
// runs kernel code (checking a VRF interface "exists" is deferred to the
// caller, which has a kernel.Surface handy); Validate only checks what's
// expressible on the config values themselves.
func (c *Config) Validate() error {
	var errs []error

	if c.Etcd.Endpoint == "" {
		errs = append(errs, errors.New("[etcd] etcd_endpoint is required"))
	}
	if c.Etcd.Prefix == "" {
		errs = append(errs, errors.New("[etcd] etcd_prefix is required"))
	}
	if c.Amesh.NodeID == "" {
		errs = append(errs, errors.New("[amesh] node_id is required"))
	}
	if c.Wireguard.PubkeyPath == "" {
		errs = append(errs, errors.New("[wireguard] pubkey_path is required"))
	}
	if c.Wireguard.PrvkeyPath == "" {
		errs = append(errs, errors.New("[wireguard] prvkey_path is required"))
	}
	if c.Wireguard.Endpoint != "" && c.Wireguard.Device == "" {
		errs = append(errs, errors.New("[wireguard] endpoint requires device (server role needs a dedicated inbound interface)"))
	}

	return errors.Join(errs...)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
