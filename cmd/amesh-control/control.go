package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	"github.com/amesh-project/amesh/pkg/directory"
	"github.com/amesh-project/amesh/pkg/node"
)

// controlConfig is the administrative CLI's own view of the world,
// distinct from the agent's pkg/config: it merges one or more INI files,
// treats every non-reserved section as a node descriptor, and derives a
// node_id from pubkey via uuid-v3 when one isn't given explicitly.
type controlConfig struct {
	EtcdEndpoint string
	EtcdPrefix   string
	NodeTable    node.Table
}

const (
	defaultEtcdEndpoint = "127.0.0.1:2379"
	defaultEtcdPrefix   = "amesh"
)

// configError marks a failure to load or parse the control config files, so
// main can exit 1 (configuration error) rather than 2 (runtime error).
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

var reservedSections = map[string]bool{"etcd": true, "amesh": true, "wireguard": true}

func loadControlConfig(log *slog.Logger, paths []string) (*controlConfig, error) {
	cc := &controlConfig{
		EtcdEndpoint: defaultEtcdEndpoint,
		EtcdPrefix:   defaultEtcdPrefix,
		NodeTable:    make(node.Table),
	}

	seen := make(map[string]bool)
	var unique []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}

	merged := ini.Empty()
	for _, p := range unique {
		if err := merged.Append(p); err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}

	if merged.Section("etcd").HasKey("etcd_endpoint") {
		cc.EtcdEndpoint = merged.Section("etcd").Key("etcd_endpoint").String()
	}
	if merged.Section("etcd").HasKey("etcd_prefix") {
		cc.EtcdPrefix = merged.Section("etcd").Key("etcd_prefix").String()
	}

	for _, section := range merged.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || reservedSections[name] {
			continue
		}

		nodeID := section.Key("node_id").String()
		pubkey := section.Key("pubkey").String()
		if nodeID == "" && pubkey == "" {
			return nil, fmt.Errorf("node_id or pubkey is required in [%s]", name)
		}
		if nodeID == "" {
			nodeID = uuid.NewMD5(uuid.NameSpaceDNS, []byte(pubkey)).String()
		}

		n := node.New()
		for _, key := range section.Keys() {
			n.Update(log, key.Name(), key.Value())
		}
		cc.NodeTable[nodeID] = n
	}

	return cc, nil
}

func (cc *controlConfig) dial() (*directory.Client, error) {
	return directory.Dial(directory.Config{Endpoint: cc.EtcdEndpoint})
}

func sortedNodeIDs(t node.Table) []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
