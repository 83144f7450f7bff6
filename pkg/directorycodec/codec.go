// Package directorycodec flattens a node.Node into the directory's flat
// "<prefix>/<node_id>/<field>" key/value layout and splits a watched key
// back into its components.
package directorycodec

import (
	"fmt"
	"strings"

	"github.com/amesh-project/amesh/pkg/node"
)

// Flatten serializes n into "<prefix>/<nodeID>/<field>" -> value pairs.
func Flatten(prefix, nodeID string, n *node.Node) map[string]string {
	fields := n.Serialize()
	out := make(map[string]string, len(fields))
	for field, value := range fields {
		out[Key(prefix, nodeID, field)] = value
	}
	return out
}

// Key builds one directory key for a given prefix/node/field triple.
func Key(prefix, nodeID, field string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, nodeID, field)
}

// Split decomposes a directory key into (nodeID, field), given the known
// prefix. It splits on exactly the first two "/" after prefix, so that a
// field value itself (never part of a key, but defensively) could contain
// slashes without corrupting the split. Returns ok=false if key does not
// belong to prefix or is malformed.
func Split(prefix, key string) (nodeID, field string, ok bool) {
	trimPrefix := prefix + "/"
	if !strings.HasPrefix(key, trimPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, trimPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// WatchPrefix returns the prefix watched for node change notifications.
func WatchPrefix(prefix string) string {
	return prefix + "/"
}
