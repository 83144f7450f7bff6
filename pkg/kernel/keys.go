package kernel

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// readPrivateKey loads a base64 WireGuard private key from disk. The
// directory never carries private material, so every interface's key
// always comes from local config, never from a watched field.
func readPrivateKey(path string) (wgtypes.Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("read private key %s: %w", path, err)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// secondsToDuration converts a keepalive field (whole seconds) into the
// duration wgtypes expects.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
