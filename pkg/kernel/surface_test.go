package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitNonEmpty(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, splitNonEmpty("10.0.0.0/24,10.0.1.0/24"))
	assert.Empty(t, splitNonEmpty(""))
	assert.Equal(t, []string{"10.0.0.0/24"}, splitNonEmpty("10.0.0.0/24,,"))
}

func TestParseAllowedIPsSkipsUnparsable(t *testing.T) {
	nets := parseAllowedIPs("10.0.0.0/24,not-a-cidr,10.0.1.0/24")
	assert.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.0/24", nets[0].String())
	assert.Equal(t, "10.0.1.0/24", nets[1].String())
}
