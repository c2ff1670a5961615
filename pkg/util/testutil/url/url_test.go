package url

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAddr(t *testing.T) {
	re := require.New(t)

	seen := make(map[string]struct{})
	for i := 0; i < 5; i++ {
		addr := AllocAddr(t)
		_, ok := seen[addr]
		re.False(ok)
		seen[addr] = struct{}{}

		l, err := net.Listen("tcp", addr)
		re.NoError(err)
		re.NoError(l.Close())
	}

	re.True(strings.HasPrefix(AllocWS(t, "/ws"), "ws://127.0.0.1:"))
}
