package statsd

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsdAllocator(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	m := New(conn.LocalAddr().String(), DefaultConfig())
	defer m.Shutdown()

	alloc := buffer.NewAllocator()
	b := alloc.New(buffer.RoleRx, 128)
	defer b.Release()

	m.AddAllocator("dev1", "test", alloc)

	var got strings.Builder
	buff := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(got.String(), "wispi.buffers_bytes_live") && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFrom(buff)
		if err != nil {
			break
		}
		got.Write(buff[:n])
	}
	assert.Contains(t, got.String(), "wispi.buffers_live:1|g")
	assert.Contains(t, got.String(), "wispi.buffers_bytes_live:128|g")
	assert.Contains(t, got.String(), "id:dev1")

	m.RemoveAllID("dev1")
}
