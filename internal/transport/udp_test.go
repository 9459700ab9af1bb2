package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core/buffer"
)

type chanSink chan received

func (c chanSink) Deliver(sock int64, from netip.AddrPort, buf *buffer.Buf, n int) {
	c <- received{sock: sock, from: from, data: append([]byte(nil), buf.B[:n]...)}
	buf.Release()
}

func TestUDPReceiveAndSend(t *testing.T) {
	u, err := Listen([]netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, 8)
	require.NoError(t, err)
	defer u.Close()

	sink := make(chanSink, 16)
	u.Start(sink)
	local := u.LocalAddrs()[1]
	require.True(t, local.IsValid())

	peer, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr).AddrPort()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := peer.WriteToUDPAddrPort([]byte(msg), local)
		require.NoError(t, err)
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case r := <-sink:
			assert.Equal(t, int64(1), r.sock)
			assert.Equal(t, peerAddr, r.from)
			assert.Equal(t, want, string(r.data))
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %q not received", want)
		}
	}

	require.NoError(t, u.Send(1, peerAddr, []byte("reply")))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
	assert.Equal(t, local, from)

	rxp, _, txp, _ := u.Counters()
	assert.Equal(t, uint64(3), rxp)
	assert.Equal(t, uint64(1), txp)
}

func TestUDPSendRejects(t *testing.T) {
	u, err := Listen([]netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, 0)
	require.NoError(t, err)
	defer u.Close()

	assert.ErrorIs(t, u.Send(2, netip.MustParseAddrPort("127.0.0.1:1"), []byte("x")), ErrUnknownSocket)
	assert.Error(t, u.Send(1, netip.MustParseAddrPort("[2001:db8::1]:9993"), []byte("x")))
}

func TestUDPCloseStopsReaders(t *testing.T) {
	before := buffer.Outstanding()
	u, err := Listen([]netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0"), netip.MustParseAddrPort("127.0.0.1:0")}, 4)
	require.NoError(t, err)
	u.Start(make(chanSink, 1))
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.Equal(t, before, buffer.Outstanding())
}
