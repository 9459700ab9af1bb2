package engine

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/topology"
)

var (
	remoteAddr = netip.MustParseAddrPort("1.2.3.4:9993")
	rootAddr   = netip.MustParseAddrPort("9.9.9.9:9993")
)

type sent struct {
	sock int64
	to   netip.AddrPort
	data []byte
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Send(sock int64, to netip.AddrPort, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sock: sock, to: to, data: append([]byte(nil), data...)})
	return nil
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type delivery struct {
	verb    wire.Verb
	source  core.Address
	payload []byte
}

type node struct {
	t      *testing.T
	id     crypto.Identity
	topo   *topology.Topology
	engine *Engine
	tr     *recorder
	clock  *fakeClock

	mu        sync.Mutex
	drops     []DropEvent
	delivered []delivery
}

func newNode(t *testing.T, cfg Config) *node {
	t.Helper()
	id, err := crypto.Generate()
	require.NoError(t, err)
	topo, err := topology.New(id, topology.Config{})
	require.NoError(t, err)

	n := &node{t: t, id: id, topo: topo, tr: &recorder{}, clock: &fakeClock{t: time.Unix(1_700_000_000, 0)}}
	n.engine, err = New(cfg, id, topo, n.tr,
		WithDiagnostics(DiagnosticsFunc(func(ev DropEvent) {
			n.mu.Lock()
			n.drops = append(n.drops, ev)
			n.mu.Unlock()
		})),
		WithClock(n.clock.now),
	)
	require.NoError(t, err)
	n.engine.Register(wire.VerbUSERMESSAGE, HandlerFunc(func(in *Inbound) error {
		n.mu.Lock()
		n.delivered = append(n.delivered, delivery{verb: in.Verb, source: in.Source, payload: append([]byte(nil), in.Payload...)})
		n.mu.Unlock()
		return nil
	}))
	t.Cleanup(n.engine.Close)
	return n
}

func (n *node) dropReasons() []core.DropReason {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.DropReason, 0, len(n.drops))
	for _, d := range n.drops {
		out = append(out, d.Reason)
	}
	return out
}

func (n *node) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.delivered...)
}

func (n *node) resetObservations() {
	n.mu.Lock()
	n.drops, n.delivered = nil, nil
	n.mu.Unlock()
	n.tr.reset()
}

// remote is a node simulated by building its packets by hand.
type remote struct {
	id  crypto.Identity
	key crypto.Key // shared with the local node
}

func newRemote(t *testing.T, local *node) remote {
	t.Helper()
	id, err := crypto.Generate()
	require.NoError(t, err)
	key, err := id.Agree(local.id.PublicOnly())
	require.NoError(t, err)
	return remote{id: id, key: key}
}

// know adds the remote to the local directory and gives it a direct path.
func (r remote) know(t *testing.T, local *node) *topology.Peer {
	t.Helper()
	peer, err := local.topo.Add(r.id.PublicOnly())
	require.NoError(t, err)
	peer.Received(local.topo.Path(1, remoteAddr), 0, local.clock.now())
	return peer
}

var nextID uint64 = 0x1000

// seal builds and armors a packet from r to dst.
func (r remote) seal(t *testing.T, dst core.Address, cipher wire.CipherSuite, verb uint8, payload []byte) []byte {
	t.Helper()
	nextID++
	pkt := make([]byte, wire.PayloadStart+len(payload))
	h := wire.Header{
		PacketID:    nextID,
		Destination: dst,
		Source:      r.id.Address,
		Flags:       wire.MakeFlags(0, cipher, false),
		VerbByte:    verb,
	}
	require.NoError(t, h.Encode(pkt))
	copy(pkt[wire.PayloadStart:], payload)
	require.NoError(t, crypto.Armor(pkt, &r.key))
	return pkt
}

func (r remote) hello(t *testing.T, dst core.Address) []byte {
	t.Helper()
	payload := make([]byte, helloFixedLength)
	payload[0] = wire.ProtoVersion
	payload[1] = 1
	binary.BigEndian.PutUint64(payload[5:13], 12345)
	payload = r.id.Marshal(payload, false)
	return r.seal(t, dst, wire.CipherPoly1305None, uint8(wire.VerbHELLO), payload)
}

// open dearmors a packet the local node sent to r.
func (r remote) open(t *testing.T, data []byte) (wire.Header, []byte) {
	t.Helper()
	b, err := buffer.From(data)
	require.NoError(t, err)
	defer b.Release()
	out, n, err := crypto.Dearmor([]buffer.Slice{{Buf: b, S: 0, E: len(data)}}, &r.key, nil)
	require.NoError(t, err)
	out, n, err = crypto.Decompress(out, n, true)
	require.NoError(t, err)
	defer out.Release()
	h, err := wire.DecodeHeader(out.B[:n])
	require.NoError(t, err)
	return h, append([]byte(nil), out.B[wire.PayloadStart:n]...)
}

// sentTo returns the datagrams sent to addr.
func (n *node) sentTo(addr netip.AddrPort) [][]byte {
	var out [][]byte
	for _, s := range n.tr.all() {
		if s.to == addr {
			out = append(out, s.data)
		}
	}
	return out
}

func setTrusted(t *testing.T, n *node, id uint64) {
	t.Helper()
	n.topo.SetTrustedPaths([]topology.TrustedPath{{ID: id, Network: netip.MustParsePrefix(remoteAddr.Addr().String() + "/32")}})
}
