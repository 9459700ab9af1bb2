// Package engine is the receive path of a node: it classifies datagrams,
// reassembles fragments, resolves senders, authenticates packets and dispatches
// them by verb, or relays packets meant for other nodes.
package engine

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/defrag"
	"firestige.xyz/vl1/internal/core/relay"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/metrics"
	"firestige.xyz/vl1/internal/topology"
)

// Directory is the peer directory the engine resolves senders against.
type Directory interface {
	Lookup(addr core.Address) (*topology.Peer, bool)
	Add(id crypto.Identity) (*topology.Peer, error)
	// Path returns the canonical path for the pair, creating it.
	Path(localSocket int64, addr netip.AddrPort) *topology.Path
	// ExistingPath returns the canonical path only if it already exists.
	ExistingPath(localSocket int64, addr netip.AddrPort) (*topology.Path, bool)
	Root() (*topology.Peer, bool)
	TrustedPath(addr netip.AddrPort, id uint64) bool
	BestPath(addr core.Address) (int64, netip.AddrPort, bool)
}

// Transport sends datagrams. Send must not retain data after returning.
type Transport interface {
	Send(localSocket int64, to netip.AddrPort, data []byte) error
}

// Inbound is an authenticated (or, for HELLO, self-authenticating) packet handed to
// a verb handler. Packet and Payload are only valid until the handler returns.
type Inbound struct {
	Verb          wire.Verb
	PacketID      uint64
	Hops          uint8
	Cipher        wire.CipherSuite
	Source        core.Address
	LocalSocket   int64
	From          netip.AddrPort
	Peer          *topology.Peer // nil for a HELLO from an unknown sender
	Path          *topology.Path // nil until the sender is authenticated
	Packet        []byte
	Payload       []byte
	Authenticated bool

	buf *buffer.Buf
	n   int
}

// Handler processes one verb. A returned error is reported as a drop.
type Handler interface {
	Handle(in *Inbound) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(in *Inbound) error

func (f HandlerFunc) Handle(in *Inbound) error { return f(in) }

// Engine is safe for concurrent use by any number of receive workers.
type Engine struct {
	cfg  Config
	self crypto.Identity
	dir  Directory
	tr   Transport

	defrag  *defrag.Defragmenter
	whois   *whois.Queue
	relayer *relay.Relayer
	expect  *expectTable
	ids     *wire.PacketIDs

	hmu      sync.RWMutex
	handlers [wire.VerbMask + 1]Handler

	diag    Diagnostics
	now     func() time.Time
	logger  log.Logger
	stats   counters
	started time.Time
}

// New creates an engine for the local identity, which must hold its secret.
func New(cfg Config, self crypto.Identity, dir Directory, tr Transport, opts ...Option) (*Engine, error) {
	if !self.HasSecret() {
		return nil, fmt.Errorf("%w: local identity has no secret key", core.ErrConfigInvalid)
	}
	if dir == nil || tr == nil {
		return nil, fmt.Errorf("%w: directory and transport are required", core.ErrConfigInvalid)
	}
	cfg.applyDefaults()

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.diagnostics == nil {
		o.diagnostics = newDefaultDiagnostics()
	}

	wq, err := whois.New(cfg.Whois)
	if err != nil {
		return nil, err
	}
	expect, err := newExpectTable(cfg.MaxExpected, cfg.ExpectTimeout)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		self:    self,
		dir:     dir,
		tr:      tr,
		defrag:  defrag.New(cfg.Defrag),
		whois:   wq,
		expect:  expect,
		ids:     wire.NewPacketIDs(),
		diag:    o.diagnostics,
		now:     o.clock,
		logger:  log.GetLogger().WithField("component", "engine"),
		started: o.clock(),
	}
	e.relayer = &relay.Relayer{
		Self:    self.Address,
		Router:  o.router,
		Paths:   dir,
		MaxHops: cfg.MaxHops,
		Upstream: func() (core.Address, bool) {
			root, ok := dir.Root()
			if !ok {
				return 0, false
			}
			return root.Address(), true
		},
	}
	e.registerBuiltin()
	return e, nil
}

// Address is the local node address.
func (e *Engine) Address() core.Address { return e.self.Address }

// Register installs the handler for a verb, replacing any previous one.
func (e *Engine) Register(verb wire.Verb, h Handler) {
	e.hmu.Lock()
	e.handlers[verb&wire.VerbMask] = h
	e.hmu.Unlock()
}

func (e *Engine) handler(verb wire.Verb) Handler {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	return e.handlers[verb&wire.VerbMask]
}

// OnRemotePacket copies one received datagram into a pooled buffer and processes it.
func (e *Engine) OnRemotePacket(localSocket int64, from netip.AddrPort, data []byte) {
	buf, err := buffer.From(data)
	if err != nil {
		e.stats.received.Add(1)
		e.drop(DropEvent{LocalSocket: localSocket, From: from}, fmt.Errorf("%w: %v", core.ErrMalformedPacket, err))
		return
	}
	e.OnRemoteBuf(localSocket, from, buf, len(data))
}

// OnRemoteBuf processes a datagram already held in a pooled buffer and takes
// ownership of buf. It never panics; every failure becomes a drop.
func (e *Engine) OnRemoteBuf(localSocket int64, from netip.AddrPort, buf *buffer.Buf, n int) {
	e.stats.received.Add(1)
	ev := DropEvent{LocalSocket: localSocket, From: from}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.drop(ev, fmt.Errorf("%w: %v", core.ErrInternal, r))
		}
		metrics.ProcessingLatencySeconds.WithLabelValues("receive").Observe(time.Since(start).Seconds())
	}()
	if err := e.receive(&ev, localSocket, from, buf, n); err != nil {
		e.drop(ev, err)
	}
}

func (e *Engine) drop(ev DropEvent, err error) {
	ev.Err = err
	ev.Reason = core.ReasonOf(err)
	if ev.Reason != core.ReasonDuplicateFragment {
		e.stats.dropped.Add(1)
	}
	e.diag.PacketDropped(ev)
}

// receive classifies the datagram and feeds it through reassembly. buf is always
// consumed.
func (e *Engine) receive(ev *DropEvent, localSocket int64, from netip.AddrPort, buf *buffer.Buf, n int) error {
	now := e.now()
	if n < 0 || n > len(buf.B) {
		buf.Release()
		return fmt.Errorf("%w: length %d", core.ErrMalformedPacket, n)
	}
	data := buf.B[:n]

	if n == wire.KeepaliveLength {
		// Keepalives only refresh a path that is already known.
		metrics.PacketsReceivedTotal.WithLabelValues("keepalive").Inc()
		if path, ok := e.dir.ExistingPath(localSocket, from); ok {
			path.Received(now)
		}
		buf.Release()
		return nil
	}
	if n < wire.MinFragmentLength {
		metrics.PacketsReceivedTotal.WithLabelValues("runt").Inc()
		buf.Release()
		return fmt.Errorf("%w: datagram of %d bytes", core.ErrMalformedPacket, n)
	}
	key := defrag.PathKey{LocalSocket: localSocket, Addr: from}

	if wire.IsFragment(data) {
		metrics.PacketsReceivedTotal.WithLabelValues("fragment").Inc()
		fh, err := wire.DecodeFragmentHeader(data)
		if err != nil {
			buf.Release()
			return err
		}
		ev.PacketID, ev.Hops = fh.PacketID, fh.Hops
		if fh.Destination != e.self.Address {
			defer buf.Release()
			return e.relay(data, fh.Destination)
		}
		if !e.defrag.Allow(from.Addr(), now) {
			buf.Release()
			return fmt.Errorf("%w: fragments from %s", core.ErrRateLimitExceeded, from.Addr())
		}
		frag := buffer.Slice{Buf: buf, S: wire.FragmentPayloadStart, E: n}
		return e.reassemble(ev, fh.PacketID, frag, int(fh.Number), int(fh.Total), now, key, localSocket, from)
	}

	metrics.PacketsReceivedTotal.WithLabelValues("packet").Inc()
	if n < wire.MinPacketLength {
		buf.Release()
		return fmt.Errorf("%w: packet of %d bytes", core.ErrMalformedPacket, n)
	}
	h, err := wire.DecodeHeader(data)
	if err != nil {
		buf.Release()
		return err
	}
	ev.PacketID, ev.Hops = h.PacketID, h.Hops()
	if h.Destination != e.self.Address {
		defer buf.Release()
		return e.relay(data, h.Destination)
	}

	head := buffer.Slice{Buf: buf, S: 0, E: n}
	if h.Fragmented() {
		return e.reassemble(ev, h.PacketID, head, 0, 0, now, key, localSocket, from)
	}
	return e.assembled(ev, localSocket, from, []buffer.Slice{head}, now, false)
}

// reassemble hands one piece to the defragmenter and continues with the complete
// packet when it was the last one missing.
func (e *Engine) reassemble(ev *DropEvent, packetID uint64, piece buffer.Slice, index, total int, now time.Time, key defrag.PathKey, localSocket int64, from netip.AddrPort) error {
	res, slices := e.defrag.Assemble(packetID, piece, index, total, now, key, e.cfg.MaxFragmentsPerPath)
	piece.Buf.Release()
	switch res {
	case defrag.OK:
		return nil
	case defrag.Complete:
		return e.assembled(ev, localSocket, from, slices, now, false)
	}
	return res.Err()
}

func (e *Engine) relay(pkt []byte, dst core.Address) error {
	act, err := e.relayer.Relay(pkt, dst)
	if err != nil {
		return err
	}
	if err := e.tr.Send(act.LocalSocket, act.To, act.Data); err != nil {
		e.logger.WithError(err).WithField("to", act.To.String()).Debug("relay send failed")
		return nil
	}
	e.stats.relayed.Add(1)
	metrics.PacketsRelayedTotal.Inc()
	return nil
}

// assembled continues with a complete, still armored packet. It owns slices. It is
// also the re-entry point for packets released from the WHOIS queue.
func (e *Engine) assembled(ev *DropEvent, localSocket int64, from netip.AddrPort, slices []buffer.Slice, now time.Time, requeued bool) error {
	owned := true
	defer func() {
		if owned {
			buffer.ReleaseAll(slices)
		}
	}()

	if size := buffer.TotalLen(slices); size > wire.MaxPacketLength {
		return fmt.Errorf("%w: assembled packet of %d bytes", core.ErrMalformedPacket, size)
	}
	if slices[0].Len() < wire.MinPacketLength {
		return fmt.Errorf("%w: head of %d bytes", core.ErrMalformedPacket, slices[0].Len())
	}
	header := slices[0].Bytes()
	h, err := wire.DecodeHeader(header)
	if err != nil {
		return err
	}
	if h.Source.IsReserved() || h.Source == e.self.Address {
		return fmt.Errorf("%w: source %s", core.ErrMalformedPacket, h.Source)
	}

	peer, known := e.dir.Lookup(h.Source)
	if !known {
		if e.introduction(header, from) {
			out, n, err := buffer.Assemble(slices)
			if err != nil {
				return fmt.Errorf("%w: %v", core.ErrMalformedPacket, err)
			}
			return e.dispatch(ev, out, n, h, nil, localSocket, from, false)
		}
		if requeued {
			return fmt.Errorf("%w: %s still unknown after resolution", core.ErrInternal, h.Source)
		}
		qp := whois.QueuedPacket{LocalSocket: localSocket, From: from, Slices: slices, Arrived: now}
		switch e.whois.Enqueue(h.Source, qp, now, e.known) {
		case whois.QueuedSendWhois:
			owned = false
			e.stats.queued.Add(1)
			e.sendWhois([]core.Address{h.Source})
			return nil
		case whois.Queued:
			owned = false
			e.stats.queued.Add(1)
			return nil
		}
		// Resolved between the lookup and the enqueue.
		if peer, known = e.dir.Lookup(h.Source); !known {
			return fmt.Errorf("%w: %s vanished from the directory", core.ErrInternal, h.Source)
		}
	}

	start := time.Now()
	trusted := func(id uint64) bool { return e.dir.TrustedPath(from, id) }
	out, n, err := crypto.Dearmor(slices, peer.Key(), trusted)
	metrics.ProcessingLatencySeconds.WithLabelValues("dearmor").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return e.dispatch(ev, out, n, h, peer, localSocket, from, true)
}

func (e *Engine) known(addr core.Address) bool {
	_, ok := e.dir.Lookup(addr)
	return ok
}

// introduction reports whether an armored header is a HELLO, the one packet a node
// accepts from a sender it does not know. It must use the MAC-only suite, or no
// cipher at all when it arrives on the trusted path its MAC field names.
func (e *Engine) introduction(header []byte, from netip.AddrPort) bool {
	if wire.PacketVerb(header) != wire.VerbHELLO {
		return false
	}
	switch wire.PacketCipher(header) {
	case wire.CipherPoly1305None:
		return true
	case wire.CipherNone:
		return e.dir.TrustedPath(from, binary.BigEndian.Uint64(header[wire.IdxMAC:wire.IdxMAC+8]))
	}
	return false
}

// dispatch decompresses an authenticated packet and hands it to its verb handler.
// It owns out.
func (e *Engine) dispatch(ev *DropEvent, out *buffer.Buf, n int, h wire.Header, peer *topology.Peer, localSocket int64, from netip.AddrPort, authenticated bool) error {
	dec, dn, err := crypto.Decompress(out, n, authenticated)
	if err != nil {
		out.Release()
		return err
	}
	out, n = dec, dn
	defer out.Release()

	verb := wire.PacketVerb(out.B)
	ev.Verb, ev.VerbKnown = verb, true

	hd := e.handler(verb)
	if hd == nil {
		return fmt.Errorf("%w: %s", core.ErrUnrecognizedVerb, verb)
	}

	// Unauthenticated senders do not get a canonical path until their handler
	// has verified them.
	var path *topology.Path
	if authenticated {
		now := e.now()
		path = e.dir.Path(localSocket, from)
		path.Received(now)
		peer.Received(path, h.Hops(), now)
	}

	in := &Inbound{
		Verb:          verb,
		PacketID:      h.PacketID,
		Hops:          h.Hops(),
		Cipher:        h.Cipher(),
		Source:        h.Source,
		LocalSocket:   localSocket,
		From:          from,
		Peer:          peer,
		Path:          path,
		Packet:        out.B[:n],
		Payload:       out.B[wire.PayloadStart:n],
		Authenticated: authenticated,
		buf:           out,
		n:             n,
	}
	if err := hd.Handle(in); err != nil {
		return err
	}
	e.stats.dispatched.Add(1)
	metrics.PacketsDispatchedTotal.WithLabelValues(verb.String()).Inc()
	return nil
}

// reinject re-processes packets released from the WHOIS queue in arrival order.
func (e *Engine) reinject(pkts []whois.QueuedPacket) {
	for _, p := range pkts {
		ev := DropEvent{LocalSocket: p.LocalSocket, From: p.From}
		if len(p.Slices) > 0 && p.Slices[0].Len() >= wire.MinPacketLength {
			if h, err := wire.DecodeHeader(p.Slices[0].Bytes()); err == nil {
				ev.PacketID, ev.Hops = h.PacketID, h.Hops()
			}
		}
		if err := e.assembled(&ev, p.LocalSocket, p.From, p.Slices, e.now(), true); err != nil {
			e.drop(ev, err)
		}
	}
}

// resolved must be called after an identity has been added to the directory.
func (e *Engine) resolved(addr core.Address) {
	pkts := e.whois.Resolve(addr)
	if len(pkts) == 0 {
		return
	}
	e.logger.WithField("address", addr).WithField("packets", len(pkts)).Debug("identity resolved, replaying queued packets")
	e.reinject(pkts)
}
