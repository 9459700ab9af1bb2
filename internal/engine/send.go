package engine

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/metrics"
	"firestige.xyz/vl1/internal/topology"
)

// expectsReply lists the verbs whose OK or ERROR is accepted.
func expectsReply(v wire.Verb) bool {
	switch v {
	case wire.VerbHELLO, wire.VerbWHOIS, wire.VerbECHO:
		return true
	}
	return false
}

// Send builds, armors and transmits a packet to peer over its best path, or through
// the root when no direct path is known. It returns the packet ID.
func (e *Engine) Send(peer *topology.Peer, verb wire.Verb, payload []byte, cipher wire.CipherSuite) (uint64, error) {
	sock, to, ok := e.route(peer)
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrNoRoute, peer.Address())
	}
	return e.sendVia(peer, verb, payload, cipher, sock, to)
}

func (e *Engine) route(peer *topology.Peer) (int64, netip.AddrPort, bool) {
	if path, ok := peer.BestPath(); ok {
		return path.LocalSocket, path.Addr, true
	}
	root, ok := e.dir.Root()
	if !ok || root == peer {
		return 0, netip.AddrPort{}, false
	}
	if path, ok := root.BestPath(); ok {
		return path.LocalSocket, path.Addr, true
	}
	return 0, netip.AddrPort{}, false
}

func (e *Engine) sendVia(peer *topology.Peer, verb wire.Verb, payload []byte, cipher wire.CipherSuite, sock int64, to netip.AddrPort) (uint64, error) {
	id := e.ids.Next()
	pkt := make([]byte, wire.PayloadStart+len(payload))
	h := wire.Header{
		PacketID:    id,
		Destination: peer.Address(),
		Source:      e.self.Address,
		Flags:       wire.MakeFlags(0, cipher, false),
		VerbByte:    uint8(verb),
	}
	if err := h.Encode(pkt); err != nil {
		return 0, err
	}
	copy(pkt[wire.PayloadStart:], payload)

	// HELLO stays uncompressed so an unknown receiver can read it before trusting it.
	if verb != wire.VerbHELLO && len(payload) >= e.cfg.CompressMin {
		pkt = crypto.Compress(pkt)
	}
	if err := crypto.Armor(pkt, peer.Key()); err != nil {
		return 0, err
	}
	parts, err := wire.Split(pkt, e.cfg.MTU)
	if err != nil {
		return 0, err
	}

	now := e.now()
	if expectsReply(verb) {
		e.expect.add(id, verb, peer.Address(), now)
	}
	for _, part := range parts {
		if err := e.tr.Send(sock, to, part); err != nil {
			return 0, fmt.Errorf("send %s to %s: %w", verb, to, err)
		}
	}
	if path, ok := e.dir.ExistingPath(sock, to); ok {
		path.Sent(now)
	}
	e.stats.sent.Add(1)
	metrics.PacketsSentTotal.WithLabelValues(verb.String()).Inc()
	return id, nil
}

// SendHello greets peer at an explicit physical address.
func (e *Engine) SendHello(peer *topology.Peer, localSocket int64, to netip.AddrPort) error {
	payload := make([]byte, helloFixedLength, helloFixedLength+crypto.MarshaledPublicLength)
	payload[0] = wire.ProtoVersion
	payload[1] = VersionMajor
	payload[2] = VersionMinor
	binary.BigEndian.PutUint16(payload[3:5], VersionRevision)
	binary.BigEndian.PutUint64(payload[5:13], timestampMillis(e.now()))
	payload = e.self.Marshal(payload, false)
	_, err := e.sendVia(peer, wire.VerbHELLO, payload, wire.CipherPoly1305None, localSocket, to)
	return err
}

// Hello greets peer over its best path.
func (e *Engine) Hello(peer *topology.Peer) error {
	sock, to, ok := e.route(peer)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNoRoute, peer.Address())
	}
	return e.SendHello(peer, sock, to)
}

// reply answers an inbound request with OK on the path it arrived on when it came
// directly, otherwise over the best path.
func (e *Engine) reply(in *Inbound, inReVerb wire.Verb, body []byte) error {
	payload := make([]byte, 0, 9+len(body))
	payload = append(payload, uint8(inReVerb))
	payload = binary.BigEndian.AppendUint64(payload, in.PacketID)
	payload = append(payload, body...)
	return e.answer(in, wire.VerbOK, payload)
}

// replyError answers with ERROR. body starts with the error code.
func (e *Engine) replyError(in *Inbound, body []byte) error {
	payload := make([]byte, 0, 9+len(body))
	payload = append(payload, uint8(in.Verb))
	payload = binary.BigEndian.AppendUint64(payload, in.PacketID)
	payload = append(payload, body...)
	return e.answer(in, wire.VerbERROR, payload)
}

func (e *Engine) answer(in *Inbound, verb wire.Verb, payload []byte) error {
	var err error
	if in.Hops == 0 && in.Path != nil {
		_, err = e.sendVia(in.Peer, verb, payload, wire.CipherPoly1305Salsa20, in.Path.LocalSocket, in.Path.Addr)
	} else {
		_, err = e.Send(in.Peer, verb, payload, wire.CipherPoly1305Salsa20)
	}
	if err != nil {
		// The request itself was valid; a failed answer is not a drop.
		e.logger.WithError(err).WithField("peer", in.Source).Debug("reply not sent")
	}
	return nil
}

// sendWhois asks the root for the identities behind addrs.
func (e *Engine) sendWhois(addrs []core.Address) {
	root, ok := e.dir.Root()
	if !ok {
		e.logger.WithField("addresses", len(addrs)).Debug("no root to send WHOIS to")
		return
	}
	for len(addrs) > 0 {
		n := len(addrs)
		if n > maxWhoisPerReply {
			n = maxWhoisPerReply
		}
		payload := make([]byte, 0, n*core.AddressLength)
		for _, a := range addrs[:n] {
			b := a.Bytes()
			payload = append(payload, b[:]...)
		}
		addrs = addrs[n:]
		if _, err := e.Send(root, wire.VerbWHOIS, payload, wire.CipherPoly1305Salsa20); err != nil {
			e.logger.WithError(err).Debug("WHOIS not sent")
		}
	}
}
