package engine

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/topology"
)

// Software version reported in HELLO.
const (
	VersionMajor    = 1
	VersionMinor    = 0
	VersionRevision = 0
)

const (
	helloFixedLength = 13 // proto, major, minor, revision(2), timestamp(8)
	okHelloLength    = 13 // timestamp echo(8), proto, major, minor, revision(2)
	maxWhoisPerReply = 32
	maxPushedPaths   = 4
)

func (e *Engine) registerBuiltin() {
	e.Register(wire.VerbNOP, HandlerFunc(func(*Inbound) error { return nil }))
	e.Register(wire.VerbHELLO, HandlerFunc(e.handleHello))
	e.Register(wire.VerbERROR, HandlerFunc(e.handleError))
	e.Register(wire.VerbOK, HandlerFunc(e.handleOK))
	e.Register(wire.VerbWHOIS, HandlerFunc(e.handleWhois))
	e.Register(wire.VerbECHO, HandlerFunc(e.handleEcho))
	e.Register(wire.VerbRENDEZVOUS, HandlerFunc(e.handleRendezvous))
	e.Register(wire.VerbPUSHDIRECTPATHS, HandlerFunc(e.handlePushDirectPaths))
}

// handleHello introduces a sender. A HELLO from an unknown node arrives
// unauthenticated; its MAC is checked here with a key agreed from the identity it
// carries, before anything about the sender is stored. On a trusted path the MAC
// field holds the path ID instead.
func (e *Engine) handleHello(in *Inbound) error {
	p := in.Payload
	if len(p) < helloFixedLength+crypto.MarshaledPublicLength {
		return fmt.Errorf("%w: HELLO of %d bytes", core.ErrMalformedPacket, len(p))
	}
	proto := p[0]
	if proto < wire.ProtoVersionMin {
		return fmt.Errorf("%w: protocol %d", core.ErrPeerTooOld, proto)
	}
	version := topology.Version{Proto: proto, Major: p[1], Minor: p[2], Revision: binary.BigEndian.Uint16(p[3:5])}
	timestamp := binary.BigEndian.Uint64(p[5:13])

	id, _, err := crypto.UnmarshalIdentity(p[helloFixedLength:])
	if err != nil {
		return err
	}
	if id.Address != in.Source {
		return fmt.Errorf("%w: HELLO from %s carries identity %s", core.ErrInvalidObject, in.Source, id.Address)
	}

	peer := in.Peer
	if peer != nil {
		if !peer.Identity().Equal(id) {
			return fmt.Errorf("%w: identity for %s changed", core.ErrInvalidObject, id.Address)
		}
	} else {
		key, err := e.self.Agree(id)
		if err != nil {
			return err
		}
		trusted := func(id uint64) bool { return e.dir.TrustedPath(in.From, id) }
		verified, _, err := crypto.Dearmor([]buffer.Slice{{Buf: in.buf, S: 0, E: in.n}}, &key, trusted)
		if err != nil {
			return err
		}
		verified.Release()
		if !id.LocallyValidate() {
			return fmt.Errorf("%w: identity %s does not validate", core.ErrInvalidObject, id.Address)
		}
		if peer, err = e.dir.Add(id); err != nil {
			return err
		}
		in.Peer = peer
		in.Authenticated = true
		in.Path = e.dir.Path(in.LocalSocket, in.From)
		now := e.now()
		in.Path.Received(now)
		peer.Received(in.Path, in.Hops, now)
		e.logger.WithField("address", id.Address).WithField("from", in.From.String()).Info("learned new peer")
	}
	peer.SetVersion(version)

	e.resolved(id.Address)

	reply := make([]byte, okHelloLength)
	binary.BigEndian.PutUint64(reply[0:8], timestamp)
	reply[8] = wire.ProtoVersion
	reply[9] = VersionMajor
	reply[10] = VersionMinor
	binary.BigEndian.PutUint16(reply[11:13], VersionRevision)
	return e.reply(in, wire.VerbHELLO, reply)
}

// handleOK accepts only replies to requests this node sent.
func (e *Engine) handleOK(in *Inbound) error {
	p := in.Payload
	if len(p) < wire.OKPayloadStart-wire.PayloadStart {
		return fmt.Errorf("%w: OK of %d bytes", core.ErrMalformedPacket, len(p))
	}
	inReVerb := wire.Verb(p[0] & wire.VerbMask)
	inRePacketID := binary.BigEndian.Uint64(p[1:9])
	now := e.now()
	sent, ok := e.expect.take(inRePacketID, inReVerb, in.Source, now)
	if !ok {
		return fmt.Errorf("%w: OK(%s) for %016x", core.ErrReplyNotExpected, inReVerb, inRePacketID)
	}
	body := p[9:]

	switch inReVerb {
	case wire.VerbHELLO:
		if len(body) < okHelloLength {
			return fmt.Errorf("%w: OK(HELLO) of %d bytes", core.ErrMalformedPacket, len(body))
		}
		in.Peer.SetVersion(topology.Version{Proto: body[8], Major: body[9], Minor: body[10], Revision: binary.BigEndian.Uint16(body[11:13])})
		in.Peer.SetLatency(now.Sub(sent))

	case wire.VerbECHO:
		in.Peer.SetLatency(now.Sub(sent))

	case wire.VerbWHOIS:
		for len(body) > 0 {
			id, used, err := crypto.UnmarshalIdentity(body)
			if err != nil {
				return err
			}
			body = body[used:]
			if !id.LocallyValidate() {
				e.logger.WithField("address", id.Address).Warn("WHOIS reply carries an invalid identity")
				continue
			}
			if _, err := e.dir.Add(id); err != nil {
				e.logger.WithField("address", id.Address).WithError(err).Warn("WHOIS reply identity rejected")
				continue
			}
			e.resolved(id.Address)
		}
	}
	return nil
}

// handleError accepts only errors for requests this node sent.
func (e *Engine) handleError(in *Inbound) error {
	p := in.Payload
	if len(p) < wire.ErrorPayloadStart-wire.PayloadStart {
		return fmt.Errorf("%w: ERROR of %d bytes", core.ErrMalformedPacket, len(p))
	}
	inReVerb := wire.Verb(p[0] & wire.VerbMask)
	inRePacketID := binary.BigEndian.Uint64(p[1:9])
	if _, ok := e.expect.take(inRePacketID, inReVerb, in.Source, e.now()); !ok {
		return fmt.Errorf("%w: ERROR(%s) for %016x", core.ErrReplyNotExpected, inReVerb, inRePacketID)
	}
	e.logger.WithFields(map[string]interface{}{
		"peer":    in.Source,
		"in_re":   inReVerb.String(),
		"code":    p[9],
		"payload": len(p) - 10,
	}).Debug("peer returned an error")
	return nil
}

// handleWhois answers with the identities this node knows. When none of the requested
// ones are known, each unknown address gets its own ERROR(OBJ_NOT_FOUND).
func (e *Engine) handleWhois(in *Inbound) error {
	if !in.Peer.AllowWhois(e.now()) {
		return fmt.Errorf("%w: WHOIS from %s", core.ErrRateLimitExceeded, in.Source)
	}
	p := in.Payload
	if len(p) < core.AddressLength || len(p)%core.AddressLength != 0 {
		return fmt.Errorf("%w: WHOIS of %d bytes", core.ErrMalformedPacket, len(p))
	}

	var reply []byte
	var missing [][]byte
	for i, found := 0, 0; i+core.AddressLength <= len(p) && found+len(missing) < maxWhoisPerReply; i += core.AddressLength {
		addr := core.AddressFromBytes(p[i:])
		if addr == e.self.Address {
			reply = e.self.Marshal(reply, false)
			found++
			continue
		}
		if peer, ok := e.dir.Lookup(addr); ok {
			reply = peer.Identity().Marshal(reply, false)
			found++
			continue
		}
		missing = append(missing, p[i:i+core.AddressLength])
	}
	if len(reply) == 0 {
		for _, addr := range missing {
			if err := e.replyError(in, append([]byte{byte(wire.ErrorObjNotFound)}, addr...)); err != nil {
				return err
			}
		}
		return nil
	}
	return e.reply(in, wire.VerbWHOIS, reply)
}

func (e *Engine) handleEcho(in *Inbound) error {
	if !in.Peer.AllowEcho(e.now()) {
		return fmt.Errorf("%w: ECHO from %s", core.ErrRateLimitExceeded, in.Source)
	}
	return e.reply(in, wire.VerbECHO, append([]byte(nil), in.Payload...))
}

// handleRendezvous is sent by a root to introduce a peer reachable at a given
// physical address. The node answers by greeting that peer directly.
//
// Payload: flags(1) | address(5) | port(2) | ip length(1) | ip(4 or 16).
func (e *Engine) handleRendezvous(in *Inbound) error {
	root, ok := e.dir.Root()
	if !ok || root != in.Peer {
		return fmt.Errorf("%w: RENDEZVOUS from non-root %s", core.ErrInvalidObject, in.Source)
	}
	p := in.Payload
	if len(p) < 9 {
		return fmt.Errorf("%w: RENDEZVOUS of %d bytes", core.ErrMalformedPacket, len(p))
	}
	with := core.AddressFromBytes(p[1:])
	port := binary.BigEndian.Uint16(p[6:8])
	ipLen := int(p[8])
	if (ipLen != 4 && ipLen != 16) || len(p) < 9+ipLen {
		return fmt.Errorf("%w: RENDEZVOUS address length %d", core.ErrMalformedPacket, ipLen)
	}
	ip, _ := netip.AddrFromSlice(p[9 : 9+ipLen])
	peer, ok := e.dir.Lookup(with)
	if !ok {
		return nil
	}
	to := netip.AddrPortFrom(ip.Unmap(), port)
	return e.SendHello(peer, in.LocalSocket, to)
}

// handlePushDirectPaths learns candidate physical addresses for a peer and greets
// the first few of them.
//
// Each record: flags(1) | ext length(2) | ext | type(1) | length(1) | ip+port.
// Type 4 carries 6 bytes, type 6 carries 18.
func (e *Engine) handlePushDirectPaths(in *Inbound) error {
	p := in.Payload
	if len(p) < 2 {
		return fmt.Errorf("%w: PUSH_DIRECT_PATHS of %d bytes", core.ErrMalformedPacket, len(p))
	}
	count := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	tried := 0
	for i := 0; i < count; i++ {
		if len(p) < 3 {
			return fmt.Errorf("%w: truncated path record", core.ErrMalformedPacket)
		}
		ext := int(binary.BigEndian.Uint16(p[1:3]))
		p = p[3:]
		if len(p) < ext+2 {
			return fmt.Errorf("%w: truncated path record", core.ErrMalformedPacket)
		}
		p = p[ext:]
		typ, l := p[0], int(p[1])
		p = p[2:]
		if len(p) < l {
			return fmt.Errorf("%w: truncated path record", core.ErrMalformedPacket)
		}
		rec := p[:l]
		p = p[l:]

		var to netip.AddrPort
		switch {
		case typ == 4 && l == 6:
			to = netip.AddrPortFrom(netip.AddrFrom4([4]byte(rec[:4])), binary.BigEndian.Uint16(rec[4:6]))
		case typ == 6 && l == 18:
			to = netip.AddrPortFrom(netip.AddrFrom16([16]byte(rec[:16])), binary.BigEndian.Uint16(rec[16:18]))
		default:
			continue
		}
		if !to.IsValid() || to.Port() == 0 || tried >= maxPushedPaths {
			continue
		}
		if _, ok := e.dir.ExistingPath(in.LocalSocket, to); ok {
			continue
		}
		tried++
		if err := e.SendHello(in.Peer, in.LocalSocket, to); err != nil {
			e.logger.WithError(err).WithField("to", to.String()).Debug("greeting pushed path failed")
		}
	}
	return nil
}

func timestampMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
