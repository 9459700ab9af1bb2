// Package transport moves datagrams between UDP sockets and the packet engine.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/log"
)

// DefaultBatchSize is the number of datagrams read per system call.
const DefaultBatchSize = 64

// ErrUnknownSocket is returned by Send for a local socket this transport does not own.
var ErrUnknownSocket = errors.New("transport: unknown local socket")

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn; on Linux
// ReadBatch uses recvmmsg.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

type socket struct {
	id     int64
	conn   *net.UDPConn
	reader batchReader
	v4     bool
	local  netip.AddrPort
}

// UDP owns one UDP socket per configured listen address. Local socket IDs start at 1
// in configuration order.
type UDP struct {
	sockets []*socket
	batch   int

	closed atomic.Bool
	wg     sync.WaitGroup

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
}

// Listen binds every address. On error the sockets already bound are closed.
func Listen(addrs []netip.AddrPort, batch int) (*UDP, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	u := &UDP{batch: batch}
	for i, addr := range addrs {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
		if err != nil {
			u.Close()
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		s := &socket{
			id:    int64(i + 1),
			conn:  conn,
			v4:    addr.Addr().Unmap().Is4(),
			local: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		}
		if s.v4 {
			s.reader = ipv4.NewPacketConn(conn)
		} else {
			s.reader = ipv6.NewPacketConn(conn)
		}
		u.sockets = append(u.sockets, s)
	}
	return u, nil
}

// Start launches one reader per socket. Every datagram is handed to sink in a
// pooled buffer.
func (u *UDP) Start(sink Sink) {
	for _, s := range u.sockets {
		u.wg.Add(1)
		go u.readLoop(s, sink)
	}
}

// LocalAddrs maps local socket IDs to their bound addresses.
func (u *UDP) LocalAddrs() map[int64]netip.AddrPort {
	out := make(map[int64]netip.AddrPort, len(u.sockets))
	for _, s := range u.sockets {
		out[s.id] = s.local
	}
	return out
}

func (u *UDP) readLoop(s *socket, sink Sink) {
	defer u.wg.Done()
	logger := log.GetLogger().WithField("socket", s.id).WithField("local", s.local.String())
	logger.Info("udp reader started")

	bufs := make([]*buffer.Buf, u.batch)
	msgs := make([]ipv4.Message, u.batch)
	for i := range bufs {
		bufs[i] = buffer.Get()
	}
	defer func() {
		for _, b := range bufs {
			b.Release()
		}
		logger.Info("udp reader stopped")
	}()

	for {
		for i := range msgs {
			msgs[i].Buffers = [][]byte{bufs[i].B}
			msgs[i].N = 0
			msgs[i].Addr = nil
		}
		n, err := s.reader.ReadBatch(msgs, 0)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("udp read failed")
			continue
		}
		for i := 0; i < n; i++ {
			addr, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok || msgs[i].N == 0 {
				continue
			}
			from := addr.AddrPort()
			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			u.rxPackets.Add(1)
			u.rxBytes.Add(uint64(msgs[i].N))

			sink.Deliver(s.id, from, bufs[i], msgs[i].N)
			bufs[i] = buffer.Get()
		}
	}
}

// Send writes one datagram from the given local socket.
func (u *UDP) Send(localSocket int64, to netip.AddrPort, data []byte) error {
	if localSocket < 1 || int(localSocket) > len(u.sockets) {
		return fmt.Errorf("%w: %d", ErrUnknownSocket, localSocket)
	}
	s := u.sockets[localSocket-1]
	if s.v4 {
		if !to.Addr().Unmap().Is4() {
			return fmt.Errorf("send to %s from IPv4 socket %d: address family mismatch", to, s.id)
		}
		to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	}
	n, err := s.conn.WriteToUDPAddrPort(data, to)
	if err != nil {
		return err
	}
	u.txPackets.Add(1)
	u.txBytes.Add(uint64(n))
	return nil
}

// Counters returns packets and bytes received and sent.
func (u *UDP) Counters() (rxPackets, rxBytes, txPackets, txBytes uint64) {
	return u.rxPackets.Load(), u.rxBytes.Load(), u.txPackets.Load(), u.txBytes.Load()
}

// Close closes every socket and waits for the readers.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, s := range u.sockets {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	u.wg.Wait()
	return errors.Join(errs...)
}
