package transport

import (
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/metrics"
)

// Handler consumes datagrams and takes ownership of buf.
type Handler interface {
	OnRemoteBuf(localSocket int64, from netip.AddrPort, buf *buffer.Buf, n int)
}

// Sink accepts datagrams from a socket reader and takes ownership of buf.
type Sink interface {
	Deliver(localSocket int64, from netip.AddrPort, buf *buffer.Buf, n int)
}

type datagram struct {
	localSocket int64
	from        netip.AddrPort
	buf         *buffer.Buf
	n           int
}

type worker struct {
	id    int
	label string
	queue chan datagram
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Delivered uint64 `json:"delivered"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Queued    []int  `json:"queued"`
}

// Dispatcher fans datagrams out to a fixed set of workers. A physical path always
// maps to the same worker so its fragments are reassembled in arrival order. Full
// queues drop instead of blocking the socket reader.
type Dispatcher struct {
	handler Handler
	workers []*worker
	nodes   map[string]int
	ring    *hashring.HashRing

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts count workers, each with a queue of queueSize datagrams.
func NewDispatcher(h Handler, count, queueSize int) *Dispatcher {
	if count <= 0 {
		count = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		handler: h,
		workers: make([]*worker, count),
		nodes:   make(map[string]int, count),
	}
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = "worker-" + strconv.Itoa(i)
		d.nodes[names[i]] = i
		d.workers[i] = &worker{id: i, label: strconv.Itoa(i), queue: make(chan datagram, queueSize)}
	}
	d.ring = hashring.New(names)

	d.wg.Add(count)
	for _, w := range d.workers {
		go d.run(w)
	}
	return d
}

// Deliver queues a datagram on the worker owning its path.
func (d *Dispatcher) Deliver(localSocket int64, from netip.AddrPort, buf *buffer.Buf, n int) {
	w := d.workerFor(localSocket, from)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		buf.Release()
		return
	}
	select {
	case w.queue <- datagram{localSocket: localSocket, from: from, buf: buf, n: n}:
		d.delivered.Add(1)
	default:
		buf.Release()
		d.dropped.Add(1)
		metrics.TransportQueueDropsTotal.WithLabelValues(w.label).Inc()
	}
}

func (d *Dispatcher) workerFor(localSocket int64, from netip.AddrPort) *worker {
	if len(d.workers) == 1 {
		return d.workers[0]
	}
	node, ok := d.ring.GetNode(strconv.FormatInt(localSocket, 10) + "/" + from.String())
	if !ok {
		return d.workers[0]
	}
	return d.workers[d.nodes[node]]
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	logger := log.GetLogger()
	logger.Debugf("dispatcher worker %d started", w.id)
	defer logger.Debugf("dispatcher worker %d stopped", w.id)

	for dg := range w.queue {
		d.handler.OnRemoteBuf(dg.localSocket, dg.from, dg.buf, dg.n)
		d.processed.Add(1)
	}
}

// Close stops accepting datagrams, lets the workers finish what is queued and
// waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	s := DispatcherStats{
		Delivered: d.delivered.Load(),
		Processed: d.processed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    make([]int, len(d.workers)),
	}
	for i, w := range d.workers {
		s.Queued[i] = len(w.queue)
	}
	return s
}
