package engine

import (
	"errors"
	"net/netip"
	"time"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/metrics"
)

// DropEvent describes a discarded packet with whatever could be parsed before
// the failure.
type DropEvent struct {
	Reason      core.DropReason
	Err         error
	LocalSocket int64
	From        netip.AddrPort
	PacketID    uint64
	Hops        uint8
	Verb        wire.Verb
	// VerbKnown is false until the packet has been dearmored.
	VerbKnown bool
}

// Diagnostics receives every drop. Implementations must not block.
type Diagnostics interface {
	PacketDropped(ev DropEvent)
}

// DiagnosticsFunc adapts a function to Diagnostics.
type DiagnosticsFunc func(ev DropEvent)

func (f DiagnosticsFunc) PacketDropped(ev DropEvent) { f(ev) }

// defaultDiagnostics counts drops in Prometheus and logs them. Resource exhaustion
// goes through a rate-limited logger; duplicate fragments are not logged.
type defaultDiagnostics struct {
	logger    log.Logger
	exhausted *log.RateLimited
}

func newDefaultDiagnostics() *defaultDiagnostics {
	l := log.GetLogger().WithField("component", "engine")
	return &defaultDiagnostics{
		logger:    l,
		exhausted: log.NewRateLimited(l, time.Second, 5),
	}
}

func (d *defaultDiagnostics) PacketDropped(ev DropEvent) {
	verb := "unknown"
	if ev.VerbKnown {
		verb = ev.Verb.String()
	}
	metrics.PacketsDroppedTotal.WithLabelValues(string(ev.Reason), verb).Inc()

	switch {
	case ev.Reason == core.ReasonDuplicateFragment:
		return
	case ev.Reason.IsResourceExhaustion():
		if l := d.exhausted.Logger(); l != nil {
			fields(l, ev, verb).Warn("packet dropped")
		}
	case errors.Is(ev.Err, core.ErrInternal):
		fields(d.logger, ev, verb).Error("packet dropped")
	default:
		if d.logger.IsDebugEnabled() {
			fields(d.logger, ev, verb).Debug("packet dropped")
		}
	}
}

func fields(l log.Logger, ev DropEvent, verb string) log.Logger {
	return l.WithFields(map[string]interface{}{
		"reason":    ev.Reason,
		"socket":    ev.LocalSocket,
		"from":      ev.From.String(),
		"packet_id": ev.PacketID,
		"hops":      ev.Hops,
		"verb":      verb,
	}).WithError(ev.Err)
}
