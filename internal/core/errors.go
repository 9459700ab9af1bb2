// Package core defines sentinel errors and the drop-reason taxonomy.
package core

import "errors"

// Sentinel errors. Every path that discards an inbound packet wraps exactly one of these.
var (
	// Wire decoding errors
	ErrMalformedPacket = errors.New("vl1: malformed packet")

	// Reassembly errors
	ErrDuplicateFragment       = errors.New("vl1: duplicate fragment")
	ErrInvalidFragment         = errors.New("vl1: invalid fragment")
	ErrTooManyFragmentsForPath = errors.New("vl1: too many fragments for path")
	ErrOutOfMemory             = errors.New("vl1: out of memory")

	// Authentication errors
	ErrMacVerificationFailed = errors.New("vl1: MAC verification failed")
	ErrUnknownCipherSuite    = errors.New("vl1: unknown cipher suite")
	ErrNotTrustedPath        = errors.New("vl1: not a trusted path")
	ErrInvalidCompressedData = errors.New("vl1: invalid compressed data")

	// Dispatch errors
	ErrUnrecognizedVerb  = errors.New("vl1: unrecognized verb")
	ErrRateLimitExceeded = errors.New("vl1: rate limit exceeded")
	ErrPeerTooOld        = errors.New("vl1: peer protocol version too old")
	ErrInvalidObject     = errors.New("vl1: invalid object")
	ErrReplyNotExpected  = errors.New("vl1: reply not expected")
	ErrHopLimitExceeded  = errors.New("vl1: hop limit exceeded")
	ErrNoRoute           = errors.New("vl1: no route to destination")
	ErrInternal          = errors.New("vl1: internal error")

	// Configuration errors
	ErrConfigInvalid = errors.New("vl1: invalid configuration")
)

// DropReason is the stable label attached to a discarded packet in metrics and logs.
type DropReason string

const (
	ReasonMalformedPacket         DropReason = "malformed_packet"
	ReasonDuplicateFragment       DropReason = "duplicate_fragment"
	ReasonInvalidFragment         DropReason = "invalid_fragment"
	ReasonTooManyFragmentsForPath DropReason = "too_many_fragments_for_path"
	ReasonOutOfMemory             DropReason = "out_of_memory"
	ReasonMacVerificationFailed   DropReason = "mac_verification_failed"
	ReasonUnknownCipherSuite      DropReason = "unknown_cipher_suite"
	ReasonNotTrustedPath          DropReason = "not_trusted_path"
	ReasonInvalidCompressedData   DropReason = "invalid_compressed_data"
	ReasonUnrecognizedVerb        DropReason = "unrecognized_verb"
	ReasonRateLimitExceeded       DropReason = "rate_limit_exceeded"
	ReasonPeerTooOld              DropReason = "peer_too_old"
	ReasonInvalidObject           DropReason = "invalid_object"
	ReasonReplyNotExpected        DropReason = "reply_not_expected"
	ReasonHopLimitExceeded        DropReason = "hop_limit_exceeded"
	ReasonNoRoute                 DropReason = "no_route"
	ReasonInternal                DropReason = "internal"
	ReasonUnknown                 DropReason = "unknown"
)

var reasons = []struct {
	err    error
	reason DropReason
}{
	{ErrMalformedPacket, ReasonMalformedPacket},
	{ErrDuplicateFragment, ReasonDuplicateFragment},
	{ErrInvalidFragment, ReasonInvalidFragment},
	{ErrTooManyFragmentsForPath, ReasonTooManyFragmentsForPath},
	{ErrOutOfMemory, ReasonOutOfMemory},
	{ErrMacVerificationFailed, ReasonMacVerificationFailed},
	{ErrUnknownCipherSuite, ReasonUnknownCipherSuite},
	{ErrNotTrustedPath, ReasonNotTrustedPath},
	{ErrInvalidCompressedData, ReasonInvalidCompressedData},
	{ErrUnrecognizedVerb, ReasonUnrecognizedVerb},
	{ErrRateLimitExceeded, ReasonRateLimitExceeded},
	{ErrPeerTooOld, ReasonPeerTooOld},
	{ErrInvalidObject, ReasonInvalidObject},
	{ErrReplyNotExpected, ReasonReplyNotExpected},
	{ErrHopLimitExceeded, ReasonHopLimitExceeded},
	{ErrNoRoute, ReasonNoRoute},
	{ErrInternal, ReasonInternal},
}

// ReasonOf maps an error chain to its drop reason.
func ReasonOf(err error) DropReason {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonUnknown
}

// IsResourceExhaustion reports whether a reason comes from a bounded table filling up.
// Such drops are logged through a rate limiter.
func (r DropReason) IsResourceExhaustion() bool {
	switch r {
	case ReasonTooManyFragmentsForPath, ReasonOutOfMemory, ReasonRateLimitExceeded:
		return true
	}
	return false
}
