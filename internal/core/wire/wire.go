// Package wire implements the byte layout of packets and fragments.
package wire

import "fmt"

// Packet layout offsets. All multi-byte integers are big-endian.
const (
	IdxPacketID    = 0
	IdxDestination = 8
	IdxSource      = 13
	IdxFlags       = 18
	IdxMAC         = 19
	IdxVerb        = 27

	// EncryptedSectionStart is the first byte covered by encryption and the MAC.
	EncryptedSectionStart = IdxVerb
	PayloadStart          = 28
	MinPacketLength       = PayloadStart
)

// Fragment layout offsets.
const (
	IdxFragmentIndicator = 13
	IdxFragmentCounts    = 14
	IdxFragmentHops      = 15

	FragmentIndicator    = 0xff
	FragmentPayloadStart = 16
	MinFragmentLength    = FragmentPayloadStart

	// KeepaliveLength is the size of a path keepalive: an opaque 8-byte token that only
	// keeps a path alive.
	KeepaliveLength = 8
)

// Protocol limits.
const (
	MaxFragments    = 16
	DefaultPhysMTU  = 1432
	MaxPacketLength = MaxFragments * DefaultPhysMTU
	MaxHops         = 7

	ProtoVersion    = 11
	ProtoVersionMin = 6
)

// Flag and verb byte masks.
const (
	FlagsHopsMask   = 0x07
	FlagsCipherMask = 0x38
	FlagFragmented  = 0x40

	// FlagsKeyMask selects the flag bits that feed key derivation. Hops change in flight
	// and the fragmented bit is set after armoring.
	FlagsKeyMask = 0xb8

	VerbMask       = 0x1f
	VerbCompressed = 0x80
)

// CipherSuite selects how the encrypted section is protected.
type CipherSuite uint8

const (
	CipherPoly1305None    CipherSuite = 0
	CipherPoly1305Salsa20 CipherSuite = 1
	CipherNone            CipherSuite = 2 // trusted path; MAC field carries the trusted path ID
	CipherAESGCM          CipherSuite = 3 // reserved, not implemented
)

func (c CipherSuite) String() string {
	switch c {
	case CipherPoly1305None:
		return "POLY1305_NONE"
	case CipherPoly1305Salsa20:
		return "POLY1305_SALSA20"
	case CipherNone:
		return "NONE"
	case CipherAESGCM:
		return "AES_GCM"
	}
	return fmt.Sprintf("CIPHER(%d)", uint8(c))
}

// Verb identifies the message type carried by a packet.
type Verb uint8

const (
	VerbNOP                  Verb = 0x00
	VerbHELLO                Verb = 0x01
	VerbERROR                Verb = 0x02
	VerbOK                   Verb = 0x03
	VerbWHOIS                Verb = 0x04
	VerbRENDEZVOUS           Verb = 0x05
	VerbFRAME                Verb = 0x06
	VerbEXTFRAME             Verb = 0x07
	VerbECHO                 Verb = 0x08
	VerbMULTICASTLIKE        Verb = 0x09
	VerbNETWORKCREDENTIALS   Verb = 0x0a
	VerbNETWORKCONFIGREQUEST Verb = 0x0b
	VerbNETWORKCONFIG        Verb = 0x0c
	VerbMULTICASTGATHER      Verb = 0x0d
	VerbPUSHDIRECTPATHS      Verb = 0x10
	VerbUSERMESSAGE          Verb = 0x14
	VerbMULTICAST            Verb = 0x16
	VerbENCAP                Verb = 0x17
)

var verbNames = map[Verb]string{
	VerbNOP:                  "NOP",
	VerbHELLO:                "HELLO",
	VerbERROR:                "ERROR",
	VerbOK:                   "OK",
	VerbWHOIS:                "WHOIS",
	VerbRENDEZVOUS:           "RENDEZVOUS",
	VerbFRAME:                "FRAME",
	VerbEXTFRAME:             "EXT_FRAME",
	VerbECHO:                 "ECHO",
	VerbMULTICASTLIKE:        "MULTICAST_LIKE",
	VerbNETWORKCREDENTIALS:   "NETWORK_CREDENTIALS",
	VerbNETWORKCONFIGREQUEST: "NETWORK_CONFIG_REQUEST",
	VerbNETWORKCONFIG:        "NETWORK_CONFIG",
	VerbMULTICASTGATHER:      "MULTICAST_GATHER",
	VerbPUSHDIRECTPATHS:      "PUSH_DIRECT_PATHS",
	VerbUSERMESSAGE:          "USER_MESSAGE",
	VerbMULTICAST:            "MULTICAST",
	VerbENCAP:                "ENCAP",
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return fmt.Sprintf("VERB(0x%02x)", uint8(v))
}

// Known reports whether v is a verb defined by the protocol.
func (v Verb) Known() bool {
	_, ok := verbNames[v]
	return ok
}

// ErrorCode is carried in ERROR replies.
type ErrorCode uint8

const (
	ErrorInvalidRequest            ErrorCode = 0x01
	ErrorBadProtocolVersion        ErrorCode = 0x02
	ErrorObjNotFound               ErrorCode = 0x03
	ErrorUnsupportedOperation      ErrorCode = 0x05
	ErrorNeedMembershipCertificate ErrorCode = 0x06
	ErrorNetworkAccessDenied       ErrorCode = 0x07
	ErrorCannotDeliver             ErrorCode = 0x09
)

// Offsets inside OK and ERROR payloads.
const (
	IdxInReVerb       = PayloadStart
	IdxInRePacketID   = PayloadStart + 1
	OKPayloadStart    = PayloadStart + 9
	IdxErrorCode      = PayloadStart + 9
	ErrorPayloadStart = PayloadStart + 10
)

// Offsets inside HELLO.
const (
	IdxHelloProtoVersion = PayloadStart
	IdxHelloMajor        = PayloadStart + 1
	IdxHelloMinor        = PayloadStart + 2
	IdxHelloRevision     = PayloadStart + 3
	IdxHelloTimestamp    = PayloadStart + 5
	IdxHelloIdentity     = PayloadStart + 13
)
