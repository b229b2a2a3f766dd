package katcp

import (
	"strconv"
	"sync/atomic"
)

// midCounter generates message identifiers. MIDs are required to be
// digit-only (codec.go's allDigits check), so a monotonically increasing
// decimal counter -- the same scheme the teacher uses for Kafka
// correlation IDs in broker.go -- is sufficient; wraparound after 2^64
// requests is not a practical concern.
var midCounter uint64

func nextMID() string {
	n := atomic.AddUint64(&midCounter, 1)
	return strconv.FormatUint(n, 10)
}

// UseMID governs whether a request attaches a message identifier,
// matching spec.md section 4.6's three-way use_mid parameter.
type UseMID uint8

const (
	// UseMIDDefault resolves to true iff the connected server has
	// advertised FlagMessageIDs; before the handshake completes it
	// resolves to false.
	UseMIDDefault UseMID = iota
	// UseMIDAlways forces a MID onto the request, failing with
	// VersionError if the server does not support them.
	UseMIDAlways
	// UseMIDNever never attaches a MID, even if the server supports them.
	UseMIDNever
)

// resolveMID decides whether a request against conn should carry a MID,
// per spec.md section 4.6.
func resolveMID(conn *Conn, use UseMID) (bool, error) {
	supported := conn.Protocol().Supports(FlagMessageIDs)
	switch use {
	case UseMIDAlways:
		if !supported {
			return false, &VersionError{Reason: "message identifiers requested but not supported by the connected server"}
		}
		return true, nil
	case UseMIDNever:
		return false, nil
	default:
		return supported, nil
	}
}
