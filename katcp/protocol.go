package katcp

import (
	"fmt"
	"strconv"
	"strings"
)

// Flag is a bit in the set of protocol features a server advertised in its
// #version-connect handshake.
type Flag uint8

const (
	// FlagMessageIDs means the server supports message identifiers
	// (MIDs) correlating replies/informs to requests.
	FlagMessageIDs Flag = 1 << iota
)

// ProtocolInfo describes the katcp protocol version a connected server
// advertised. The zero value means "no handshake received yet".
type ProtocolInfo struct {
	Major int
	Minor int
	Flags Flag
}

// Supports reports whether f was advertised (or implied by the major
// version) by the server.
func (p ProtocolInfo) Supports(f Flag) bool {
	return p.Flags&f != 0
}

// ParseProtocolVersion parses the argument of a
// "#version-connect katcp-protocol <ver>" inform, of the form
// "M.N[-flags]" where flags is a comma-separated list of single-letter
// tokens. An "M" token (case sensitive upper-case, by convention) signals
// FlagMessageIDs explicitly; absent an explicit token, major >= 5 implies
// FlagMessageIDs. See spec.md section 4.6.
func ParseProtocolVersion(ver string) (ProtocolInfo, error) {
	verPart := ver
	var flagsPart string
	if idx := strings.IndexByte(ver, '-'); idx >= 0 {
		verPart = ver[:idx]
		flagsPart = ver[idx+1:]
	}

	majMin := strings.SplitN(verPart, ".", 2)
	if len(majMin) != 2 {
		return ProtocolInfo{}, fmt.Errorf("katcp: malformed protocol version %q", ver)
	}
	major, err := strconv.Atoi(majMin[0])
	if err != nil {
		return ProtocolInfo{}, fmt.Errorf("katcp: malformed protocol major version %q: %w", ver, err)
	}
	minor, err := strconv.Atoi(majMin[1])
	if err != nil {
		return ProtocolInfo{}, fmt.Errorf("katcp: malformed protocol minor version %q: %w", ver, err)
	}

	info := ProtocolInfo{Major: major, Minor: minor}

	explicit := false
	if flagsPart != "" {
		for _, tok := range strings.Split(flagsPart, ",") {
			if tok == "M" {
				info.Flags |= FlagMessageIDs
				explicit = true
			}
		}
	}
	if !explicit && major >= 5 {
		info.Flags |= FlagMessageIDs
	}

	return info, nil
}
