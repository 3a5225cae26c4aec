// Package addr implements the host and socket address value types used
// throughout the dispatcher: parsing and formatting of IPv4/IPv6 host
// addresses and host:port socket addresses.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family identifies an address family.
type Family int

const (
	FamilyInet Family = iota
	FamilyInet6
)

// FamilyMask is a bitset of address families, bit 0 = INET, bit 1 = INET6.
type FamilyMask int

const (
	MaskInet  FamilyMask = 1 << FamilyInet
	MaskInet6 FamilyMask = 1 << FamilyInet6
)

// Bit returns the single-family mask for the host's family.
func (f Family) Bit() FamilyMask {
	return 1 << f
}

// ParseError is the single error variant surfaced by this package. It
// carries the offending string; callers decide whether to abort or report.
type ParseError struct {
	Input string
	Kind  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Kind, e.Input)
}

// HostAddress is a tagged union of an IPv4 or IPv6 host address, stored in
// network byte order.
type HostAddress struct {
	family Family
	v4     [4]byte
	v6     [16]byte
}

// Family reports which variant is populated.
func (h HostAddress) Family() Family { return h.family }

// IsZero reports whether h equals the zero HostAddress, i.e. IPv4
// 0.0.0.0; an uninitialized value and a parsed "0.0.0.0" both report true.
func (h HostAddress) IsZero() bool {
	return h.family == FamilyInet && h.v4 == [4]byte{}
}

// HostFromIPv4 builds a HostAddress from four octets.
func HostFromIPv4(a, b, c, d byte) HostAddress {
	return HostAddress{family: FamilyInet, v4: [4]byte{a, b, c, d}}
}

// HostFromIPv6 builds a HostAddress from 16 bytes in network byte order.
func HostFromIPv6(b [16]byte) HostAddress {
	return HostAddress{family: FamilyInet6, v6: b}
}

// HostFromNetIP converts a net.IP, preferring the 4-byte form when the
// address has one.
func HostFromNetIP(ip net.IP) (HostAddress, bool) {
	if v4 := ip.To4(); v4 != nil {
		return HostFromIPv4(v4[0], v4[1], v4[2], v4[3]), true
	}
	v6 := ip.To16()
	if v6 == nil {
		return HostAddress{}, false
	}
	var b [16]byte
	copy(b[:], v6)
	return HostFromIPv6(b), true
}

// Bytes returns the raw address bytes (4 for IPv4, 16 for IPv6).
func (h HostAddress) Bytes() []byte {
	if h.family == FamilyInet {
		return append([]byte(nil), h.v4[:]...)
	}
	return append([]byte(nil), h.v6[:]...)
}

// NetIP converts a HostAddress to a net.IP for use with the standard
// library's socket APIs.
func (h HostAddress) NetIP() net.IP {
	if h.family == FamilyInet {
		return net.IPv4(h.v4[0], h.v4[1], h.v4[2], h.v4[3])
	}
	ip := make(net.IP, 16)
	copy(ip, h.v6[:])
	return ip
}

// HostFromStr parses a host address in either dotted-quad IPv4 form or
// bracketed `[h:h:...:h]` IPv6 form, with leading whitespace skipped.
// Any deviation from those two textual forms is a *ParseError.
func HostFromStr(s string) (HostAddress, error) {
	trimmed := strings.TrimLeft(s, " \t\n\r")

	if strings.HasPrefix(trimmed, "[") {
		end := strings.IndexByte(trimmed, ']')
		if end < 0 {
			return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
		}
		inner := trimmed[1:end]
		// Bracketed form must be textually IPv6 (contain a colon); net.IP's
		// To4 also returns non-nil for v4-mapped/v4-compatible IPv6
		// literals like "::ffff:1.2.3.4", which are legitimately bracketed.
		if !strings.Contains(inner, ":") {
			return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
		}
		ip := net.ParseIP(inner)
		if ip == nil {
			return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
		}
		var b [16]byte
		copy(b[:], ip.To16())
		return HostFromIPv6(b), nil
	}

	ip := net.ParseIP(trimmed)
	if ip == nil {
		return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
	}
	v4 := ip.To4()
	if v4 == nil {
		return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
	}
	// Reject textual forms other than a plain dotted quad that net.ParseIP
	// accepts and To4 maps to IPv4, such as the unbracketed IPv4-mapped
	// IPv6 literal "::ffff:1.2.3.4".
	if !looksLikeDottedQuad(trimmed) {
		return HostAddress{}, &ParseError{Input: s, Kind: "host address"}
	}
	return HostFromIPv4(v4[0], v4[1], v4[2], v4[3]), nil
}

func looksLikeDottedQuad(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
		if n, err := strconv.Atoi(p); err != nil || n > 255 {
			return false
		}
	}
	return true
}

// HostToStr formats a HostAddress: IPv4 as dotted-quad, IPv6 bracketed
// with lowercase hex, no leading zeros per group, and `::` replacing the
// longest run (length >= 1) of all-zero groups, ties broken by earliest
// position.
func HostToStr(h HostAddress) string {
	if h.family == FamilyInet {
		return fmt.Sprintf("%d.%d.%d.%d", h.v4[0], h.v4[1], h.v4[2], h.v4[3])
	}
	return "[" + formatIPv6Groups(h.v6) + "]"
}

func formatIPv6Groups(raw [16]byte) string {
	var groups [8]uint16
	for i := 0; i < 8; i++ {
		groups[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}

	// Find the longest run of all-zero groups; earliest start wins ties
	// (strict > below keeps the first run found at a given length).
	bestStart, bestLen := -1, 0
	curStart, curLen := -1, 0
	for i := 0; i < 8; i++ {
		if groups[i] == 0 {
			if curStart == -1 {
				curStart = i
			}
			curLen++
			if curLen > bestLen {
				bestStart, bestLen = curStart, curLen
			}
		} else {
			curStart, curLen = -1, 0
		}
	}

	hex := func(i int) string { return strconv.FormatUint(uint64(groups[i]), 16) }

	if bestLen == 0 {
		parts := make([]string, 8)
		for i := range groups {
			parts[i] = hex(i)
		}
		return strings.Join(parts, ":")
	}

	var before, after []string
	for i := 0; i < bestStart; i++ {
		before = append(before, hex(i))
	}
	for i := bestStart + bestLen; i < 8; i++ {
		after = append(after, hex(i))
	}

	return strings.Join(before, ":") + "::" + strings.Join(after, ":")
}
