package registry

import (
	"fmt"
	"net/netip"
	"strings"
)

// BindMatch selects which part of the source address must match a slot's
// bound address for later datagrams to be accepted.
type BindMatch int

const (
	// MatchAddressAndPort requires IP and port to match.
	MatchAddressAndPort BindMatch = iota
	// MatchAddress only compares the IP, so a client whose NAT remaps the
	// source port keeps its slot.
	MatchAddress
)

func (m BindMatch) String() string {
	switch m {
	case MatchAddressAndPort:
		return "address_and_port"
	case MatchAddress:
		return "address"
	default:
		return fmt.Sprintf("BindMatch(%d)", int(m))
	}
}

func ParseBindMatch(s string) (BindMatch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "address_and_port", "addrport":
		return MatchAddressAndPort, nil
	case "address", "addr", "ip":
		return MatchAddress, nil
	default:
		return 0, fmt.Errorf("invalid bind match %q (expected address_and_port or address)", s)
	}
}

func (m BindMatch) matches(bound, observed netip.AddrPort) bool {
	if bound.Addr().Unmap() != observed.Addr().Unmap() {
		return false
	}
	if m == MatchAddress {
		return true
	}
	return bound.Port() == observed.Port()
}
