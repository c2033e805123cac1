package adapter

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type Family uint8

const (
	FamilyUnspec Family = iota
	Inet
	Inet6
)

func (f Family) String() string {
	switch f {
	case Inet:
		return "inet"
	case Inet6:
		return "inet6"
	default:
		return "unspec"
	}
}

func (f Family) BitLen() int {
	switch f {
	case Inet:
		return 32
	case Inet6:
		return 128
	default:
		return 0
	}
}

func FamilyOf(addr netip.Addr) Family {
	switch {
	case addr.Is4():
		return Inet
	case addr.Is6():
		return Inet6
	default:
		return FamilyUnspec
	}
}

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "inet", "ipv4", "ip4", "4":
		return Inet, nil
	case "inet6", "ipv6", "ip6", "6":
		return Inet6, nil
	default:
		return FamilyUnspec, fmt.Errorf("unknown family: %s", s)
	}
}

// IPEntry is one set member. A host address is stored as a full length
// prefix. A zero timeout means the set default applies.
type IPEntry struct {
	prefix  netip.Prefix
	timeout time.Duration
}

func NewEntry(addr netip.Addr) IPEntry {
	addr = addr.Unmap()
	return IPEntry{prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

func NewEntryWithTimeout(addr netip.Addr, timeout time.Duration) IPEntry {
	entry := NewEntry(addr)
	entry.timeout = normalizeTimeout(timeout)
	return entry
}

func NewPrefixEntry(prefix netip.Prefix, timeout time.Duration) IPEntry {
	if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	return IPEntry{
		prefix:  prefix.Masked(),
		timeout: normalizeTimeout(timeout),
	}
}

func normalizeTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 0
	}
	return timeout
}

// ParseEntry accepts "10.0.0.1", "2001:db8::1" or "10.0.0.0/8".
func ParseEntry(s string) (IPEntry, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return IPEntry{}, fmt.Errorf("invalid entry %q: %w", s, err)
		}
		return NewPrefixEntry(prefix, 0), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPEntry{}, fmt.Errorf("invalid entry %q: %w", s, err)
	}
	if addr.Zone() != "" {
		return IPEntry{}, fmt.Errorf("invalid entry %q: zoned address", s)
	}
	return NewEntry(addr), nil
}

func (e IPEntry) IsValid() bool {
	return e.prefix.IsValid()
}

func (e IPEntry) Addr() netip.Addr {
	return e.prefix.Addr()
}

func (e IPEntry) Prefix() netip.Prefix {
	return e.prefix
}

func (e IPEntry) IsHost() bool {
	return e.prefix.IsSingleIP()
}

func (e IPEntry) Family() Family {
	return FamilyOf(e.prefix.Addr())
}

func (e IPEntry) Timeout() time.Duration {
	return e.timeout
}

func (e IPEntry) HasTimeout() bool {
	return e.timeout > 0
}

func (e IPEntry) WithTimeout(timeout time.Duration) IPEntry {
	e.timeout = normalizeTimeout(timeout)
	return e
}

func (e IPEntry) String() string {
	if !e.prefix.IsValid() {
		return "invalid"
	}
	if e.IsHost() {
		return e.prefix.Addr().String()
	}
	return e.prefix.String()
}
