// Package nftset manages address sets of nf_tables tables over the
// nf_tables netlink protocol.
package nftset

import (
	"fmt"
	"strings"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/nfnl"
)

// Family is the nf_tables table family, valued as NFPROTO_*.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyINet   Family = 1
	FamilyIPv4   Family = 2
	FamilyIPv6   Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyINet:
		return "inet"
	case FamilyIPv4:
		return "ip"
	case FamilyIPv6:
		return "ip6"
	case FamilyUnspec:
		return "unspec"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "inet":
		return FamilyINet, nil
	case "ip", "ip4", "ipv4":
		return FamilyIPv4, nil
	case "ip6", "ipv6":
		return FamilyIPv6, nil
	default:
		return FamilyUnspec, fmt.Errorf("unknown nftables family: %s", s)
	}
}

// SetType is the key type of an address set.
type SetType uint8

const (
	IPv4Addr SetType = iota + 1
	IPv6Addr
)

// key type magics of ipv4_addr and ipv6_addr in nft's datatype table
const (
	keyTypeIPv4 = 7
	keyTypeIPv6 = 8
)

func (t SetType) String() string {
	switch t {
	case IPv4Addr:
		return "ipv4_addr"
	case IPv6Addr:
		return "ipv6_addr"
	default:
		return fmt.Sprintf("settype(%d)", uint8(t))
	}
}

func ParseSetType(s string) (SetType, error) {
	switch strings.ToLower(s) {
	case "ipv4_addr", "ipv4", "ip", "4":
		return IPv4Addr, nil
	case "ipv6_addr", "ipv6", "ip6", "6":
		return IPv6Addr, nil
	default:
		return 0, fmt.Errorf("unsupported set type: %s", s)
	}
}

func SetTypeOf(family adapter.Family) SetType {
	if family == adapter.Inet6 {
		return IPv6Addr
	}
	return IPv4Addr
}

func (t SetType) Family() adapter.Family {
	switch t {
	case IPv4Addr:
		return adapter.Inet
	case IPv6Addr:
		return adapter.Inet6
	default:
		return adapter.FamilyUnspec
	}
}

func (t SetType) KeyLen() uint32 {
	switch t {
	case IPv4Addr:
		return 4
	case IPv6Addr:
		return 16
	default:
		return 0
	}
}

func (t SetType) keyType() uint32 {
	if t == IPv6Addr {
		return keyTypeIPv6
	}
	return keyTypeIPv4
}

func setTypeOf(keyType uint32, keyLen uint32) (SetType, bool) {
	switch {
	case keyType == keyTypeIPv4 && keyLen == 4:
		return IPv4Addr, true
	case keyType == keyTypeIPv6 && keyLen == 16:
		return IPv6Addr, true
	default:
		return 0, false
	}
}

type CreateOptions struct {
	Type SetType
	// Timeout enables per element timeouts, it is also the default timeout of
	// the set.
	Timeout time.Duration
	// Interval sets hold prefixes and ranges.
	Interval bool
}

type Table struct {
	Name   string
	Family Family
	Use    uint32
}

type SetInfo struct {
	Table    string
	Name     string
	Family   Family
	Type     SetType
	// Timeouts reports NFT_SET_TIMEOUT, Timeout is then the default timeout.
	Timeouts bool
	Timeout  time.Duration
	Interval bool
}

type NFTables struct {
	client *nfnl.Client
}

func New(client *nfnl.Client) *NFTables {
	return &NFTables{client: client}
}

const backendName = "nftables"
