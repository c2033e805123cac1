package ipset

import (
	"fmt"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/nfnl"
	"github.com/yaotthaha/nlset/option"
)

type SetType string

const (
	HashIP  SetType = "hash:ip"
	HashNet SetType = "hash:net"
)

func ParseSetType(s string) (SetType, error) {
	switch SetType(s) {
	case HashIP, HashNet:
		return SetType(s), nil
	default:
		return "", fmt.Errorf("unsupported set type: %s", s)
	}
}

type CreateOptions struct {
	Type     SetType
	Family   adapter.Family
	Timeout  time.Duration
	HashSize uint32
	MaxElem  uint32
	// Revision overrides the configured revision of Type when not zero.
	Revision uint8
}

type Header struct {
	Name     string
	TypeName string
	Revision uint8
	Family   adapter.Family
}

type IPSet struct {
	client  *nfnl.Client
	options option.IPSetOptions
}

func New(client *nfnl.Client, options option.IPSetOptions) *IPSet {
	options.Default()
	return &IPSet{
		client:  client,
		options: options,
	}
}

func (s *IPSet) revision(typ SetType) uint8 {
	if typ == HashNet {
		return s.options.HashNetRevision
	}
	return s.options.HashIPRevision
}

// maxTimeout is the largest timeout the kernel accepts, UINT_MAX/MSEC_PER_SEC.
const maxTimeout = 2147483

func timeoutSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	seconds := (d + time.Second - 1) / time.Second
	if seconds > maxTimeout {
		return maxTimeout
	}
	return uint32(seconds)
}
