package option

import (
	"time"

	"github.com/yaotthaha/nlset/lib/types"
)

type NetlinkOptions struct {
	Timeout types.TimeDuration `config:"timeout"`
	NetNS   string             `config:"netns"`
	Strict  bool               `config:"strict"`
}

func (o *NetlinkOptions) Default() {
	if o.Timeout <= 0 {
		o.Timeout = types.TimeDuration(5 * time.Second)
	}
}

// IPSetOptions pins the protocol revisions sent on create. A kernel that does
// not know a revision rejects the create with a protocol error.
type IPSetOptions struct {
	HashIPRevision  uint8  `config:"hash-ip-revision"`
	HashNetRevision uint8  `config:"hash-net-revision"`
	HashSize        uint32 `config:"hashsize"`
	MaxElem         uint32 `config:"maxelem"`
}

const (
	DefaultHashIPRevision  = 4
	DefaultHashNetRevision = 6
	DefaultHashSize        = 1024
	DefaultMaxElem         = 65536
)

func (o *IPSetOptions) Default() {
	if o.HashIPRevision == 0 {
		o.HashIPRevision = DefaultHashIPRevision
	}
	if o.HashNetRevision == 0 {
		o.HashNetRevision = DefaultHashNetRevision
	}
	if o.HashSize == 0 {
		o.HashSize = DefaultHashSize
	}
	if o.MaxElem == 0 {
		o.MaxElem = DefaultMaxElem
	}
}

type NFTablesOptions struct {
	Family string `config:"family"`
}

func (o *NFTablesOptions) Default() {
	if o.Family == "" {
		o.Family = "inet"
	}
}
