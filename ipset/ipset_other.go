//go:build !linux

package ipset

import (
	"context"

	"github.com/yaotthaha/nlset/adapter"
)

var errOSNotSupported = adapter.NewError(adapter.KindUnsupported, "ipset", "only supported on linux")

func (s *IPSet) Protocol(context.Context) (uint8, error) {
	return 0, errOSNotSupported
}

func (s *IPSet) Create(context.Context, string, CreateOptions) error {
	return errOSNotSupported
}

func (s *IPSet) Destroy(context.Context, string) error {
	return errOSNotSupported
}

func (s *IPSet) Flush(context.Context, string) error {
	return errOSNotSupported
}

func (s *IPSet) Rename(context.Context, string, string) error {
	return errOSNotSupported
}

func (s *IPSet) Swap(context.Context, string, string) error {
	return errOSNotSupported
}

func (s *IPSet) Header(context.Context, string) (Header, error) {
	return Header{}, errOSNotSupported
}

func (s *IPSet) Add(context.Context, string, adapter.IPEntry) error {
	return errOSNotSupported
}

func (s *IPSet) Del(context.Context, string, adapter.IPEntry) error {
	return errOSNotSupported
}

func (s *IPSet) Test(context.Context, string, adapter.IPEntry) (bool, error) {
	return false, errOSNotSupported
}

func (s *IPSet) List(context.Context, string) ([]adapter.IPEntry, error) {
	return nil, errOSNotSupported
}
