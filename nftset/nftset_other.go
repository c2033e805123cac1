//go:build !linux

package nftset

import (
	"context"

	"github.com/yaotthaha/nlset/adapter"
)

var errOSNotSupported = adapter.NewError(adapter.KindUnsupported, backendName, "only supported on linux")

func (n *NFTables) CreateTable(context.Context, Family, string) error {
	return errOSNotSupported
}

func (n *NFTables) DeleteTable(context.Context, Family, string) error {
	return errOSNotSupported
}

func (n *NFTables) ListTables(context.Context, Family) ([]Table, error) {
	return nil, errOSNotSupported
}

func (n *NFTables) ListChains(context.Context, Family, string) ([]string, error) {
	return nil, errOSNotSupported
}

func (n *NFTables) CreateSet(context.Context, Family, string, string, CreateOptions) error {
	return errOSNotSupported
}

func (n *NFTables) DeleteSet(context.Context, Family, string, string) error {
	return errOSNotSupported
}

func (n *NFTables) GetSet(context.Context, Family, string, string) (SetInfo, error) {
	return SetInfo{}, errOSNotSupported
}

func (n *NFTables) ListSets(context.Context, Family, string) ([]SetInfo, error) {
	return nil, errOSNotSupported
}

func (n *NFTables) Add(context.Context, Family, string, string, adapter.IPEntry) error {
	return errOSNotSupported
}

func (n *NFTables) Del(context.Context, Family, string, string, adapter.IPEntry) error {
	return errOSNotSupported
}

func (n *NFTables) Test(context.Context, Family, string, string, adapter.IPEntry) (bool, error) {
	return false, errOSNotSupported
}

func (n *NFTables) List(context.Context, Family, string, string) ([]adapter.IPEntry, error) {
	return nil, errOSNotSupported
}

func (n *NFTables) Flush(context.Context, Family, string, string) error {
	return errOSNotSupported
}

func (n *NFTables) Rename(context.Context, Family, string, string, string) error {
	return errOSNotSupported
}

func (n *NFTables) Swap(context.Context, Family, string, string, string) error {
	return errOSNotSupported
}
