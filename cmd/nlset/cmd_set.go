package nlset

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/constant"
	"github.com/yaotthaha/nlset/core"
	"github.com/yaotthaha/nlset/ipset"
	"github.com/yaotthaha/nlset/nftset"

	"github.com/spf13/cobra"
)

var setCommand = &cobra.Command{
	Use:   "set",
	Short: "Create, delete, rename or swap sets",
}

var (
	paramSetType     string
	paramSetInet6    bool
	paramSetInterval bool
	paramSetTimeout  time.Duration
	paramSetHashSize uint32
	paramSetMaxElem  uint32
)

var setNewCommand = &cobra.Command{
	Use:   "new <set>",
	Short: "Create a set",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		options, err := createOptions(paramBackend, paramSetType, paramSetInet6, paramSetInterval)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			os.Exit(exitError)
		}
		options.Timeout = paramSetTimeout
		options.HashSize = paramSetHashSize
		options.MaxElem = paramSetMaxElem
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.Create(ctx, setRef(args[0]), options))
		}))
	},
}

var setDelCommand = &cobra.Command{
	Use:   "del <set>",
	Short: "Delete a set",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.Destroy(ctx, setRef(args[0])))
		}))
	},
}

var setRenameCommand = &cobra.Command{
	Use:   "rename <from> <to>",
	Short: "Rename a set (ipset only)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return rename(ctx, backend, cmd.ErrOrStderr(), setRef(args[0]), setRef(args[1]))
		}))
	},
}

var setSwapCommand = &cobra.Command{
	Use:   "swap <a> <b>",
	Short: "Swap the contents of two sets (ipset only)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.Swap(ctx, setRef(args[0]), setRef(args[1])))
		}))
	},
}

func init() {
	mainCommand.AddCommand(setCommand)
	setCommand.AddCommand(setNewCommand, setDelCommand, setRenameCommand, setSwapCommand)
	flags := setNewCommand.Flags()
	flags.StringVar(&paramSetType, "type", "", "set type: hash:ip or hash:net for ipset, ipv4_addr or ipv6_addr for nftables")
	flags.BoolVar(&paramSetInet6, "inet6", false, "ipset: hold IPv6 entries")
	flags.BoolVar(&paramSetInterval, "interval", false, "nftables: hold prefixes")
	flags.DurationVar(&paramSetTimeout, "timeout", 0, "default entry timeout, enables per entry timeouts")
	flags.Uint32Var(&paramSetHashSize, "hashsize", 0, "ipset: initial hash size")
	flags.Uint32Var(&paramSetMaxElem, "maxelem", 0, "ipset: maximum number of entries")
}

// createOptions maps the backend specific type flags to CreateOptions.
func createOptions(backend string, typ string, inet6 bool, interval bool) (adapter.CreateOptions, error) {
	var options adapter.CreateOptions
	switch constant.BackendType(backend) {
	case constant.BackendIPSet:
		setType := ipset.HashIP
		if typ != "" {
			var err error
			setType, err = ipset.ParseSetType(strings.ReplaceAll(typ, "-", ":"))
			if err != nil {
				return options, err
			}
		}
		options.Network = setType == ipset.HashNet
		options.Family = adapter.Inet
		if inet6 {
			options.Family = adapter.Inet6
		}
	case constant.BackendNFTables:
		setType := nftset.IPv4Addr
		if typ != "" {
			var err error
			setType, err = nftset.ParseSetType(typ)
			if err != nil {
				return options, err
			}
		}
		options.Family = setType.Family()
		options.Network = interval
	default:
		return options, fmt.Errorf("unknown backend: %s", backend)
	}
	return options, nil
}

// rename keeps the table of from, a table given in to is ignored.
func rename(ctx context.Context, backend adapter.SetBackend, errOut io.Writer, from adapter.SetRef, to adapter.SetRef) int {
	return report(errOut, backend.Rename(ctx, from, to.Name))
}
