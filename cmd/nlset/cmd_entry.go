package nlset

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/core"
	"github.com/yaotthaha/nlset/lib/tools"

	"github.com/spf13/cobra"
)

var paramEntryTimeout time.Duration

var addCommand = &cobra.Command{
	Use:   "add <set> <entry>",
	Short: "Add an address or prefix to a set",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return add(ctx, backend, cmd.ErrOrStderr(), setRef(args[0]), args[1], paramEntryTimeout)
		}))
	},
}

var delCommand = &cobra.Command{
	Use:   "del <set> <entry>",
	Short: "Remove an address or prefix from a set",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return del(ctx, backend, cmd.ErrOrStderr(), setRef(args[0]), args[1])
		}))
	},
}

var testCommand = &cobra.Command{
	Use:   "test <set> <entry>",
	Short: "Test whether a set holds an address, exits 2 when it does not",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return test(ctx, backend, cmd.OutOrStdout(), cmd.ErrOrStderr(), setRef(args[0]), args[1])
		}))
	},
}

var listCommand = &cobra.Command{
	Use:   "list <set>",
	Short: "List the entries of a set",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return list(ctx, backend, cmd.OutOrStdout(), cmd.ErrOrStderr(), setRef(args[0]))
		}))
	},
}

var flushCommand = &cobra.Command{
	Use:   "flush <set>",
	Short: "Remove every entry of a set",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.Flush(ctx, setRef(args[0])))
		}))
	},
}

func init() {
	mainCommand.AddCommand(addCommand, delCommand, testCommand, listCommand, flushCommand)
	addCommand.Flags().DurationVar(&paramEntryTimeout, "timeout", 0, "entry timeout, the set needs timeout support")
}

func parseEntry(w io.Writer, s string) (adapter.IPEntry, bool) {
	entry, err := adapter.ParseEntry(s)
	if err != nil {
		fmt.Fprintln(w, err)
		return adapter.IPEntry{}, false
	}
	return entry, true
}

func add(ctx context.Context, backend adapter.SetBackend, errOut io.Writer, set adapter.SetRef, s string, timeout time.Duration) int {
	entry, ok := parseEntry(errOut, s)
	if !ok {
		return exitError
	}
	if timeout > 0 {
		entry = entry.WithTimeout(timeout)
	}
	return report(errOut, backend.Add(ctx, set, entry))
}

func del(ctx context.Context, backend adapter.SetBackend, errOut io.Writer, set adapter.SetRef, s string) int {
	entry, ok := parseEntry(errOut, s)
	if !ok {
		return exitError
	}
	return report(errOut, backend.Del(ctx, set, entry))
}

func test(ctx context.Context, backend adapter.SetBackend, out io.Writer, errOut io.Writer, set adapter.SetRef, s string) int {
	entry, ok := parseEntry(errOut, s)
	if !ok {
		return exitError
	}
	found, err := backend.Test(ctx, set, entry)
	if err != nil {
		return report(errOut, err)
	}
	if !found {
		fmt.Fprintf(out, "%s is NOT in set %s\n", entry, set)
		return exitNotFound
	}
	fmt.Fprintf(out, "%s is in set %s\n", entry, set)
	return exitOK
}

func list(ctx context.Context, backend adapter.SetBackend, out io.Writer, errOut io.Writer, set adapter.SetRef) int {
	entries, err := backend.List(ctx, set)
	if err != nil {
		return report(errOut, err)
	}
	if len(entries) > 0 {
		lines := make([]listedEntry, len(entries))
		for i, entry := range entries {
			lines[i] = listedEntry(entry)
		}
		fmt.Fprintln(out, tools.Join(lines, "\n"))
	}
	return exitOK
}

// listedEntry prints the remaining timeout next to the entry.
type listedEntry adapter.IPEntry

func (e listedEntry) String() string {
	entry := adapter.IPEntry(e)
	if !entry.HasTimeout() {
		return entry.String()
	}
	return fmt.Sprintf("%s timeout %d", entry, entry.Timeout()/time.Second)
}
