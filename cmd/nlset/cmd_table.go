package nlset

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/core"

	"github.com/spf13/cobra"
)

var tableCommand = &cobra.Command{
	Use:   "table",
	Short: "Manage nftables tables",
}

var tableNewCommand = &cobra.Command{
	Use:   "new <table>",
	Short: "Create a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.CreateTable(ctx, paramFamily, args[0]))
		}))
	},
}

var tableDelCommand = &cobra.Command{
	Use:   "del <table>",
	Short: "Delete a table, it must hold no sets",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return report(cmd.ErrOrStderr(), backend.DeleteTable(ctx, paramFamily, args[0]))
		}))
	},
}

var tableListCommand = &cobra.Command{
	Use:   "list",
	Short: "List tables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(withBackend(func(ctx context.Context, backend *core.Backend) int {
			return listTables(ctx, backend, cmd.OutOrStdout(), cmd.ErrOrStderr(), paramFamily)
		}))
	},
}

func init() {
	mainCommand.AddCommand(tableCommand)
	tableCommand.AddCommand(tableNewCommand, tableDelCommand, tableListCommand)
}

func listTables(ctx context.Context, backend adapter.TableBackend, out io.Writer, errOut io.Writer, family string) int {
	names, err := backend.ListTables(ctx, family)
	if err != nil {
		return report(errOut, err)
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return exitOK
}
