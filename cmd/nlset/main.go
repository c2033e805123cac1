package nlset

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/constant"
	"github.com/yaotthaha/nlset/core"
	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/option"

	"github.com/spf13/cobra"
)

var mainCommand = &cobra.Command{
	Use:   "nlset",
	Short: "Manage ipset and nftables address sets over netlink",
}

var (
	paramConfig  string
	paramBackend string
	paramTable   string
	paramFamily  string
)

func init() {
	mainCommand.PersistentFlags().StringVarP(&paramConfig, "config", "c", "config.yaml", "config file")
	mainCommand.PersistentFlags().StringVarP(&paramBackend, "backend", "b", string(constant.BackendNFTables), "backend: ipset or nftables")
	mainCommand.PersistentFlags().StringVarP(&paramTable, "table", "t", "", "nftables table, takes precedence over <table>.<set>")
	mainCommand.PersistentFlags().StringVarP(&paramFamily, "family", "f", "", "nftables table family: inet, ip or ip6")
}

func Run() error {
	return mainCommand.Execute()
}

const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
)

func loadOptions() (*option.Option, error) {
	return option.ReadFileOrDefault(paramConfig)
}

func newLogger(options option.LogOptions) (*log.SimpleLogger, func(), error) {
	logger := log.NewLogger()
	closer := func() {}
	if options.Disabled {
		logger.SetOutput(io.Discard)
	}
	if options.Debug {
		logger.SetDebug(true)
	}
	if options.Color {
		logger.SetColor(true)
	}
	if options.File != "" {
		f, err := os.OpenFile(options.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		logger.SetOutput(f)
		closer = func() { f.Close() }
	}
	return logger, closer, nil
}

// withBackend builds the selected backend and hands it to f, the result of f
// is the process exit code.
func withBackend(f func(ctx context.Context, backend *core.Backend) int) int {
	typ := constant.BackendType(paramBackend)
	if !typ.IsValid() {
		log.DefaultSimpleLogger.Error(fmt.Sprintf("unknown backend: %s", paramBackend))
		return exitError
	}
	options, err := loadOptions()
	if err != nil {
		log.DefaultSimpleLogger.Error(err)
		return exitError
	}
	logger, closer, err := newLogger(options.LogOptions)
	if err != nil {
		log.DefaultSimpleLogger.Error(err)
		return exitError
	}
	defer closer()
	backend, err := core.NewBackend(logger, typ, *options)
	if err != nil {
		logger.Error(err)
		return exitError
	}
	return f(context.Background(), backend)
}

// parseSetName splits "<table>.<set>" at the first dot. The name is kept
// whole when either side would be empty.
func parseSetName(name string) (string, string) {
	table, set, found := strings.Cut(name, ".")
	if !found || table == "" || set == "" {
		return "", name
	}
	return table, set
}

// resolveSet turns a command line set name into a SetRef. ipset names are
// taken as they are, dots included.
func resolveSet(typ string, name string, table string, family string) adapter.SetRef {
	if constant.BackendType(typ) != constant.BackendNFTables {
		return adapter.SetRef{Name: name}
	}
	parsedTable, set := parseSetName(name)
	if table == "" {
		table = parsedTable
	}
	return adapter.SetRef{Family: family, Table: table, Name: set}
}

func setRef(name string) adapter.SetRef {
	return resolveSet(paramBackend, name, paramTable, paramFamily)
}

func report(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(w, err)
	return exitError
}
