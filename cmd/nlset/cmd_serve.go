package nlset

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yaotthaha/nlset/core"
	"github.com/yaotthaha/nlset/log"

	"github.com/spf13/cobra"
)

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Serve both backends over the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(serve())
	},
}

func init() {
	mainCommand.AddCommand(serveCommand)
}

func serve() int {
	options, err := loadOptions()
	if err != nil {
		log.DefaultSimpleLogger.Fatal(err)
		return exitError
	}
	if options.APIOptions.Listen == "" {
		log.DefaultSimpleLogger.Fatal("api.listen is not set")
		return exitError
	}
	logger, closer, err := newLogger(options.LogOptions)
	if err != nil {
		log.DefaultSimpleLogger.Fatal(err)
		return exitError
	}
	defer closer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := core.New(ctx, logger, *options)
	if err != nil {
		logger.Fatal(err)
		return exitError
	}
	go notifySignal(logger, cancel)
	err = c.Run()
	if err != nil {
		logger.Fatal(err)
		return exitError
	}
	return exitOK
}

func notifySignal(logger log.Logger, cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Warn(fmt.Sprintf("receive signal %s, exiting...", sig))
	cancel()
}
