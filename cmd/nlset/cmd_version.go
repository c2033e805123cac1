package nlset

import (
	"fmt"

	"github.com/yaotthaha/nlset/constant"

	"github.com/spf13/cobra"
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		showVersion()
	},
}

func init() {
	mainCommand.AddCommand(versionCommand)
}

func showVersion() {
	fmt.Println(constant.GetVersion())
	fmt.Println("")
	fmt.Printf("Backends: %s, %s\n", constant.BackendIPSet, constant.BackendNFTables)
}
