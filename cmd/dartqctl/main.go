// Command dartqctl runs a dartq unit: it serves the TCP fabric, opens the
// configured queue, and can send test messages or list the handlers a
// running binary knows about.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dartqctl",
	Short: "Run or exercise a dartq active message queue unit",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(handlersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
