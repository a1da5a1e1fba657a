package main

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/dart-go/dartq/internal/logging"
	"github.com/dart-go/dartq/internal/registry"
)

var handlersCmdArgs struct {
	Pattern string
}

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List dartqctl's built-in handlers",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHandlers(); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	handlersCmd.Flags().StringVar(&handlersCmdArgs.Pattern, "filter", "*", "Glob pattern to filter handler names")
}

func runHandlers() error {
	g, err := glob.Compile(handlersCmdArgs.Pattern)
	if err != nil {
		return fmt.Errorf("compiling filter %q: %w", handlersCmdArgs.Pattern, err)
	}

	reg := registry.New()
	registerBuiltins(reg, logging.Nop())

	for _, name := range reg.Names() {
		if g.Match(name) {
			fmt.Println(name)
		}
	}
	return nil
}
