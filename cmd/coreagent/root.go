// Command coreagent is the on-device core station agent: it runs the
// schedule handler and binary upload engine against a GSN server and a TOS
// link, the same way the teacher's assist binary drove satellite command
// scheduling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busoc/coreagent/internal/agenterr"
)

// version is stamped at build time via -ldflags; it defaults to "dev" for
// local builds, mirroring the teacher's bare version constant.
var version = "dev"

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "coreagent",
		Short:         "Core station agent bridging a local schedule and TOS link to a GSN server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/coreagent/coreagent.toml", "path to the TOML configuration file")

	root.AddCommand(newRunCommand(&configFile))
	root.AddCommand(newListCommand(&configFile))
	root.AddCommand(newVersionCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		printErr(err)
		os.Exit(exitCode(err))
	}
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, "coreagent:", err)
}

// exitCode recovers the agenterr.Error code when present, falling back to
// a generic nonzero status, the same contract the teacher's Exit/checkError
// helpers established.
func exitCode(err error) int {
	var e *agenterr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 1
}
