// Command reconctl runs reconciliations against YAML fixtures, checks rule
// formulas, explains materiality lookups and drives a remote reconciler.
package main

import (
	"fmt"
	"io"
	"os"

	"reims/pkg/config"
	"reims/pkg/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	Version = "dev"
	exitFn  = os.Exit
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitFn(1)
	}
}

// globals are the persistent flags every subcommand sees.
type globals struct {
	configPath string
	logLevel   string
}

func (g *globals) settings() (config.Config, error) {
	return config.Load(g.configPath)
}

func (g *globals) logger() *zap.Logger {
	log, err := logging.New("console", g.logLevel)
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "reconctl",
		Short:         "Cross-statement reconciliation tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("RECON_CONFIG"), "settings file (yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level written to stderr")

	root.AddCommand(runCmd(g))
	root.AddCommand(formulaCmd())
	root.AddCommand(materialityCmd(g))
	root.AddCommand(sessionCmd())
	return root
}
