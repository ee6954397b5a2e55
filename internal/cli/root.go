// Package cli implements the satchel command-line interface: a thin shell
// over pkg/satchel for running SQL, inspecting query results, and driving
// online backups.
// See docs/ARCHITECTURE.md § CLI.
package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	database  string
	jsonMode  bool
	verbose   bool
}

var flags rootFlags

// log is the CLI-wide logger. The library itself never logs; everything
// user-visible goes through here.
var log = logrus.New()

// NewRootCmd creates the top-level "satchel" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "satchel",
		Short: "A command-line shell for satchel databases",
		Long: "Satchel runs SQL against an embedded database, prints query results,\n" +
			"and drives online backups through the satchel library.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(logrus.InfoLevel)
			if flags.verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVarP(&flags.database, "database", "d", "", "database file (default: from config, else $(CWD)/.satchel-db/satchel.db)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newBackupCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitUserError)
	}
}
