// Exec command: run SQL without results.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [sql]",
		Short: "Execute SQL statements",
		Long: "Execute one or more SQL statements against the database.\n" +
			"With no argument the statements are read from stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: runExec,
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	sql, err := sqlFromArgsOrStdin(cmd, args)
	if err != nil {
		return err
	}

	db, err := openDatabase()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Exec(sql); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	log.Debug("statements executed")
	return nil
}

// sqlFromArgsOrStdin returns the SQL text from the single positional argument
// or, absent one, from stdin.
func sqlFromArgsOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	sql := strings.TrimSpace(string(data))
	if sql == "" {
		return "", fmt.Errorf("no SQL provided")
	}
	return sql, nil
}
