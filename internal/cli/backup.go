// Backup command: drive an online backup with progress reporting.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/pkg/satchel"
)

func newBackupCmd() *cobra.Command {
	var (
		rate     int
		sourceDB string
	)

	cmd := &cobra.Command{
		Use:   "backup [destination]",
		Short: "Copy the database to a new file",
		Long: "Run an online backup of the database into destination. Without a\n" +
			"destination a uniquely named copy is written next to the source.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, args, rate, sourceDB)
		},
	}
	cmd.Flags().IntVar(&rate, "rate", 0, "pages copied per step (0 = default, negative = all at once)")
	cmd.Flags().StringVar(&sourceDB, "source-db", "", `logical source database name (default "main")`)
	return cmd
}

func runBackup(cmd *cobra.Command, args []string, rate int, sourceDB string) error {
	db, err := openDatabase()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	destination := ""
	if len(args) == 1 {
		destination = args[0]
	} else {
		dir := filepath.Dir(db.Location())
		destination = filepath.Join(dir, fmt.Sprintf("backup-%s.db", uuid.NewString()))
	}

	job, err := db.Backup(destination, &satchel.BackupOptions{
		Rate:     rate,
		SourceDB: sourceDB,
		Progress: func(p satchel.BackupProgress) {
			log.WithFields(map[string]any{
				"current": p.CurrentPage,
				"total":   p.TotalPages,
			}).Debug("backup progress")
		},
	})
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	pages, err := job.Wait()
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	log.WithFields(map[string]any{
		"destination": destination,
		"pages":       pages,
	}).Info("backup complete")
	fmt.Fprintln(cmd.OutOrStdout(), destination)
	return nil
}
