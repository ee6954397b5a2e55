// Query command: run a SELECT and print the rows.
package cli

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/pkg/satchel"
)

func newQueryCmd() *cobra.Command {
	var bigInts bool

	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a query and print its rows",
		Long: "Prepare the given SQL, bind any positional arguments, and print the\n" +
			"result rows as a table, or as JSON records with --json.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args, bigInts)
		},
	}
	cmd.Flags().BoolVar(&bigInts, "big-ints", false, "read wide integers as exact big integers")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string, bigInts bool) error {
	db, err := openDatabase()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	stmt, err := db.Prepare(args[0])
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Finalize()
	if bigInts {
		if err := stmt.SetReadBigInts(true); err != nil {
			return err
		}
	}

	// Everything after the SQL binds positionally as text; the engine's
	// column affinity converts as needed.
	bindArgs := make([]any, len(args)-1)
	for i, a := range args[1:] {
		bindArgs[i] = a
	}

	rows, err := stmt.Iterate(bindArgs...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if flags.jsonMode {
		return printJSON(cmd, rows)
	}
	return printTable(cmd, rows)
}

func printJSON(cmd *cobra.Command, rows *satchel.Rows) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for rows.Next() {
		record := make(map[string]any, len(rows.Row().Cols))
		for i, col := range rows.Row().Cols {
			record[col] = jsonValue(rows.Row().Values[i])
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

func printTable(cmd *cobra.Command, rows *satchel.Rows) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	header := false
	for rows.Next() {
		row := rows.Row()
		if !header {
			fmt.Fprintln(w, strings.Join(row.Cols, "\t"))
			header = true
		}
		cells := make([]string, len(row.Values))
		for i, v := range row.Values {
			cells[i] = formatCell(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", x)
	default:
		return fmt.Sprint(x)
	}
}

// jsonValue maps marshalled cells onto types encoding/json can represent.
// Blobs render as hex, wide integers as decimal strings.
func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return fmt.Sprintf("%x", x)
	case *big.Int:
		return x.String()
	default:
		return v
	}
}
