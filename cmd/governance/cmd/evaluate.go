package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephix/governance/internal/audit"
	"github.com/zephix/governance/internal/governance"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one request against the database and print the decision",
	Long: `Evaluate reads a JSON evaluation request from --file or stdin, decides it
against the active rules and prints the decision. The evaluation is recorded
in the audit trail like any API call.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringP("file", "f", "", "request JSON file (default stdin)")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	path, _ := cmd.Flags().GetString("file")

	var in io.Reader = cmd.InOrStdin()
	if path != "" {
		fh, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open request: %w", err)
		}
		defer fh.Close()
		in = fh
	}

	dec := json.NewDecoder(in)
	dec.UseNumber()
	var req governance.Request
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	recorder := audit.NewRecorder(a.store, &audit.Config{
		Mode:          audit.ModeSync,
		WriteTimeout:  a.cfg.Audit.WriteTimeout,
		StoreSnapshot: a.cfg.Audit.StoreSnapshot,
	}, audit.WithLogger(a.logger))
	defer recorder.Close()

	decision, err := governance.NewEngine(a.store, recorder, governance.WithLogger(a.logger)).Evaluate(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}
