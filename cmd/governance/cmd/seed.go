package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create rule sets and publish rules from a YAML file",
	Long: `Seed reads a YAML document of rule sets and their rules. Existing rule sets
are matched by scope, entity type and name; unchanged rules are skipped and
changed rules are published as a new active version.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringP("file", "f", "", "seed file path (required)")
	seedCmd.Flags().String("author", "seed", "recorded as created_by")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	path, _ := cmd.Flags().GetString("file")
	author, _ := cmd.Flags().GetString("author")

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close()

	doc, err := seed.Load(fh)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	admin := governance.NewAdmin(a.store, cache.New(&cache.Config{Enabled: false}), governance.WithAdminLogger(a.logger))
	sum, err := seed.NewSeeder(a.store, admin).Apply(ctx, doc, author)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rule sets: %d created, %d reused\nrules: %d published, %d unchanged\n",
		sum.RuleSetsCreated, sum.RuleSetsReused, sum.RulesPublished, sum.RulesUnchanged)
	return nil
}
