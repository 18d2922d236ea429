package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/types"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new version of a rule from a JSON definition",
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("rule-set", "", "rule set id (required)")
	publishCmd.Flags().String("code", "", "rule code (required)")
	publishCmd.Flags().StringP("file", "f", "", "definition JSON file (required)")
	publishCmd.Flags().Bool("activate", false, "repoint the code to the new version")
	publishCmd.Flags().String("author", "", "recorded as created_by")
	_ = publishCmd.MarkFlagRequired("rule-set")
	_ = publishCmd.MarkFlagRequired("code")
	_ = publishCmd.MarkFlagRequired("file")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ruleSetID, _ := cmd.Flags().GetString("rule-set")
	code, _ := cmd.Flags().GetString("code")
	path, _ := cmd.Flags().GetString("file")
	activate, _ := cmd.Flags().GetBool("activate")
	author, _ := cmd.Flags().GetString("author")

	def, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	admin := governance.NewAdmin(a.store, cache.New(&cache.Config{Enabled: false}), governance.WithAdminLogger(a.logger))
	res, err := admin.PublishRule(ctx, governance.PublishRequest{
		RuleSetID:  types.RuleSetID(ruleSetID),
		Code:       code,
		Definition: json.RawMessage(def),
		CreatedBy:  author,
		Activate:   activate,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
