package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the condition of a completed stage against the database",
	RunE:  runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().String("tenant", "", "tenant id")
	evaluateCmd.Flags().Int64("case", 0, "case id")
	evaluateCmd.Flags().Int64("stage", 0, "completed stage id")
	evaluateCmd.Flags().Int64("user-id", 0, "acting user id")
	evaluateCmd.Flags().String("user-name", "cli", "acting user name")
	evaluateCmd.Flags().Bool("dry-run", false, "evaluate without executing actions or writing")
	_ = evaluateCmd.MarkFlagRequired("tenant")
	_ = evaluateCmd.MarkFlagRequired("case")
	_ = evaluateCmd.MarkFlagRequired("stage")
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tenant, _ := cmd.Flags().GetString("tenant")
	caseID, _ := cmd.Flags().GetInt64("case")
	stageID, _ := cmd.Flags().GetInt64("stage")
	userID, _ := cmd.Flags().GetInt64("user-id")
	userName, _ := cmd.Flags().GetString("user-name")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	rt, err := openRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	var res *types.EvaluationResult
	if dryRun {
		res, err = rt.orch.EvaluateOnly(ctx, types.TenantID(tenant), types.CaseID(caseID), types.StageID(stageID))
	} else {
		res, err = rt.orch.EvaluateAndExecute(ctx, types.TenantID(tenant), types.CaseID(caseID), types.StageID(stageID),
			engine.Actor{ID: userID, Name: userName})
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
