package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/rules"
	"github.com/flowflex/stagecondition/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate authored rule and action documents",
}

var validateRulesCmd = &cobra.Command{
	Use:   "rules FILE",
	Short: "Validate a rule document (JSON or YAML)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd, args[0], rules.ValidateRuleDocument)
	},
}

var validateActionsCmd = &cobra.Command{
	Use:   "actions FILE",
	Short: "Validate an action document (JSON or YAML)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd, args[0], actions.ValidateActionDocument)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.AddCommand(validateRulesCmd, validateActionsCmd)
}

func runValidate(cmd *cobra.Command, path string, check func(json.RawMessage) types.ValidationResult) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	result := check(doc)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !result.IsValid {
		return fmt.Errorf("%s: %d validation error(s)", path, len(result.Errors))
	}
	return nil
}

// readDocument loads path as JSON. Files that are not JSON are parsed as
// YAML and converted.
func readDocument(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if json.Valid(raw) {
		return raw, nil
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%s is neither JSON nor YAML: %w", path, err)
	}
	doc, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("convert %s to JSON: %w", path, err)
	}
	return doc, nil
}
