package cli

import (
	"fmt"

	"github.com/ppiankov/secdash/internal/policy"
	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/spf13/cobra"
)

var (
	checkPolicyFile string
	checkFormat     string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the latest metrics against an alert policy",
	Long: `Check loads an alert policy and evaluates it against the latest metrics
snapshot and the live connector status. It is meant for cron jobs and CI
gates.

The policy file is taken from --policy, then the policy_file config key,
then the nearest secdash-policy.yaml in the current or a parent directory.

Exit codes:
  0 - policy passed (or no policy found)
  1 - policy violated
  2 - invalid policy file
  3 - runtime error

Example:
  secdash check
  secdash check --policy secdash-policy.yaml --format json
  secdash check --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkPolicyFile, "policy", "", "path to the alert policy file")
	checkCmd.Flags().StringVar(&checkFormat, "format", "text", "output format: text or json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := validateFormat(checkFormat, "text", "json"); err != nil {
		return err
	}

	pol, path, err := loadPolicy()
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if pol == nil {
		logger.Info("no alert policy found, nothing to check")
		return nil
	}
	logger.WithField("policy", path).Debug("loaded alert policy")

	ctx := cmd.Context()
	load, release, err := openBoard(ctx)
	if err != nil {
		return err
	}
	defer release()

	board, err := load(ctx)
	if err != nil {
		return err
	}

	result := pol.Evaluate(board.Metrics, board.Connectors)

	out := cmd.OutOrStdout()
	if checkFormat == "json" {
		err = reporter.NewJSONReporter(out, true).Check(result, board.Metrics)
	} else {
		err = reporter.NewTextReporter(out).Policy(result)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if !result.Pass {
		return &PolicyError{Violations: len(result.Violations)}
	}
	return nil
}

// loadPolicy resolves the policy file from the flag, the config, then a directory walk
func loadPolicy() (*policy.Policy, string, error) {
	path := checkPolicyFile
	if path == "" {
		path = cfg.PolicyFile
	}
	if path != "" {
		pol, err := policy.LoadFromFile(path)
		if err != nil {
			return nil, path, err
		}
		if pol == nil {
			return nil, path, fmt.Errorf("policy file not found: %s", path)
		}
		return pol, path, nil
	}

	path = policy.FindPolicyFile()
	if path == "" {
		return nil, "", nil
	}
	pol, err := policy.LoadFromFile(path)
	return pol, path, err
}
