package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/secdash/internal/config"
	"github.com/ppiankov/secdash/internal/policy"
	"github.com/spf13/cobra"
)

var (
	initWrite  bool
	initForce  bool
	initPolicy bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Print a sample config or alert policy",
	Long: `Init prints a commented sample config to stdout. With --write it is saved
to the default config path instead. With --policy a sample alert policy is
printed.

Example:
  secdash init > secdash.yaml
  secdash init --write
  secdash init --policy > secdash-policy.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initWrite, "write", false, "write the sample config to the default config path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file with --write")
	initCmd.Flags().BoolVar(&initPolicy, "policy", false, "print a sample alert policy instead")
}

func runInit(cmd *cobra.Command, args []string) error {
	content := config.GenerateSampleConfig()
	if initPolicy {
		content = policy.SamplePolicy()
	}

	out := cmd.OutOrStdout()
	if !initWrite {
		_, err := fmt.Fprint(out, content)
		return err
	}

	path := config.ConfigPath()
	if initPolicy {
		path = policy.DefaultPolicyFile
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return &ValidationError{Message: fmt.Sprintf("%s already exists (use --force to overwrite)", path)}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// credentials may end up in the file
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}
