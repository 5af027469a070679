package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/secdash/internal/config"
	"github.com/ppiankov/secdash/internal/connector"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	ExitOK           = 0 // Success
	ExitPolicyFail   = 1 // Alert policy violated
	ExitInvalidInput = 2 // Invalid config, flags or connector definitions
	ExitRuntimeError = 3 // I/O, connectivity, or runtime error
)

var (
	// Global config instance
	cfg *config.Config

	// Global logger, built from cfg
	logger *logrus.Logger

	// Global flags
	configFile string
	serverURL  string
	verbose    bool
	debug      bool

	// version is injected by main
	version = "dev"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "secdash",
	Short: "secdash - security tool sync and normalization pipeline",
	Long: `secdash pulls incidents and assets from security tools (EDR, SIEM, CMDB,
ticketing), normalizes them into one severity and status taxonomy, and keeps
a rolling set of security metrics.

It provides:
- Scheduled incremental incident and full asset syncs per connector
- Per-run audit logs and connector health status
- Metrics rollups (active/critical incidents, MTTD, MTTR, EDR/AV coverage)
- An operational HTTP API, Prometheus metrics and NATS event broadcast
- CI/CD integration with exit codes

Quick start:
  secdash init > secdash.yaml
  secdash validate
  secdash test
  secdash serve

Other commands:
  secdash sync incidents --since 2h
  secdash status --format tui
  secdash check --policy secdash-policy.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return &ValidationError{Message: fmt.Sprintf("failed to load config: %v", err)}
		}

		if verbose || debug {
			cfg.LogLevel = "debug"
		}

		logger = newLogger(cfg, os.Stderr)
		if debug {
			logger.SetReportCaller(true)
		}
		return nil
	},
}

// SetVersion records the build version reported by `secdash version`
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// Execute runs the root command and exits with the mapped exit code
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error
		os.Exit(HandleError(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default: ./secdash.yaml, ~/secdash.yaml or $XDG_CONFIG_HOME/secdash/secdash.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"base URL of a running secdash serve (status and sync use its API instead of the local store)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output (debug log level)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"debug mode (debug log level with caller info)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "secdash %s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "Security tool sync and normalization pipeline")
	},
}

// newLogger builds the process logger from config
func newLogger(c *config.Config, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)

	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

// HandleError determines the appropriate exit code for an error
func HandleError(err error) int {
	if err == nil {
		return ExitOK
	}

	var validation *ValidationError
	var connValidation *connector.ValidationError
	var threshold *ThresholdExceededError
	var policyFail *PolicyError

	switch {
	case errors.As(err, &validation), errors.As(err, &connValidation):
		return ExitInvalidInput
	case errors.As(err, &threshold), errors.As(err, &policyFail):
		return ExitPolicyFail
	default:
		return ExitRuntimeError
	}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ThresholdExceededError represents connectors failing past what the caller tolerates
type ThresholdExceededError struct {
	Failed int
	Total  int
}

func (e *ThresholdExceededError) Error() string {
	return fmt.Sprintf("%d of %d connectors failed", e.Failed, e.Total)
}

// PolicyError represents an alert policy failure
type PolicyError struct {
	Violations int
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("alert policy failed with %d violations", e.Violations)
}
