package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/secdash/internal/config"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	connectorsFormat string
	importDryRun     bool
)

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List and import connector definitions",
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored connectors with their live status",
	Long: `List prints every connector in the configured store (or on a running serve
instance with --server), including disabled ones.

Example:
  secdash connectors list
  secdash connectors list --format json`,
	Args: cobra.NoArgs,
	RunE: runConnectorsList,
}

var connectorsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update connectors from a YAML file",
	Long: `Import reads connector definitions from a YAML file and upserts them into
the configured store by id. The live status of existing connectors (last sync,
status, last error) is kept.

The file is either a list of connectors or a document with a top-level
'connectors' key, the same shape as the config file section. ${VAR}
references in base_url and credentials are expanded from the environment.

Every connector is validated first; nothing is written if any enabled
connector is invalid. A running serve picks up the change on
POST /api/connectors/reload.

Example:
  secdash connectors import connectors.yaml
  secdash connectors import connectors.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runConnectorsImport,
}

func init() {
	connectorsListCmd.Flags().StringVar(&connectorsFormat, "format", "text", "output format: text or json")
	connectorsImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate without writing")

	connectorsCmd.AddCommand(connectorsListCmd)
	connectorsCmd.AddCommand(connectorsImportCmd)
}

func runConnectorsList(cmd *cobra.Command, args []string) error {
	if err := validateFormat(connectorsFormat, "text", "json"); err != nil {
		return err
	}

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

	out := cmd.OutOrStdout()
	if connectorsFormat == "json" {
		conns := board.Connectors
		if conns == nil {
			conns = []models.ConnectorConfig{}
		}
		return reporter.NewJSONReporter(out, true).Generate(conns)
	}
	return reporter.NewTextReporter(out).Connectors(board.Connectors)
}

func runConnectorsImport(cmd *cobra.Command, args []string) error {
	conns, err := readConnectorsFile(args[0])
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		return &ValidationError{Message: fmt.Sprintf("no connectors in %s", args[0])}
	}

	seen := make(map[string]bool, len(conns))
	for i, conn := range conns {
		if conn.ID == "" {
			return &ValidationError{Message: fmt.Sprintf("connectors[%d]: id cannot be empty", i)}
		}
		if seen[conn.ID] {
			return &ValidationError{Message: fmt.Sprintf("connectors[%d]: duplicate id %q", i, conn.ID)}
		}
		seen[conn.ID] = true
	}

	for _, check := range checkConnectors(conns) {
		if check.Enabled && !check.Valid {
			return &ValidationError{Message: fmt.Sprintf("connector %s: %v", check.ID, check.Problems)}
		}
		if !check.Valid {
			logger.WithField("connector", check.ID).Warnf("disabled connector is incomplete: %v", check.Problems)
		}
	}

	out := cmd.OutOrStdout()
	if importDryRun {
		fmt.Fprintf(out, "%d connectors valid, nothing written (dry run)\n", len(conns))
		return nil
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.DatabaseURL == "" {
		logger.Warn("no database_url configured, imported connectors only live for this process")
	}

	for _, conn := range conns {
		if err := store.UpsertConnectorConfig(ctx, conn); err != nil {
			return fmt.Errorf("failed to import connector %s: %w", conn.ID, err)
		}
		logger.WithField("connector", conn.ID).Debug("connector imported")
	}

	fmt.Fprintf(out, "Imported %d connectors\n", len(conns))
	return nil
}

// readConnectorsFile parses a connector list, or a document with a
// top-level connectors key, and expands ${VAR} references
func readConnectorsFile(path string) ([]models.ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	conns, err := parseConnectors(data)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("%s: %v", path, err)}
	}
	for i := range conns {
		config.ExpandConnector(&conns[i])
	}
	return conns, nil
}

func parseConnectors(data []byte) ([]models.ConnectorConfig, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	if node.Content[0].Kind == yaml.SequenceNode {
		var conns []models.ConnectorConfig
		if err := decodeStrict(data, &conns); err != nil {
			return nil, err
		}
		return conns, nil
	}

	var doc struct {
		Connectors []models.ConnectorConfig `yaml:"connectors"`
	}
	if err := decodeStrict(data, &doc); err != nil {
		return nil, err
	}
	return doc.Connectors, nil
}

// decodeStrict rejects unknown keys so typos in field names surface
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
