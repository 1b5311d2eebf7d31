package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/teranos/sift/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage sift configuration",
	Long: `am - Manage sift configuration.

Configuration sources (in order of precedence):
1. Environment variables (SIFT_* prefix)
2. Project config (./sift.toml)
3. User config (~/.config/sift/sift.toml)
4. Default values

Examples:
  sift am show                # Show current configuration
  sift am show --format json  # Show configuration in JSON format
  sift am get engine.weight_threshold
  sift am init                # Write a starter sift.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current sift configuration from all sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return runAmShow(format)
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAmGet(args[0])
	},
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter sift.toml",
	Long:  "Write a starter sift.toml to the current directory. Refuses to overwrite an existing file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		return runAmInit(path)
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format (toml, json)")
	amInitCmd.Flags().String("path", "sift.toml", "Where to write the starter config")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(format string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Redact API keys before display
	display := *cfg
	if display.OpenRouter.APIKey != "" {
		display.OpenRouter.APIKey = "***"
	}
	if display.Embedder.APIKey != "" {
		display.Embedder.APIKey = "***"
	}

	var out []byte
	switch format {
	case "json":
		out, err = json.MarshalIndent(display, "", "  ")
	default:
		out, err = toml.Marshal(display)
	}
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if path := am.ConfigFilePath(); path != "" {
		fmt.Printf("# config file: %s\n", path)
	} else {
		fmt.Println("# no config file found, using defaults + environment")
	}
	fmt.Println(string(out))
	return nil
}

func runAmGet(key string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmInit(path string) error {
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("Wrote starter config to %s\n", path)
	return nil
}
