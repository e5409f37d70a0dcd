package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/youruser/gptool/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		Long: `Inspect the effective configuration.

Configuration is loaded in order (later overrides earlier):
1. Built-in defaults
2. User config (~/.config/gptool/config.toml)
3. Project config (./gptool.toml, searching up directories)
4. Environment variables (GPTOOL_*, OPENAI_API_KEY)

GPTOOL_CONFIG names a single file to load instead.`,
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	show.Flags().StringVar(&format, "format", "toml", "Output format: toml, json, yaml")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireAPIKey(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid, but %v\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

// writeConfig encodes cfg with the API key masked.
func writeConfig(w io.Writer, cfg *config.Config, format string) error {
	masked := *cfg
	if masked.APIKey != "" {
		masked.APIKey = "********"
	}

	var data []byte
	var err error
	switch format {
	case "json":
		data, err = json.MarshalIndent(&masked, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(&masked)
	case "toml":
		data, err = toml.Marshal(&masked)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	if err != nil {
		return errors.Wrapf(err, "encode config as %s", format)
	}
	_, err = w.Write(data)
	return err
}
