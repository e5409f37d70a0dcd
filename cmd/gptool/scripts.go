package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/youruser/gptool/internal/expander"
)

// templateEntry is the listing form of a template.
type templateEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	System      bool   `json:"system,omitempty"`
	Source      string `json:"source,omitempty"`
}

func listTemplates(reg *expander.Registry, withSystem bool) []templateEntry {
	var out []templateEntry
	for _, t := range reg.List() {
		if t.IsSystem && !withSystem {
			continue
		}
		out = append(out, templateEntry{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			System:      t.IsSystem,
			Source:      t.Source,
		})
	}
	return out
}

func newScriptsCmd() *cobra.Command {
	var (
		withSystem bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:     "scripts",
		Aliases: []string{"templates"},
		Short:   "List available templates",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			w, err := openWorkspace(wd, cfg)
			if err != nil {
				return err
			}
			defer w.Close()

			entries := listTemplates(w.registry, withSystem)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return printTemplates(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&withSystem, "system", false, "include system templates")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printTemplates(w io.Writer, entries []templateEntry) error {
	if len(entries) == 0 {
		pterm.Info.WithWriter(w).Println("no templates found")
		return nil
	}
	data := pterm.TableData{{"ID", "Title", "Description"}}
	for _, e := range entries {
		data = append(data, []string{e.ID, e.Title, e.Description})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}
