package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/switchboard/router"
)

var providersJSON bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured backends and whether they are usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg)
		providers, err := buildProviders(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		// Session refs are not needed to report status.
		rt := newRouter(cfg, providers, router.NewMemorySessionRefs(), logger)
		if providersJSON {
			return writeJSON(os.Stdout, rt.Status())
		}
		printProviders(os.Stdout, newStyles(term.IsTerminal(int(os.Stdout.Fd()))), rt.Status())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.Flags().BoolVar(&providersJSON, "json", false, "Output as JSON")
}

func printProviders(w io.Writer, st styles, status []router.ProviderStatus) {
	if len(status) == 0 {
		fmt.Fprintln(w, "No providers enabled.")
		return
	}
	for _, p := range status {
		mark := st.err.Render("✗")
		if p.Available {
			mark = st.ok.Render("✓")
		}
		line := fmt.Sprintf("%s %-12s %-8s %s", mark, p.ID, p.Kind, p.Label)
		if p.Model != "" {
			line += st.dim.Render(" (" + p.Model + ")")
		}
		if p.Version != "" {
			line += st.dim.Render(" " + p.Version)
		}
		if p.Default {
			line += st.accent.Render(" [default]")
		}
		fmt.Fprintln(w, line)
	}
}
