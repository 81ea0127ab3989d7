package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/modlab/modregistry/config"
)

var logLevel string

func main() {
	rootCmd := &cobra.Command{
		Use:   "modregistry-server <config-file-or-dir>...",
		Short: "Serve a private module registry from git release tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(args)
		},
	}
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	parser := hclparse.NewParser()
	diagW := newDiagWriter(parser.Files())

	body, diags := loadConfigBodies(parser, args)

	// Abort early if we had parse errors, since that means the bodies we
	// loaded are probably incomplete and may produce further errors on
	// decoding.
	if diags.HasErrors() {
		diagW.WriteDiagnostics(diags)
		return fmt.Errorf("invalid configuration")
	}

	cfg, cfgDiags := config.LoadRegistryConfig(body)
	diags = append(diags, cfgDiags...)

	diagW.WriteDiagnostics(diags)
	if diags.HasErrors() {
		return fmt.Errorf("invalid configuration")
	}

	logger.Info("starting registry", "hostname", cfg.Hostname.ForDisplay(), "listeners", len(cfg.Listeners))

	handler := makeHandler(cfg.Hostname, cfg.Modules, logger)
	cfg.Listeners.ListenAndServe(handler, logger) // does not return

	return nil
}

// loadConfigBodies reads each argument as either an individual config file
// or a directory of config files, and merges everything into one body.
func loadConfigBodies(parser *hclparse.Parser, args []string) (hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	bodies := make([]hcl.Body, 0, len(args))
	appendFile := func(path string) {
		var file *hcl.File
		var fileDiags hcl.Diagnostics
		if match, _ := filepath.Match("*.json", filepath.Base(path)); match {
			file, fileDiags = parser.ParseJSONFile(path)
		} else {
			file, fileDiags = parser.ParseHCLFile(path)
		}
		diags = append(diags, fileDiags...)
		if file != nil && file.Body != nil {
			bodies = append(bodies, file.Body)
		}
	}

	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Configuration file not found",
				Detail:   fmt.Sprintf("Failed to read %s as a configuration file: %s.", path, err),
			})
			continue
		}

		if !info.IsDir() {
			appendFile(path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Cannot read configuration directory",
				Detail:   fmt.Sprintf("Failed to read directory %s: %s.", path, err),
			})
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			appendFile(filepath.Join(path, entry.Name()))
		}
	}

	if len(bodies) == 1 {
		return bodies[0], diags
	}
	return hcl.MergeBodies(bodies), diags
}

func newDiagWriter(files map[string]*hcl.File) hcl.DiagnosticWriter {
	if !term.IsTerminal(2) {
		return hcl.NewDiagnosticTextWriter(os.Stderr, files, 80, false)
	}

	wid, _, err := term.GetSize(2)
	if err != nil {
		wid = 80
	}

	return hcl.NewDiagnosticTextWriter(os.Stderr, files, uint(wid), true)
}
