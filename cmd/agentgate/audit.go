package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentgate/internal/audit"
	"github.com/fyrsmithlabs/agentgate/internal/config"
)

var (
	exportFormat string
	auditFrom    uint64
	auditTo      uint64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain integrity",
	Long: `Walk the hash chain on disk and report the first broken entry.
Exits non-zero when the chain is broken.`,
	RunE: runAuditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit chain to stdout",
	Long: `Write the full audit chain to stdout as JSON or YAML. The export is
itself recorded in the ledger and appears as the final entry.`,
	RunE: runAuditExport,
}

func init() {
	auditExportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or yaml")
	for _, c := range []*cobra.Command{auditVerifyCmd, auditExportCmd} {
		c.Flags().Uint64Var(&auditFrom, "from", 0, "first sequence number, 0 for the chain start")
		c.Flags().Uint64Var(&auditTo, "to", 0, "last sequence number, 0 for the chain tail")
	}
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	report, err := audit.Verify(cfg.AuditPath(), auditFrom, auditTo)
	if err != nil {
		return fmt.Errorf("verifying audit ledger: %w", err)
	}

	if !report.OK {
		fmt.Fprintf(os.Stderr, "BROKEN: chain breaks at entry %d of %d (%s)\n",
			report.FirstBroken, report.Entries, cfg.AuditPath())
		os.Exit(1)
	}

	fmt.Printf("OK: %d entries, chain intact (%s)\n", report.Entries, cfg.AuditPath())
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ledger, err := audit.Open(cfg.AuditPath(), logger)
	if err != nil {
		return fmt.Errorf("opening audit ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	return ledger.Export(cmd.Context(), os.Stdout, exportFormat, "cli", auditFrom, auditTo)
}
