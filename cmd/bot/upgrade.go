package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"matchbot/internal/app"
	"matchbot/internal/upgrade"
)

func newUpgradeCommand(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Apply or inspect declarative upgrade documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newUpgradeApplyCommand(configFlag))
	cmd.AddCommand(newUpgradePlanCommand(configFlag))
	return cmd
}

func newUpgradeApplyCommand(configFlag *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply <document>",
		Short: "Execute an upgrade document against the running configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*configFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			path := resolveDocPath(args[0], a.Config().Upgrade.Dir)
			report, err := a.Orchestrator().ExecuteUpgrade(ctx, path, upgrade.Options{DryRun: dryRun})
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and list sub-steps without executing them")
	return cmd
}

func newUpgradePlanCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <document>",
		Short: "Validate a document and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*configFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			path := resolveDocPath(args[0], a.Config().Upgrade.Dir)
			doc, err := upgrade.LoadDocument(path)
			if err != nil {
				return err
			}

			steps := append([]upgrade.Step(nil), doc.UpgradeSequence...)
			sort.SliceStable(steps, func(i, j int) bool {
				return steps[i].ExecuteOrder < steps[j].ExecuteOrder
			})

			cmd.Printf("version %s target %s: %s\n", doc.Version, doc.Target, doc.Description)
			for _, s := range steps {
				flags := ""
				if s.RequiresRestart {
					flags += " [restart]"
				}
				if s.RollbackSupported {
					flags += " [rollback]"
				}
				cmd.Printf("%3d %s (%s)%s\n", s.ExecuteOrder, s.ID, s.Name, flags)
				for _, sub := range s.SubSteps {
					cmd.Printf("      %s:%s\n", sub.Handler, sub.Action)
				}
			}
			return nil
		},
	}
}

// resolveDocPath keeps explicit paths as-is; a bare name is looked up in
// the configured upgrade directory, with .yaml assumed when no extension
// is given.
func resolveDocPath(arg, dir string) string {
	if dir == "" || strings.ContainsAny(arg, "/\\") {
		return arg
	}
	if filepath.Ext(arg) == "" {
		arg += ".yaml"
	}
	return filepath.Join(dir, arg)
}

func printReport(cmd *cobra.Command, r upgrade.Report) {
	status := "ok"
	switch {
	case r.DryRun:
		status = "dry-run"
	case !r.Success && r.RolledBack:
		status = "failed (rolled back)"
	case !r.Success:
		status = "failed"
	}
	cmd.Printf("run %s target %s: %s\n", r.RunID, r.Target, status)
	for _, sr := range r.Results {
		mark := "ok"
		if !sr.Success {
			mark = "FAIL"
		}
		cmd.Printf("  %-4s %s (%s)\n", mark, sr.StepID, sr.Name)
		for _, sub := range sr.SubSteps {
			line := fmt.Sprintf("    %s:%s", sub.Handler, sub.Action)
			if sub.Details != "" {
				line += " " + sub.Details
			}
			if sub.Err != "" {
				line += " err=" + sub.Err
			}
			cmd.Println(line)
		}
	}
	if r.RequiresRestart && r.Success && !r.DryRun {
		cmd.Println("restart required to finish this upgrade")
	}
}
