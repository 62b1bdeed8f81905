package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or edit continuation points",
	Long: `Inspect or edit the per subject role continuation points.

The next fetch for a role requests invoices stored at or after its continuation
point. Roles without one start from the first day of the current month (UTC).

Examples:
  ksef-fetcher state show
  ksef-fetcher state set Subject2 2025-01-01T00:00:00Z
  ksef-fetcher state reset Subject2
  ksef-fetcher state reset`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored continuation points",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateSetCmd = &cobra.Command{
	Use:   "set <role> <time>",
	Short: "Set the continuation point of a role (RFC 3339)",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateSet,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset [role...]",
	Short: "Forget continuation points (all when no role is given)",
	RunE:  runStateReset,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateSetCmd, stateResetCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, _, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	entries, err := f.State()
	if err != nil {
		return err
	}

	w, closeOut, err := openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	if outputFormat == "json" {
		if entries == nil {
			entries = []state.Entry{}
		}
		return writeJSON(w, entries)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tCONTINUATION POINT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\n", e.SubjectRole, state.FormatCursor(e.Cursor))
	}
	return tw.Flush()
}

func runStateSet(cmd *cobra.Command, args []string) error {
	role, err := model.ParseSubjectRole(args[0])
	if err != nil {
		return err
	}
	at, err := state.ParseCursor(args[1])
	if err != nil {
		return fmt.Errorf("invalid time %q: %w", args[1], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, _, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	if err := f.SetCursor(role, at); err != nil {
		return err
	}
	printVerbose("Continuation point of %s set to %s\n", role, state.FormatCursor(at))
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	var roles []model.SubjectRole
	for _, arg := range args {
		role, err := model.ParseSubjectRole(arg)
		if err != nil {
			return err
		}
		roles = append(roles, role)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, _, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	if len(roles) == 0 {
		entries, err := f.State()
		if err != nil {
			return err
		}
		for _, e := range entries {
			roles = append(roles, e.SubjectRole)
		}
	}

	for _, role := range roles {
		if err := f.ResetCursor(role); err != nil {
			return err
		}
		printVerbose("Continuation point of %s reset\n", role)
	}
	return nil
}
