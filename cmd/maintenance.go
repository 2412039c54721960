package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/attribution-cli/internal/identity"
	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/refcode"
	"github.com/sells-group/attribution-cli/internal/runlog"
	"github.com/sells-group/attribution-cli/internal/store"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Maintain the donor identity index",
}

var identityRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild email/phone identity links from donations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return eris.New("--org is required")
		}

		st, err := openJobStore(ctx, "job")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return runIdentityRebuild(ctx, st, org, os.Stdout)
	},
}

var refcodesCmd = &cobra.Command{
	Use:   "refcodes",
	Short: "Maintain the refcode registry",
}

var refcodesReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Point every refcode at its newest ad and record delivery history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return eris.New("--org is required")
		}

		st, err := openJobStore(ctx, "job")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return runRefcodeReconcile(ctx, st, org, os.Stdout)
	},
}

var refcodesBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Create refcode mappings from unresolved click ids",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return eris.New("--org is required")
		}
		days, _ := cmd.Flags().GetInt("days-back")
		if days <= 0 {
			days = cfg.Attribution.LookbackDays
		}

		st, err := openJobStore(ctx, "job")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return runRefcodeBackfill(ctx, st, org, days, os.Stdout)
	},
}

func init() {
	identityRebuildCmd.Flags().String("org", "", "organization id")
	refcodesReconcileCmd.Flags().String("org", "", "organization id")
	refcodesBackfillCmd.Flags().String("org", "", "organization id")
	refcodesBackfillCmd.Flags().Int("days-back", 0, "click lookback window in days (default from config)")

	identityCmd.AddCommand(identityRebuildCmd)
	refcodesCmd.AddCommand(refcodesReconcileCmd)
	refcodesCmd.AddCommand(refcodesBackfillCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(refcodesCmd)
}

func runIdentityRebuild(ctx context.Context, st store.Store, org string, out io.Writer) error {
	b := identity.NewBuilder(st, cfg.Identity.LinkConfidence)
	res, err := runlog.Track(ctx, runlog.New(st), model.JobIdentityRebuild, org, func(ctx context.Context) (*identity.BuildResult, error) {
		return b.Build(ctx, org)
	})
	if err != nil {
		return eris.Wrap(err, "identity rebuild")
	}
	return writeJSON(out, res)
}

func runRefcodeReconcile(ctx context.Context, st store.Store, org string, out io.Writer) error {
	r := refcode.NewReconciler(st, cfg.Refcode.ActiveWindowDays)
	res, err := runlog.Track(ctx, runlog.New(st), model.JobRefcodeRecon, org, func(ctx context.Context) (*refcode.ReconcileResult, error) {
		return r.Reconcile(ctx, org)
	})
	if err != nil {
		return eris.Wrap(err, "refcodes reconcile")
	}
	return writeJSON(out, res)
}

func runRefcodeBackfill(ctx context.Context, st store.Store, org string, days int, out io.Writer) error {
	b := refcode.NewBackfiller(st)
	res, err := runlog.Track(ctx, runlog.New(st), model.JobClickIDBackfill, org, func(ctx context.Context) (*refcode.BackfillResult, error) {
		return b.Backfill(ctx, org, days)
	})
	if err != nil {
		return eris.Wrap(err, "refcodes backfill")
	}
	return writeJSON(out, res)
}
