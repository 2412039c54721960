package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/runlog"
	"github.com/sells-group/attribution-cli/internal/store"
)

// -- attribute --

var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Attribute recent transactions to touchpoints",
	Long:  "Runs one attribution batch for an organization (or every organization with --all-orgs) and prints the run summary as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openJobStore(ctx, "job")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return runAttribute(ctx, st, req, os.Stdout)
	},
}

// -- recompute-timing --

var recomputeTimingCmd = &cobra.Command{
	Use:   "recompute-timing",
	Short: "Upgrade organic records to campaign timing matches",
	Long:  "Revisits organic attribution records in the window and replaces them with a timing match where a campaign was running on the transaction date.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openJobStore(ctx, "job")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return runRecomputeTiming(ctx, st, req, os.Stdout)
	},
}

func init() {
	for _, c := range []*cobra.Command{attributeCmd, recomputeTimingCmd} {
		c.Flags().String("org", "", "organization id")
		c.Flags().Int("days-back", 0, "lookback window in days (default from config)")
		c.Flags().Int("batch-size", 0, "transactions per page (default from config)")
	}
	attributeCmd.Flags().Bool("all-orgs", false, "attribute every organization with transactions")
	attributeCmd.Flags().Bool("force", false, "recompute transactions that already have a record")

	rootCmd.AddCommand(attributeCmd)
	rootCmd.AddCommand(recomputeTimingCmd)
}

// requestFromFlags builds a request from the flags the command defines.
func requestFromFlags(cmd *cobra.Command) (attribution.Request, error) {
	var req attribution.Request
	var err error
	if req.OrganizationID, err = cmd.Flags().GetString("org"); err != nil {
		return req, eris.Wrap(err, "read --org")
	}
	if req.LookbackDays, err = cmd.Flags().GetInt("days-back"); err != nil {
		return req, eris.Wrap(err, "read --days-back")
	}
	if req.BatchSize, err = cmd.Flags().GetInt("batch-size"); err != nil {
		return req, eris.Wrap(err, "read --batch-size")
	}
	if cmd.Flags().Lookup("all-orgs") != nil {
		req.AllOrganizations, _ = cmd.Flags().GetBool("all-orgs")
	}
	if cmd.Flags().Lookup("force") != nil {
		req.ForceRecompute, _ = cmd.Flags().GetBool("force")
	}
	return req, nil
}

func runAttribute(ctx context.Context, st store.Store, req attribution.Request, out io.Writer) error {
	engine, err := newEngine(st, runlog.New(st))
	if err != nil {
		return err
	}

	if req.AllOrganizations {
		sweep, err := engine.Sweep(ctx, req)
		if err != nil {
			return eris.Wrap(err, "attribute")
		}
		zap.L().Info("attribution sweep complete",
			zap.Int("organizations", len(sweep.Organizations)),
			zap.Int("failed", len(sweep.Failed)),
			zap.Int("created", sweep.Totals.Created),
		)
		return writeJSON(out, sweep)
	}

	sum, err := engine.Run(ctx, req)
	if err != nil {
		return eris.Wrap(err, "attribute")
	}
	return writeJSON(out, sum)
}

func runRecomputeTiming(ctx context.Context, st store.Store, req attribution.Request, out io.Writer) error {
	engine, err := newEngine(st, runlog.New(st))
	if err != nil {
		return err
	}
	sum, err := engine.RecomputeTiming(ctx, req)
	if err != nil {
		return eris.Wrap(err, "recompute-timing")
	}
	return writeJSON(out, sum)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
