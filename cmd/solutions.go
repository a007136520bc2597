package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/store"
)

var solutionsCmd = &cobra.Command{
	Use:   "solutions",
	Short: "Inspect and maintain stored solutions",
	Long:  "Commands for listing, viewing, extending, and cleaning up persisted supply-tree solutions.",
}

// -- solutions list --

var solutionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored solutions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tags, _ := cmd.Flags().GetStringSlice("tag")
		design, _ := cmd.Flags().GetString("design")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		includeStale, _ := cmd.Flags().GetBool("include-stale")
		onlyStale, _ := cmd.Flags().GetBool("only-stale")
		limit, _ := cmd.Flags().GetInt("limit")

		metas, err := st.List(ctx, store.ListFilter{
			Tags:         tags,
			DesignID:     design,
			MinScore:     minScore,
			IncludeStale: includeStale,
			OnlyStale:    onlyStale,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "solutions list")
		}

		if len(metas) == 0 {
			fmt.Fprintln(os.Stderr, "No solutions found.")
			return nil
		}

		formatSolutionsList(os.Stdout, metas, time.Now())
		return nil
	},
}

// -- solutions show --

var solutionsShowCmd = &cobra.Command{
	Use:   "show <solution-id>",
	Short: "Print a stored solution as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fresh, _ := cmd.Flags().GetBool("fresh")
		withMeta, _ := cmd.Flags().GetBool("metadata")

		sol, meta, err := st.LoadWithMetadata(ctx, args[0], fresh)
		if err != nil {
			return eris.Wrap(err, "solutions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if withMeta {
			return enc.Encode(map[string]any{"solution": sol, "metadata": meta})
		}
		return enc.Encode(sol)
	},
}

// -- solutions extend --

var solutionsExtendCmd = &cobra.Command{
	Use:   "extend <solution-id> <days>",
	Short: "Extend the TTL of a stored solution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		days, err := strconv.Atoi(args[1])
		if err != nil || days <= 0 {
			return eris.Errorf("solutions extend: days must be a positive integer, got %q", args[1])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ok, err := st.ExtendTTL(ctx, args[0], days)
		if err != nil {
			return eris.Wrap(err, "solutions extend")
		}
		if !ok {
			return eris.Wrapf(store.ErrNotFound, "solutions extend: %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "Extended %s by %d days.\n", args[0], days)
		return nil
	},
}

// -- solutions cleanup --

var solutionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stale and aged-out solutions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		maxAge, _ := cmd.Flags().GetInt("max-age-days")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		res, err := st.Cleanup(ctx, store.CleanupOptions{MaxAgeDays: maxAge, DryRun: dryRun})
		if err != nil {
			return eris.Wrap(err, "solutions cleanup")
		}
		formatCleanupResult(os.Stdout, res)
		return nil
	},
}

// -- solutions delete --

var solutionsDeleteCmd = &cobra.Command{
	Use:   "delete <solution-id>",
	Short: "Delete a stored solution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ok, err := st.Delete(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "solutions delete")
		}
		if !ok {
			return eris.Wrapf(store.ErrNotFound, "solutions delete: %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "Deleted %s.\n", args[0])
		return nil
	},
}

func init() {
	solutionsListCmd.Flags().StringSlice("tag", nil, "only solutions carrying every given tag")
	solutionsListCmd.Flags().String("design", "", "filter by design id")
	solutionsListCmd.Flags().Float64("min-score", 0, "minimum solution score")
	solutionsListCmd.Flags().Bool("include-stale", false, "include expired solutions")
	solutionsListCmd.Flags().Bool("only-stale", false, "show only expired solutions")
	solutionsListCmd.Flags().Int("limit", 50, "max number of solutions to display (0 for all)")

	solutionsShowCmd.Flags().Bool("fresh", false, "fail if the solution has expired")
	solutionsShowCmd.Flags().Bool("metadata", false, "include store metadata in the output")

	solutionsCleanupCmd.Flags().Int("max-age-days", 0, "also delete solutions older than this many days")
	solutionsCleanupCmd.Flags().Bool("dry-run", false, "report what would be deleted without deleting")

	solutionsCmd.AddCommand(solutionsListCmd)
	solutionsCmd.AddCommand(solutionsShowCmd)
	solutionsCmd.AddCommand(solutionsExtendCmd)
	solutionsCmd.AddCommand(solutionsCleanupCmd)
	solutionsCmd.AddCommand(solutionsDeleteCmd)
	rootCmd.AddCommand(solutionsCmd)
}

// formatSolutionsList writes a tabular list of solution metadata to w.
// Expired rows are marked relative to now.
func formatSolutionsList(out io.Writer, metas []model.SolutionMetadata, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDESIGN\tTREES\tSCORE\tCREATED\tEXPIRES\tTAGS")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-----\t-------\t-------\t----")

	for _, m := range metas {
		design := m.DesignID
		if len(design) > 30 {
			design = design[:27] + "..."
		}

		expires := m.ExpiresAt.Format("2006-01-02 15:04")
		if m.IsStale(now) {
			expires += " (stale)"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
			truncateID(m.ID),
			design,
			m.TreeCount,
			m.Score,
			m.CreatedAt.Format("2006-01-02 15:04"),
			expires,
			strings.Join(m.Tags, ","),
		)
	}
	_ = w.Flush()
}

// formatCleanupResult writes a cleanup summary to w.
func formatCleanupResult(out io.Writer, res *store.CleanupResult) {
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	_, _ = fmt.Fprintf(out, "%s %d solution(s).\n", verb, res.DeletedCount)
	for _, id := range res.DeletedIDs {
		_, _ = fmt.Fprintf(out, "  %s\n", id)
	}
}

// truncateID shortens generated ids for compact display. Short
// user-chosen ids are printed as is.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
