package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/registry"
	"github.com/sells-group/supplytree/internal/store"
	"github.com/sells-group/supplytree/internal/supplytree"
)

type resolveOptions struct {
	DesignPath     string
	FacilitiesPath string
	OutputPath     string
	Save           bool
	TTLDays        int // negative selects store.ttl_days
	Tags           []string
	ForceAllLayers bool
	MinConfidence  float64 // zero keeps matching.min_confidence
	MaxDepth       int
	MaxDepthSet    bool // MaxDepth overrides bom.max_depth only when set
}

var resolveFlags resolveOptions

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a design against a facility pool",
	Long:  "Explodes the design's bill of materials, matches every component against the facility pool and prints the resulting supply-tree solution as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := os.Stdout
		if resolveFlags.OutputPath != "" {
			f, err := os.Create(resolveFlags.OutputPath)
			if err != nil {
				return eris.Wrap(err, "resolve: create output")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		opts := resolveFlags
		opts.MaxDepthSet = cmd.Flags().Changed("max-depth")
		return runResolve(cmd.Context(), opts, out, os.Stderr)
	},
}

func runResolve(ctx context.Context, opts resolveOptions, out, summary io.Writer) error {
	if opts.ForceAllLayers {
		cfg.Matching.ForceAllLayers = true
	}
	if opts.MinConfidence > 0 {
		cfg.Matching.MinConfidence = opts.MinConfidence
	}
	if opts.MaxDepthSet {
		cfg.BOM.MaxDepth = opts.MaxDepth
	}
	if err := cfg.Validate("resolve"); err != nil {
		return err
	}

	d, err := registry.LoadDesign(opts.DesignPath)
	if err != nil {
		return err
	}
	pool, err := registry.LoadFacilities(opts.FacilitiesPath)
	if err != nil {
		return err
	}

	eng, err := supplytree.NewEngine(cfg)
	if err != nil {
		return err
	}
	sol, err := eng.ResolveDesign(ctx, d, pool)
	if err != nil {
		return err
	}

	var id string
	if opts.Save {
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ttl := opts.TTLDays
		if ttl < 0 {
			ttl = cfg.Store.TTLDays
		}
		id, err = st.Save(ctx, sol, store.SaveOptions{TTLDays: ttl, Tags: opts.Tags})
		if err != nil {
			return eris.Wrap(err, "resolve: save solution")
		}
		zap.L().Info("solution saved", zap.String("id", id), zap.Int("ttl_days", ttl))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sol); err != nil {
		return eris.Wrap(err, "resolve: write solution")
	}
	formatSolutionSummary(summary, sol, id)
	return nil
}

// formatSolutionSummary writes a short human-readable digest of sol to w.
func formatSolutionSummary(out io.Writer, sol *model.SupplyTreeSolution, id string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if id != "" {
		_, _ = fmt.Fprintf(w, "Solution id:\t%s\n", id)
	}
	_, _ = fmt.Fprintf(w, "Design:\t%s\n", sol.DesignID)
	_, _ = fmt.Fprintf(w, "Nested:\t%t\n", sol.IsNested)
	_, _ = fmt.Fprintf(w, "Score:\t%.2f\n", sol.Score)
	_, _ = fmt.Fprintf(w, "Supply trees:\t%d\n", len(sol.AllTrees))
	_, _ = fmt.Fprintf(w, "Production steps:\t%d in %d stages\n", len(sol.ProductionSequence), len(sol.ProductionStages))
	if len(sol.Unresolved) > 0 {
		_, _ = fmt.Fprintf(w, "Unresolved:\t%d\n", len(sol.Unresolved))
		for _, u := range sol.Unresolved {
			_, _ = fmt.Fprintf(w, "  %s\t%s\n", u.ComponentID, u.Reason)
		}
	}
	for _, warn := range sol.PoolWarnings {
		_, _ = fmt.Fprintf(w, "Pool warning:\t%s\n", warn)
	}
	for _, e := range sol.ResolutionErrors {
		_, _ = fmt.Fprintf(w, "Resolution error:\t%s: %s\n", e.ComponentID, e.Message)
	}
	if sol.Validation != nil {
		_, _ = fmt.Fprintf(w, "Valid:\t%t\n", sol.Validation.IsValid)
	}
	_ = w.Flush()
}

func init() {
	f := resolveCmd.Flags()
	f.StringVar(&resolveFlags.DesignPath, "design", "", "design file (YAML or JSON)")
	f.StringVar(&resolveFlags.FacilitiesPath, "facilities", "", "facility pool file or directory")
	f.StringVarP(&resolveFlags.OutputPath, "output", "o", "", "write the solution to this file instead of stdout")
	f.BoolVar(&resolveFlags.Save, "save", false, "persist the solution in the configured store")
	f.IntVar(&resolveFlags.TTLDays, "ttl-days", -1, "TTL for a saved solution (default from store.ttl_days)")
	f.StringSliceVar(&resolveFlags.Tags, "tag", nil, "tag for a saved solution (repeatable)")
	f.BoolVar(&resolveFlags.ForceAllLayers, "force-all-layers", false, "run every matching layer even after a confident match")
	f.Float64Var(&resolveFlags.MinConfidence, "min-confidence", 0, "confidence that stops the matching cascade (default from config)")
	f.IntVar(&resolveFlags.MaxDepth, "max-depth", 0, "BOM explosion depth, 0 for root parts only, -1 for unbounded (default from config)")
	_ = resolveCmd.MarkFlagRequired("design")
	_ = resolveCmd.MarkFlagRequired("facilities")
	rootCmd.AddCommand(resolveCmd)
}
