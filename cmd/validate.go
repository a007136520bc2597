package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/validation"
)

var validateStored bool

var validateCmd = &cobra.Command{
	Use:   "validate <solution.json | solution-id>",
	Short: "Check a solution for dangling references and cycles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sol, err := loadSolutionArg(cmd, args[0])
		if err != nil {
			return err
		}

		res := validation.Validate(sol)
		formatValidation(os.Stdout, res)
		if !res.IsValid {
			return eris.Errorf("validate: solution for design %q is invalid", sol.DesignID)
		}
		return nil
	},
}

func loadSolutionArg(cmd *cobra.Command, arg string) (*model.SupplyTreeSolution, error) {
	if validateStored {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return nil, err
		}
		defer st.Close() //nolint:errcheck
		return st.Load(ctx, arg)
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, eris.Wrap(err, "validate: read solution")
	}
	var sol model.SupplyTreeSolution
	if err := json.Unmarshal(data, &sol); err != nil {
		return nil, eris.Wrapf(err, "validate: parse %s", arg)
	}
	return &sol, nil
}

// formatValidation writes a validation report to w.
func formatValidation(w io.Writer, res model.ValidationResult) {
	if res.IsValid {
		_, _ = fmt.Fprintln(w, "Solution is valid.")
	} else {
		_, _ = fmt.Fprintln(w, "Solution is INVALID.")
	}
	for _, e := range res.Errors {
		_, _ = fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, c := range res.CircularDependencies {
		_, _ = fmt.Fprintf(w, "  cycle: %v\n", c)
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, c := range res.UnmatchedComponents {
		_, _ = fmt.Fprintf(w, "  unmatched: %s\n", c)
	}
}

func init() {
	validateCmd.Flags().BoolVar(&validateStored, "stored", false, "treat the argument as a stored solution id")
	rootCmd.AddCommand(validateCmd)
}
