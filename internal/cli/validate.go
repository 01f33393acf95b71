package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/demandflow/internal/topology"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid         bool                       `json:"valid"`
	Name          string                     `json:"name,omitempty"`
	Hash          string                     `json:"hash,omitempty"`
	Stages        int                        `json:"stages,omitempty"`
	Subscriptions int                        `json:"subscriptions,omitempty"`
	Errors        []topology.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <topology-dir>",
		Short: "Validate a topology without running it",
		Long: `Validate a CUE topology without starting any stage.

Loads the CUE package, checks it against the topology schema, then checks
stage kinds, dispatchers and subscriptions: unknown stages, role
mismatches, self and duplicate subscriptions, demand windows, cancel
modes and partition keys. Every problem is reported, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if files, err := topology.FindCUEFiles(dir); err == nil {
		formatter.VerboseLog("Found %d CUE file(s) in %s", len(files), dir)
	}

	spec, err := topology.Load(dir)
	if err != nil {
		var loadErr *topology.LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, lineDetails(loadErr.Pos))
		}
		return outputValidateError(formatter, topology.ErrCodeGeneric, err.Error(), nil)
	}

	formatter.VerboseLog("Validating topology %q: %d stage(s), %d subscription(s)",
		spec.Name, len(spec.Stages), len(spec.Subscriptions))

	if errs := topology.Validate(spec); len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	hash, err := topology.Hash(spec)
	if err != nil {
		return outputValidateError(formatter, topology.ErrCodeGeneric, err.Error(), nil)
	}

	return outputValidateSuccess(formatter, ValidationResult{
		Valid:         true,
		Name:          spec.Name,
		Hash:          hash,
		Stages:        len(spec.Stages),
		Subscriptions: len(spec.Subscriptions),
	})
}

// lineDetails reports a CUE position as error details, or nil.
func lineDetails(pos token.Pos) any {
	if !pos.IsValid() {
		return nil
	}
	return map[string]any{"file": pos.Filename(), "line": pos.Line()}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Topology %q valid (%d stages, %d subscriptions)\n",
		result.Name, result.Stages, result.Subscriptions)
	formatter.VerboseLog("Hash: %s", result.Hash)
	return nil
}

// outputValidateError outputs a single load error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []topology.ValidationError) error {
	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:  false,
			Errors: errs,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "%s\n", err.Field)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
