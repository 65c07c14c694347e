package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/store"
)

type createOptions struct {
	file        string
	name        string
	description string
	variants    string
	weights     string
	goals       string
	traffic     float64
	minSample   int
	threshold   float64
	start       string
	end         string
	disabled    bool
}

func newCreateCmd(a *app) *cobra.Command {
	var opts createOptions

	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Register an experiment",
		Long: `Register an experiment from flags or from a YAML definition file.
Registering an existing id replaces its definition; assignments are kept.
The first variant is the control.

Examples:
  abkit create hero --variants "control,bold" --goals signup
  abkit create pricing --variants "monthly,annual" --weights "0.3,0.7" --goals signup,purchase --min-sample 200
  abkit create --file experiments/pricing.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := opts.experiment(args)
			if err != nil {
				return err
			}

			return a.withEngine(func(eng *engine.Engine) error {
				if err := eng.RegisterExperiment(cmd.Context(), exp); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered experiment '%s' with %d variants:\n", exp.ID, len(exp.Variants))
				for i, v := range exp.Variants {
					role := ""
					if i == 0 {
						role = " (control)"
					}
					fmt.Fprintf(out, "  %s: %s weight %.3g%s\n", v.ID, v.Name, v.Weight, role)
				}
				if len(exp.ConversionGoals) > 0 {
					fmt.Fprintf(out, "  Goals: %s\n", strings.Join(exp.ConversionGoals, ", "))
				}
				if !exp.Enabled {
					fmt.Fprintln(out, "  Disabled: run 'abkit enable' to start it")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "YAML experiment definition")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&opts.description, "description", "", "description")
	cmd.Flags().StringVarP(&opts.variants, "variants", "v", "", "comma-separated variant ids, control first")
	cmd.Flags().StringVarP(&opts.weights, "weights", "w", "", "comma-separated weights summing to 1 (default equal split)")
	cmd.Flags().StringVarP(&opts.goals, "goals", "g", "", "comma-separated conversion event names")
	cmd.Flags().Float64Var(&opts.traffic, "traffic", 1, "fraction of visitors included, 0 to 1")
	cmd.Flags().IntVar(&opts.minSample, "min-sample", 0, "visitors per variant before significance is reported")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", engine.DefaultSignificanceThreshold, "p-value below which a result is significant")
	cmd.Flags().StringVar(&opts.start, "start", "", "start time, RFC 3339 (default now)")
	cmd.Flags().StringVar(&opts.end, "end", "", "end time, RFC 3339 (default open-ended)")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "register without enabling")

	return cmd
}

func (o *createOptions) experiment(args []string) (*store.Experiment, error) {
	if o.file != "" {
		return loadDefinition(o.file, args)
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("experiment id is required. Example: abkit create hero --variants \"A,B\"")
	}

	variantIDs := splitList(o.variants)
	if len(variantIDs) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"A,B\"")
	}

	weights, err := parseWeights(o.weights, len(variantIDs))
	if err != nil {
		return nil, err
	}

	exp := &store.Experiment{
		ID:                    args[0],
		Name:                  o.name,
		Description:           o.description,
		StartTime:             time.Now().UTC(),
		TrafficFraction:       o.traffic,
		ConversionGoals:       splitList(o.goals),
		MinimumSampleSize:     o.minSample,
		SignificanceThreshold: o.threshold,
		Enabled:               !o.disabled,
	}
	if exp.Name == "" {
		exp.Name = exp.ID
	}
	for i, id := range variantIDs {
		exp.Variants = append(exp.Variants, store.Variant{ID: id, Name: id, Weight: weights[i]})
	}

	if o.start != "" {
		start, err := time.Parse(time.RFC3339, o.start)
		if err != nil {
			return nil, fmt.Errorf("invalid --start: %w", err)
		}
		exp.StartTime = start
	}
	if o.end != "" {
		end, err := time.Parse(time.RFC3339, o.end)
		if err != nil {
			return nil, fmt.Errorf("invalid --end: %w", err)
		}
		exp.EndTime = &end
	}

	return exp, nil
}

// loadDefinition decodes a YAML experiment. Omitted fields take the same
// defaults as the flags: enabled, full traffic, starting now.
func loadDefinition(path string, args []string) (*store.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	var exp store.Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}

	// Second pass tells omitted fields apart from explicit zero values.
	var explicit struct {
		Enabled         *bool    `yaml:"enabled"`
		TrafficFraction *float64 `yaml:"traffic_fraction"`
	}
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}

	if len(args) > 0 {
		exp.ID = args[0]
	}
	if exp.Name == "" {
		exp.Name = exp.ID
	}
	exp.Enabled = explicit.Enabled == nil || *explicit.Enabled
	if explicit.TrafficFraction == nil {
		exp.TrafficFraction = 1
	}
	if exp.StartTime.IsZero() {
		exp.StartTime = time.Now().UTC()
	}
	return &exp, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseWeights(s string, n int) ([]float64, error) {
	weights := make([]float64, n)
	if s == "" {
		for i := range weights {
			weights[i] = 1 / float64(n)
		}
		return weights, nil
	}

	parts := splitList(s)
	if len(parts) != n {
		return nil, fmt.Errorf("got %d weights for %d variants", len(parts), n)
	}
	for i, p := range parts {
		w, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", p, err)
		}
		weights[i] = w
	}
	return weights, nil
}
