package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/harness"
	"github.com/roach88/offsync/internal/metrics"
)

// ScenarioOptions holds flags for scenario run.
type ScenarioOptions struct {
	*RootOptions
	Trace   bool   // print each scenario's trace
	Golden  string // compare traces with <golden>/<name>.golden
	Update  bool   // rewrite golden files instead of comparing
	Metrics bool   // print the sync counters recorded across the run
}

// ScenarioResult holds the result of a single scenario.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  []string `json:"trace,omitempty"`
}

// ScenarioReport holds the overall result of scenario run.
type ScenarioReport struct {
	Scenarios []ScenarioResult   `json:"scenarios"`
	Passed    int                `json:"passed"`
	Failed    int                `json:"failed"`
	Total     int                `json:"total"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run sync scenarios against an in-memory remote",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file-or-dir>...",
		Short: "Run YAML sync scenarios",
		Long: `Run YAML scenarios through the real queue, orchestrator and scheduler
against an in-memory remote service, and check their expectations.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable paths, etc.)

Examples:
  offsync scenario run ./scenarios
  offsync scenario run conflict.yaml --trace
  offsync scenario run ./scenarios --golden ./golden
  offsync scenario run ./scenarios --golden ./golden --update`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario's trace")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces to compare with")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden traces (requires --golden)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print sync counters after the run")
	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, args []string) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	files, err := findScenarioFiles(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(cfg.Metrics.Namespace)
	if err := m.Register(reg); err != nil {
		return WrapExitError(ExitCommandError, "failed to register metrics", err)
	}

	report := ScenarioReport{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		r := runScenarioFile(file, opts,
			harness.WithCatalog(cat),
			harness.WithMetrics(m),
			harness.WithCacheTTL(cfg.Cache.TTL),
		)
		if r.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, r)
	}

	if opts.Metrics {
		report.Metrics, err = counters(reg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to gather metrics", err)
		}
	}

	if err := opts.formatter(cmd).Success(report, renderScenarioReport(report)); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

// findScenarioFiles expands directories to the .yaml/.yml files under them.
func findScenarioFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func runScenarioFile(file string, opts *ScenarioOptions, hopts ...harness.Option) ScenarioResult {
	r := ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		r.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return r
	}
	r.Name = scenario.Name

	result, err := harness.Run(scenario, hopts...)
	if err != nil {
		r.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return r
	}
	r.Pass = result.Pass
	r.Errors = result.Errors
	if opts.Trace {
		r.Trace = result.Trace
	}

	if opts.Golden != "" {
		if err := compareGolden(opts, scenario.Name, result); err != nil {
			r.Pass = false
			r.Errors = append(r.Errors, err.Error())
		}
	}
	return r
}

func compareGolden(opts *ScenarioOptions, name string, result *harness.Result) error {
	path := filepath.Join(opts.Golden, name+".golden")
	got := harness.FormatTrace(result)

	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fmt.Errorf("failed to write golden file: %w", err)
		}
		if err := os.WriteFile(path, []byte(got), 0o644); err != nil {
			return fmt.Errorf("failed to write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if string(want) != got {
		return fmt.Errorf("trace differs from %s", path)
	}
	return nil
}

// counters flattens the counter families of reg into "name{labels}" keys.
func counters(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			key := f.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			out[key] = m.GetCounter().GetValue()
		}
	}
	return out, nil
}

func renderScenarioReport(report ScenarioReport) string {
	if report.Total == 0 {
		return "No scenarios found.\n"
	}

	var b strings.Builder
	for _, s := range report.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
		for _, line := range s.Trace {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)

	if len(report.Metrics) > 0 {
		keys := make([]string, 0, len(report.Metrics))
		for k := range report.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nmetrics:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s %g\n", k, report.Metrics[k])
		}
	}
	return b.String()
}
