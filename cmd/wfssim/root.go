package main

import (
	goflag "flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Gthulhu/wfs/plugin"
	_ "github.com/Gthulhu/wfs/plugin/rr"
	"github.com/Gthulhu/wfs/plugin/sim"
	_ "github.com/Gthulhu/wfs/plugin/wfs"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagConfig   string
	flagScenario string
	flagMode     string
	flagCPUs     int
	flagTicks    int
	flagMetrics  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wfssim",
		Short:        "Simulate the weighted fair scheduling class",
		Long:         "wfssim drives per-CPU scheduling class instances through a scripted workload and reports each task's CPU share.",
		SilenceUsage: true,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newRunCmd(), newModesCmd())
	return root
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the registered scheduling classes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, mode := range plugin.GetRegisteredModes() {
				fmt.Fprintln(cmd.OutOrStdout(), mode)
			}
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play a scenario and print per-task accounting",
		Args:  cobra.NoArgs,
		RunE:  runScenario,
	}
	cmd.Flags().StringVar(&flagConfig, "config", "", "Scheduler configuration file (YAML)")
	cmd.Flags().StringVar(&flagScenario, "scenario", "", "Scenario file (YAML)")
	cmd.Flags().StringVar(&flagMode, "mode", "", "Override the scheduling class mode")
	cmd.Flags().IntVar(&flagCPUs, "cpus", 0, "Override the scenario CPU count")
	cmd.Flags().IntVar(&flagTicks, "ticks", 0, "Override the scenario length in ticks")
	cmd.Flags().BoolVar(&flagMetrics, "metrics", false, "Print runqueue counters after the run")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func runScenario(cmd *cobra.Command, args []string) error {
	config := plugin.DefaultSchedConfig()
	if flagConfig != "" {
		loaded, err := plugin.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		config = *loaded
	}
	if flagMode != "" {
		config.Mode = flagMode
	}

	var registry *prometheus.Registry
	if flagMetrics {
		registry = prometheus.NewRegistry()
		config.Metrics.Enabled = true
		config.Registerer = registry
	}

	sc, err := sim.LoadScenario(flagScenario)
	if err != nil {
		return err
	}
	if flagCPUs > 0 {
		sc.CPUs = flagCPUs
	}
	if flagTicks > 0 {
		sc.Ticks = flagTicks
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	s, err := sim.New(cmd.Context(), &config, sc.CPUs)
	if err != nil {
		return err
	}
	klog.V(1).InfoS("playing scenario", "mode", config.Mode, "cpus", sc.CPUs, "ticks", sc.Ticks, "tasks", len(sc.Tasks))
	if err := s.Play(sc); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printStats(out, s)
	if registry != nil {
		return printCounters(out, registry)
	}
	return nil
}

func printStats(w io.Writer, s *sim.Sim) {
	stats := s.Stats()
	perCPU := make(map[int32]uint64)
	for _, st := range stats {
		perCPU[st.CPU] += st.SumExecRuntime
	}

	fmt.Fprintf(w, "%-8s %-4s %-7s %-8s %-16s %-8s %s\n", "PID", "CPU", "WEIGHT", "PICKS", "RUNTIME(ns)", "SHARE", "STATE")
	for _, st := range stats {
		share := 0.0
		if total := perCPU[st.CPU]; total > 0 {
			share = 100 * float64(st.SumExecRuntime) / float64(total)
		}
		state := "ready"
		if st.Blocked {
			state = "blocked"
		}
		fmt.Fprintf(w, "%-8d %-4d %-7d %-8s %-16s %-8s %s\n",
			st.Pid, st.CPU, st.Weight,
			humanize.Comma(int64(st.Picks)),
			humanize.Comma(int64(st.SumExecRuntime)),
			humanize.FtoaWithDigits(share, 2)+"%",
			state)
	}
	fmt.Fprintf(w, "simulated %s ticks, %s ns\n", humanize.Comma(int64(s.Ticks())), humanize.Comma(int64(s.Now())))
}

func printCounters(w io.Writer, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetGauge().GetValue()
			if c := m.GetCounter(); c != nil {
				value = c.GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %s", mf.GetName(), strings.Join(labels, ","), humanize.Ftoa(value)))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
