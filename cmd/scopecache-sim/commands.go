package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/internal/sim"
)

var errScenarioFailed = errors.New("scenario failed")

var (
	hold bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the consistency scenario and print each check",
		RunE:  runScenario,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Sign in as the manager and print the statistics view for the current week",
		RunE:  printStats,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(&hold, "hold", false, "keep serving metrics after the run until interrupted")
}

func runScenario(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	s := &sim.Scenario{Coord: a.coord, Remote: a.remote, Codecs: a.codecs, Log: a.log, Week: cfg.Remote.Week, Year: cfg.Remote.Year}
	res, err := s.Run(a.ctx)
	if err != nil {
		return err
	}
	for _, r := range res.Receipts {
		a.log.Info("batch", scopecache.Fields{"batch": r.BatchID.String(), "status": r.Status.String(), "invalidated": len(r.Invalidated), "pending": len(r.Pending)})
	}
	if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
		return err
	}

	if hold && a.metrics != nil {
		a.log.Info("holding for metrics scrapes", scopecache.Fields{"addr": cfg.Metrics.Addr})
		<-ctx.Done()
	}
	if !res.Passed() {
		return errScenarioFailed
	}
	return nil
}

func printStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.ObserveIdentity(a.ctx, a.remote.Manager()); err != nil {
		return err
	}
	s := &sim.Scenario{Coord: a.coord, Remote: a.remote, Codecs: a.codecs, Week: cfg.Remote.Week, Year: cfg.Remote.Year}
	o, err := s.Overview(a.ctx)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	return yaml.NewEncoder(cmd.OutOrStdout()).Encode(o)
}
