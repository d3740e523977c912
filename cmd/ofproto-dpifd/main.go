// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ofproto-dpifd runs the flow translation and flow-cache engine
// against a named kernel datapath, driving the cooperative run()/run_fast()
// poll loop of spec §5.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovs-project/ofproto-dpif/dpif"
	"github.com/ovs-project/ofproto-dpif/ofproto"
	"github.com/ovs-project/ofproto-dpif/ovsdb"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ofproto-dpifd",
		Short: "flow translation and flow-cache engine for a kernel datapath",
	}
	root.AddCommand(runCommand())
	root.AddCommand(versionCommand())
	root.Root().SilenceUsage = true
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the engine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "ofproto-dpifd (unreleased)")
			return nil
		},
	}
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "attach to a datapath and run the poll loop",
		RunE:  runEngine,
	}
	cmd.Flags().String("datapath", "ovs-system", "name of the kernel datapath to attach to")
	cmd.Flags().String("bridge", "br0", "name of the bridge to create on the datapath")
	cmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	cmd.Flags().Duration("stats-interval", ofproto.StatsPullupInterval, "how often to pull datapath flow stats into the facet cache")
	cmd.Flags().String("config", "", "path to a YAML bundle/mirror configuration file (disabled if empty)")
	cmd.Flags().String("ovsdb", "", "unix socket address of ovsdb-server to read bundle/mirror configuration from, e.g. /var/run/openvswitch/db.sock (disabled if empty; takes precedence over --config)")
	cmd.Flags().String("ovsdb-db", "Open_vSwitch", "name of the OVSDB database to query when --ovsdb is set")
	return cmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	dpName, _ := cmd.Flags().GetString("datapath")
	bridgeName, _ := cmd.Flags().GetString("bridge")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")
	configPath, _ := cmd.Flags().GetString("config")
	ovsdbAddr, _ := cmd.Flags().GetString("ovsdb")
	ovsdbDB, _ := cmd.Flags().GetString("ovsdb-db")

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("ofproto-dpifd: build logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	engine := ofproto.NewEngine(sugar)

	if metricsAddr != "" {
		go serveMetrics(sugar, metricsAddr, engine)
	}

	backer, err := engine.Backer(dpName, func() (*ofproto.Backer, error) {
		nl, err := dpif.NewNetlink()
		if err != nil {
			return nil, err
		}
		if err := nl.Open(dpName); err != nil {
			return nil, err
		}
		return ofproto.NewBacker(dpName, nl), nil
	})
	if err != nil {
		return fmt.Errorf("ofproto-dpifd: attach datapath %q: %w", dpName, err)
	}

	sugar.Infow("attached to datapath", "datapath", dpName)

	br := ofproto.NewBridge(bridgeName, backer)
	backer.AddBridge(br)

	cfg, err := loadConfig(cmd.Context(), bridgeName, configPath, ovsdbAddr, ovsdbDB)
	if err != nil {
		return fmt.Errorf("ofproto-dpifd: load bridge configuration: %w", err)
	}
	if cfg != nil {
		if err := cfg.Apply(br); err != nil {
			return fmt.Errorf("ofproto-dpifd: apply bridge configuration: %w", err)
		}
		sugar.Infow("applied bridge configuration", "bridge", bridgeName, "bundles", len(cfg.Bundles), "mirrors", len(cfg.Mirrors))
	}

	return poll(engine, backer, statsInterval)
}

// loadConfig reads bridge's bundle/mirror configuration per the §6 Port
// configuration interface: --ovsdb (a live ovsdb-server) takes precedence
// over --config (a YAML fixture); nil, nil means neither was given, so the
// bridge starts with no bundles or mirrors configured.
func loadConfig(ctx context.Context, bridge, configPath, ovsdbAddr, ovsdbDB string) (*ofproto.BridgeConfig, error) {
	if ovsdbAddr != "" {
		c, err := ovsdb.Dial("unix", ovsdbAddr)
		if err != nil {
			return nil, fmt.Errorf("dial ovsdb-server at %q: %w", ovsdbAddr, err)
		}
		defer c.Close()

		cfg, err := ofproto.LoadOVSDB(ctx, c, ovsdbDB, bridge)
		if err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file %q: %w", configPath, err)
		}
		defer f.Close()

		cfg, err := ofproto.LoadYAML(f)
		if err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	return nil, nil
}

// poll alternates run() and run_fast() per spec §5's cooperative,
// single-threaded scheduling model: run_fast drains upcalls every
// iteration, while run's slow-path work (revalidation, expiration, stats
// pull-up) only fires when the engine's run_fast_rl gate
// (Engine.AllowFastBurst) allows a burst,
// so a revalidation storm can never starve miss handling.
func poll(engine *ofproto.Engine, backer *ofproto.Backer, statsInterval time.Duration) error {
	lastStats := time.Time{}

	for {
		if engine.FlowRestoreWait {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		now := time.Now()
		if err := runFast(backer, now); err != nil {
			if engine.RateLimitLog() {
				engine.Log.Errorw("run_fast failed", "backer", backer.Name, "error", err)
			}
		}

		if engine.AllowFastBurst() {
			runSlow(engine, backer, now)
			if now.Sub(lastStats) >= statsInterval {
				pullupStats(backer, now)
				lastStats = now
			}
		}

		if err := backer.Dp.Run(); err != nil && engine.RateLimitLog() {
			engine.Log.Errorw("datapath housekeeping failed", "backer", backer.Name, "error", err)
		}
	}
}

// runFast is run_fast(): drain up to dpif.MaxBatch upcalls.
func runFast(backer *ofproto.Backer, now time.Time) error {
	_, err := backer.RunUpcalls(now)
	return err
}

// runSlow is run(): revalidation, rule/facet expiration, and any other
// periodic housekeeping that must not run on every iteration.
func runSlow(engine *ofproto.Engine, backer *ofproto.Backer, now time.Time) {
	backer.RunRevalidation(now)
	for _, br := range backer.BridgeList() {
		br.ExpireFacets(now)
	}
}

// pullupStats dumps the datapath's installed flows and folds their
// counters back into the facet cache (§4.3).
func pullupStats(backer *ofproto.Backer, now time.Time) {
	dumps, err := backer.Dp.FlowDump()
	if err != nil {
		return
	}
	for _, br := range backer.BridgeList() {
		br.Facets.PullupStats(dumps, now)
	}
}

func serveMetrics(log *zap.SugaredLogger, addr string, engine *ofproto.Engine) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Metrics.Registry(), promhttp.HandlerOpts{}))
	log.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("metrics server stopped", "error", err)
	}
}
