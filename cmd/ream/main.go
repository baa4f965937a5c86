// Command ream is REAM's CLI: run a node, inspect live stats, drop
// into an interactive console, or disassemble a compiled program.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/reamlang/ream/internal/config"
	"github.com/reamlang/ream/internal/log"
	"github.com/reamlang/ream/internal/ream/api"
	"github.com/reamlang/ream/internal/ream/disasm"
	"github.com/reamlang/ream/internal/ream/metrics"
	"github.com/reamlang/ream/internal/ream/program"
	"github.com/reamlang/ream/internal/ream/registry"
	"github.com/reamlang/ream/internal/ream/resources"
	"github.com/reamlang/ream/internal/ream/rtsched"
	"github.com/reamlang/ream/internal/ream/runtime"
	"github.com/reamlang/ream/internal/ream/wsched"
)

func main() {
	app := cli.NewApp()
	app.Name = "ream"
	app.Usage = "REAM concurrent actor runtime"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
	}
	app.Commands = []cli.Command{
		runCommand,
		statsCommand,
		consoleCommand,
		disasmCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ream:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) *config.Config {
	if path := c.GlobalString("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Error("failed to load config, using defaults", "path", path, "err", err)
			return config.Default()
		}
		return cfg
	}
	return config.Default()
}

func policyFromString(s string) rtsched.Policy {
	switch s {
	case "edf":
		return rtsched.EDF
	case "rm":
		return rtsched.RM
	default:
		return rtsched.Hybrid
	}
}

func quotasFromConfig(cfg *config.Config) resources.Quotas {
	return resources.Quotas{
		MaxCPUTime:                     time.Duration(cfg.Resources.MaxCPUTimeMillis) * time.Millisecond,
		CPUTimePeriod:                  time.Duration(cfg.Resources.CPUTimePeriodMillis) * time.Millisecond,
		MaxMemory:                      cfg.Resources.MaxMemoryBytes,
		MaxFileHandles:                 cfg.Resources.MaxFileHandles,
		MaxSocketHandles:               cfg.Resources.MaxSocketHandles,
		MaxNetworkBandwidthBytesPerSec: cfg.Resources.MaxNetworkBandwidthBPS,
		MaxDiskIOBytesPerSec:           cfg.Resources.MaxDiskIOBPS,
		MaxSyscallsPerSecond:           cfg.Resources.MaxSyscallsPerSecond,
	}
}

func newRuntime(cfg *config.Config) (*runtime.Runtime, error) {
	return runtime.New(runtime.Config{
		Registry: registry.Config{},
		Scheduler: wsched.Config{
			Workers:             cfg.Scheduler.Workers,
			QuantumInstructions: cfg.Scheduler.QuantumInstructions,
			BackoffBase:         time.Duration(cfg.Scheduler.BackoffBaseMillis) * time.Millisecond,
			BackoffMax:          time.Duration(cfg.Scheduler.BackoffMaxMillis) * time.Millisecond,
		},
		TickPeriod:      cfg.TickPeriod(),
		RTPolicy:        policyFromString(cfg.RealTime.Policy),
		DefaultQuotas:   quotasFromConfig(cfg),
		ProgramStoreDir: cfg.ProgramStore.Dir,
		ProgramHotCache: cfg.ProgramStore.HotSize,
	})
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "start a REAM node and serve its HTTP/WS/GraphQL control-plane API",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "http", Value: "127.0.0.1:8645", Usage: "HTTP control-plane listen address"},
		cli.StringFlag{Name: "ipc", Usage: "path for a local IPC control socket (disabled when empty)"},
	},
	Action: func(c *cli.Context) error {
		cfg := loadConfig(c)
		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rt.Start(ctx)
		defer rt.Stop()

		if path := c.GlobalString("config"); path != "" {
			w, err := config.Watch(path, func(next *config.Config) {
				rt.UpdateDefaultQuotas(quotasFromConfig(next))
			})
			if err != nil {
				log.Warn("config hot-reload disabled", "err", err)
			} else {
				defer w.Close()
			}
		}

		if collector, err := newCollector(cfg, rt); err != nil {
			log.Warn("metrics export disabled", "err", err)
		} else if collector != nil {
			collector.Start()
			defer collector.Stop()
		}

		srv := api.NewServer(rt)
		httpSrv := &http.Server{Addr: c.String("http"), Handler: srv.Handler()}
		go func() {
			log.Info("http control-plane listening", "addr", c.String("http"))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", "err", err)
			}
		}()

		if ipcPath := c.String("ipc"); ipcPath != "" {
			ipcSrv, l, err := api.ListenIPC(ipcPath, srv.Handler())
			if err != nil {
				log.Warn("ipc endpoint disabled", "path", ipcPath, "err", err)
			} else {
				defer ipcSrv.Close()
				go func() {
					log.Info("ipc control-plane listening", "path", ipcPath)
					if err := ipcSrv.Serve(l); err != nil && err != http.ErrServerClosed {
						log.Error("ipc server error", "err", err)
					}
				}()
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

// newCollector builds a metrics collector for whichever export sinks
// the config enables, or nil when none are.
func newCollector(cfg *config.Config, rt *runtime.Runtime) (*metrics.Collector, error) {
	var sinks []metrics.Sink
	if cfg.Metrics.TSDBDir != "" {
		sink, err := metrics.NewTSDBSink(cfg.Metrics.TSDBDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxAddr != "" {
		sink, err := metrics.NewInfluxSink(cfg.Metrics.InfluxAddr, cfg.Metrics.InfluxDatabase, cfg.Metrics.InfluxUsername, cfg.Metrics.InfluxPassword)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return metrics.NewCollector(rt, cfg.MetricsInterval(), sinks...), nil
}

var statsCommand = cli.Command{
	Name:  "stats",
	Usage: "fetch a one-shot stats snapshot from a running node's HTTP API",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "http", Value: "http://127.0.0.1:8645", Usage: "HTTP control-plane base URL"},
	},
	Action: func(c *cli.Context) error {
		resp, err := http.Get(c.String("http") + "/v1/stats")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var stats runtime.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return err
		}
		printStatsTable(stats)
		return nil
	},
}

// printStatsTable renders a stats snapshot as a table, one row per
// metric.
func printStatsTable(s runtime.Stats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"processes", fmt.Sprintf("%d", s.Processes)})
	table.Append([]string{"tasks submitted", fmt.Sprintf("%d", s.WorkSteal.Submitted)})
	table.Append([]string{"tasks completed", fmt.Sprintf("%d", s.WorkSteal.Completed)})
	table.Append([]string{"steal attempts", fmt.Sprintf("%d", s.WorkSteal.StealAttempts)})
	table.Append([]string{"steal successes", fmt.Sprintf("%d", s.WorkSteal.StealSuccesses)})
	table.Append([]string{"rt utilization", fmt.Sprintf("%.3f", s.RTUtilization)})
	table.Append([]string{"deadline misses", fmt.Sprintf("%d", s.DeadlineMisses)})
	table.Append([]string{"rt preemptions", fmt.Sprintf("%d", s.RTPreemptions)})
	table.Append([]string{"gc cycles", fmt.Sprintf("%d", s.GCCycles)})
	table.Append([]string{"snapshot time", s.Timestamp.Format(time.RFC3339)})
	table.Render()
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "disassemble a .ream program file",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: ream disasm <path>", 1)
		}
		data, err := os.ReadFile(c.Args().First())
		if err != nil {
			return err
		}
		prog, err := program.Decode(data)
		if err != nil {
			return err
		}
		fmt.Print(disasm.Disassemble(prog))
		return nil
	},
}
