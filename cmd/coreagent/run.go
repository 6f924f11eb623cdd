package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/config"
	"github.com/busoc/coreagent/internal/gsn"
	"github.com/busoc/coreagent/internal/handler"
	"github.com/busoc/coreagent/internal/jobsobserver"
	"github.com/busoc/coreagent/internal/logging"
	"github.com/busoc/coreagent/internal/metrics"
	"github.com/busoc/coreagent/internal/plugin"
	"github.com/busoc/coreagent/internal/schedstore"
	"github.com/busoc/coreagent/internal/shutdown"
	"github.com/busoc/coreagent/internal/tos"
	"github.com/busoc/coreagent/internal/xfer"
)

func newRunCommand(configFile *string) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the core station agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(*configFile, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	return cmd
}

func runAgent(configFile string, debug bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logging.New("coreagent", version, debug)
	defer log.Sync()
	cfg.Dump(func(f string, args ...interface{}) { log.Infof(f, args...) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("coreagent: received shutdown signal")
		cancel()
	}()

	store := schedstore.New(cfg.Schedule.RawFile, cfg.Schedule.SnapFile, log)
	plugins := plugin.NewRegistry()
	plugins.Register(&plugin.Noop{})

	jobs := jobsobserver.New(cfg.Schedule.OverallMaxJobRuntime.Duration, log)

	xferEngine := xfer.NewEngine(cfg.Xfer.RootDir, toXferWatches(cfg.Xfer.Watches), cfg.Xfer.ResendInterval.Duration, 0, log)
	xferEngine.SetRefuseInitMidTransfer(cfg.Xfer.RefuseInitMidTransfer)
	plugins.Register(&plugin.BinaryUpload{Nudge: xferEngine.PrioritizeDevice})

	h, err := handler.New(store, plugins, jobs, log)
	if err != nil {
		return err
	}

	m, metricsHandler := metrics.New("coreagent")
	if cfg.Metrics.Listen != "" {
		go metrics.Serve(ctx, cfg.Metrics.Listen, metricsHandler)
	}
	xferEngine.SetMetrics(m)
	h.SetMetrics(m)

	var link *tos.Link
	var tosConn net.Conn
	if cfg.TOS.Address != "" {
		var err error
		tosConn, err = net.Dial("tcp", cfg.TOS.Address)
		if err != nil {
			log.Warnw("tos: initial dial failed, continuing without TOS", "error", err)
		} else {
			link = tos.New(tosConn, cfg.TOS.CommandTimeout.Duration, cfg.TOS.MaxRetries, log)
			go link.Run()
		}
	}

	if link != nil {
		go link.Ping(cfg.TOS.PingInterval.Duration, cfg.TOS.WatchdogTimeout.Duration)
	}

	var stopPing func()
	if link != nil {
		stopPing = link.StopPing
	}

	orchestrator := shutdown.New(shutdown.Deps{
		Xfer:                     xferEngine,
		Jobs:                     jobs,
		Link:                     link,
		NextFireDelta:            func() (time.Duration, bool) { return h.NextFireDelta(time.Now()) },
		ServiceWindowRemaining:   func() time.Duration { return 0 },
		StopPing:                 stopPing,
		HardShutdownOffset:       cfg.Schedule.HardShutdownOffset.Duration,
		MaxDBResendRuntime:       cfg.Schedule.MaxDBResendRuntime.Duration,
		MaxNextScheduleWaitDelta: cfg.Schedule.MaxNextScheduleWaitDelta.Duration,
		MaxJobDrainWait:          cfg.Schedule.OverallMaxJobRuntime.Duration,
		Uptime:                   uptimeSince(time.Now()),
	}, log)

	if link != nil {
		orchestrator.AddTeardownStage("stop tos link", func(context.Context) error {
			link.StopPing()
			link.Stop()
			return tosConn.Close()
		})
	}

	client := gsn.New(cfg.GSN.Address, cfg.Schedule.MaxGSNConnectWait.Duration, cfg.GSN.BackoffInitial.Duration, cfg.GSN.BackoffMax.Duration, log)
	client.SetMetrics(m)
	go client.Run(ctx)

	watchStop := make(chan struct{})
	go xferEngine.Watch(watchStop)
	orchestrator.AddTeardownStage("stop directory watcher", func(context.Context) error {
		close(watchStop)
		return nil
	})

	go func() {
		for {
			select {
			case conn := <-client.Connected:
				stream := conn.BinaryStream()
				go xferEngine.Run(stream, ctx.Done())
				go h.Run(ctx, true)

				h.SetEchoSchedule(func(text string) error {
					return conn.WriteSchedule(gsn.EncodeSchedule(time.Now().UnixMilli(), "coreagent", text))
				})
				acquired := make(chan struct{})
				go runScheduleChannel(ctx, conn, h, log, acquired)
				go requestSchedule(ctx, conn, h, 30*time.Second, cfg.Schedule.MaxGSNGetScheduleWait.Duration, acquired, log)
			case err := <-client.Lost:
				log.Warnw("gsn: connection lost", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	if cfg.Station.DutyCycle {
		go runDutyCycleTrigger(ctx, orchestrator, h, cfg.Schedule.MaxNextScheduleWait.Duration, log)
	}

	orchestrator.AddTeardownStage("persist final schedule state", func(context.Context) error {
		sched := h.Schedule()
		if sched == nil {
			return nil
		}
		return store.Save(sched)
	})

	<-ctx.Done()
	return orchestrator.Teardown(context.Background())
}

// uptimeSince returns a func reporting elapsed time since started, used to
// bound the shutdown sequence's DB-resend drain stage by the remaining
// budget rather than the full configured allowance.
func uptimeSince(started time.Time) func() time.Duration {
	return func() time.Duration { return time.Since(started) }
}

// runDutyCycleTrigger periodically checks whether the next scheduled entry
// is far enough out to justify starting the shutdown sequence, per the
// condition ScheduleHandler evaluates in the specification: the next job
// due is further out than maxNextScheduleWait. A Trigger already in flight
// is never overlapped with another.
func runDutyCycleTrigger(ctx context.Context, orchestrator *shutdown.Orchestrator, h *handler.Handler, maxNextScheduleWait time.Duration, log *zap.SugaredLogger) {
	var triggering int32
	ticker := time.NewTicker(maxNextScheduleWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until, ok := h.NextFireDelta(time.Now())
			if ok && until <= maxNextScheduleWait {
				continue
			}
			if !atomic.CompareAndSwapInt32(&triggering, 0, 1) {
				continue
			}
			go func() {
				defer atomic.StoreInt32(&triggering, 0)
				if orchestrator.Trigger(ctx) {
					log.Infow("shutdown: duty-cycle sequence completed")
				}
			}()
		}
	}
}

// toXferWatches adapts the config file's Watch tuples (string storage
// kind) to the transfer engine's typed StorageKind.
func toXferWatches(in []config.Watch) []xfer.Watch {
	out := make([]xfer.Watch, len(in))
	for i, w := range in {
		kind := xfer.StorageFS
		if w.StorageKind == "DB" {
			kind = xfer.StorageDB
		}
		out[i] = xfer.Watch{
			RelativePath: w.RelativePath,
			StorageKind:  kind,
			DeviceID:     w.DeviceID,
			DateFormat:   w.DateFormat,
		}
	}
	return out
}
