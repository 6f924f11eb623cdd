// Package handler implements the schedule handler: the component that
// owns the current cron schedule, fires due entries by running a script or
// invoking a plugin, and applies a freshly received schedule without
// disturbing whatever job is already in flight.
package handler

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/agenterr"
	"github.com/busoc/coreagent/internal/cronsched"
	"github.com/busoc/coreagent/internal/jobsobserver"
	"github.com/busoc/coreagent/internal/metrics"
	"github.com/busoc/coreagent/internal/plugin"
	"github.com/busoc/coreagent/internal/schedstore"
)

// maxIdleSleep bounds how long the main loop ever sleeps in one go, so a
// schedule replacement is noticed promptly instead of only at the next
// computed fire time.
const maxIdleSleep = time.Minute

// Handler owns the active schedule and runs its entries as they come due.
type Handler struct {
	store   *schedstore.Store
	plugins *plugin.Registry
	jobs    *jobsobserver.Observer
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *cronsched.Schedule
	// echoSchedule, when set, is called with the freshly installed
	// schedule's raw text after a successful SetSchedule so it can be
	// relayed back to GSN. Rewired by cmd/coreagent on every GSN
	// reconnect via SetEchoSchedule; left nil (and simply skipped) when no
	// connection is available, such as in tests.
	echoSchedule func(text string) error

	replaced         chan struct{}
	needLookBackward int32 // atomic bool
}

// New builds a Handler around a persisted schedule store. If the store has
// a previously saved schedule it is loaded as the starting point.
func New(store *schedstore.Store, plugins *plugin.Registry, jobs *jobsobserver.Observer, log *zap.SugaredLogger) (*Handler, error) {
	h := &Handler{store: store, plugins: plugins, jobs: jobs, log: log, replaced: make(chan struct{}, 1)}
	sched, err := store.Load()
	if err != nil {
		return nil, err
	}
	h.current = sched
	h.publishScheduleMetrics()
	return h, nil
}

// SetMetrics attaches the Prometheus collectors this handler reports
// against.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
	h.publishScheduleMetrics()
}

// SetEchoSchedule wires (or clears, with nil) the callback used to relay a
// freshly installed schedule back to GSN.
func (h *Handler) SetEchoSchedule(echo func(text string) error) {
	h.mu.Lock()
	h.echoSchedule = echo
	h.mu.Unlock()
}

func (h *Handler) publishScheduleMetrics() {
	if h.metrics == nil {
		return
	}
	h.mu.Lock()
	n := 0
	if h.current != nil {
		n = len(h.current.Entries)
	}
	h.mu.Unlock()
	h.metrics.ScheduleEntries.Set(float64(n))
}

// SetSchedule installs a new schedule. If any row of text fails to parse,
// the whole text is rejected with a ScheduleParse error and the old
// schedule stays in place. With merge false, text wholly replaces the
// active schedule. With merge true, text is treated as origin's own view of its
// PLUGIN rows and is combined with the active schedule per the merge
// algorithm documented below, rather than replacing it outright.
//
// Merge algorithm: every PLUGIN entry in text must name origin as its
// plugin class, or the whole merge is rejected and the active schedule is
// left untouched. The merged schedule is built from (a) every existing
// SCRIPT row, substituted by an incoming SCRIPT row with identical command
// text where one exists, (b) every existing PLUGIN row whose plugin name
// is not origin, and (c) every incoming PLUGIN row. An empty text with
// merge true is a no-op.
//
// On a successful install the new schedule is persisted, swapped in
// atomically, echoed back to GSN (if SetEchoSchedule wired a callback), and the main
// loop is signalled to re-evaluate from the top with look_backward true on
// its very next iteration.
func (h *Handler) SetSchedule(origin, text string, merge bool) ([]error, error) {
	if merge && strings.TrimSpace(text) == "" {
		return nil, nil
	}

	candidate, errs := cronsched.Parse(text)
	if len(errs) > 0 {
		return errs, agenterr.New(agenterr.ScheduleParse, agenterr.GenericCode,
			"schedule rejected: %d malformed row(s)", len(errs))
	}

	if !merge {
		return h.install(candidate, errs)
	}

	for _, e := range candidate.Entries {
		if e.EntryKind == cronsched.Plugin && e.Plugin != origin {
			return errs, agenterr.New(agenterr.ScheduleParse, agenterr.GenericCode,
				"schedule merge: incoming PLUGIN entry references plugin %q, expected origin %q", e.Plugin, origin)
		}
	}

	base := h.Schedule()
	if base == nil {
		base = &cronsched.Schedule{}
	}

	merged := mergeEntries(base.Entries, candidate.Entries, origin)
	mergedText := renderEntries(merged)
	mergedSched, mergeErrs := cronsched.Parse(mergedText)
	errs = append(errs, mergeErrs...)
	if mergedSched == nil {
		return errs, nil
	}
	return h.install(mergedSched, errs)
}

// mergeEntries builds the merged entry list: existing SCRIPT rows
// (substituted by a same-command incoming SCRIPT row where one exists),
// existing PLUGIN rows belonging to a different plugin than origin, and
// every incoming PLUGIN row.
func mergeEntries(existing, incoming []*cronsched.Entry, origin string) []*cronsched.Entry {
	incomingScriptByCommand := map[string]*cronsched.Entry{}
	var incomingPlugin []*cronsched.Entry
	for _, e := range incoming {
		if e.EntryKind == cronsched.Script {
			incomingScriptByCommand[e.Command] = e
		} else {
			incomingPlugin = append(incomingPlugin, e)
		}
	}

	var merged []*cronsched.Entry
	for _, e := range existing {
		switch e.EntryKind {
		case cronsched.Script:
			if sub, ok := incomingScriptByCommand[e.Command]; ok {
				merged = append(merged, sub)
			} else {
				merged = append(merged, e)
			}
		case cronsched.Plugin:
			if e.PluginName() != origin {
				merged = append(merged, e)
			}
		}
	}
	merged = append(merged, incomingPlugin...)
	return merged
}

func renderEntries(entries []*cronsched.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Render())
		b.WriteByte('\n')
	}
	return b.String()
}

// install persists sched, swaps it in as the active schedule, echoes it
// back to GSN, and wakes the main loop for a look-backward re-evaluation.
func (h *Handler) install(sched *cronsched.Schedule, errs []error) ([]error, error) {
	sched.CreationTimeMS = time.Now().UnixMilli()
	if err := h.store.Save(sched); err != nil {
		return errs, err
	}

	h.mu.Lock()
	h.current = sched
	echo := h.echoSchedule
	h.mu.Unlock()
	h.publishScheduleMetrics()

	if echo != nil {
		if err := echo(sched.RenderText()); err != nil {
			h.log.Warnw("handler: failed to echo schedule back to GSN", "error", err)
		}
	}

	h.markNeedLookBackward()
	select {
	case h.replaced <- struct{}{}:
	default:
	}
	return errs, nil
}

func (h *Handler) markNeedLookBackward()      { atomic.StoreInt32(&h.needLookBackward, 1) }
func (h *Handler) consumeNeedLookBackward() bool {
	return atomic.SwapInt32(&h.needLookBackward, 0) != 0
}

// Schedule returns the currently active schedule, or nil if none has ever
// been set.
func (h *Handler) Schedule() *cronsched.Schedule {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	return h.current.Clone()
}

// Run is the main loop: compute the next due entries, sleep until they
// fire (waking early on a schedule replacement), run them, and repeat,
// until ctx is cancelled. lookBackward seeds the very first iteration's
// recovery scan; every schedule install seeds a further one automatically.
func (h *Handler) Run(ctx context.Context, lookBackward bool) error {
	if lookBackward {
		h.markNeedLookBackward()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if h.consumeNeedLookBackward() {
			if sched := h.Schedule(); sched != nil {
				for _, e := range cronsched.RecoverMissed(sched, time.Now()) {
					h.log.Infow("handler: recovering missed fire", "entry", e.Render())
					h.fire(ctx, e)
				}
			}
		}

		sched := h.Schedule()
		if sched == nil {
			if !h.sleep(ctx, maxIdleSleep) {
				return nil
			}
			continue
		}

		now := time.Now()
		entries, _ := cronsched.GetNextSchedules(sched, now, false)
		if len(entries) == 0 {
			if !h.sleep(ctx, maxIdleSleep) {
				return nil
			}
			continue
		}

		fireAt, ok := cronsched.NextFireTime(entries[len(entries)-1], now)
		if !ok {
			fireAt = now
		}
		wait := time.Until(fireAt)
		if wait < 0 {
			wait = 0
		}
		if wait > maxIdleSleep {
			wait = maxIdleSleep
		}
		if !h.sleep(ctx, wait) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().Before(fireAt) {
			// woke early on a schedule replacement; recompute from scratch
			continue
		}
		for _, e := range entries {
			h.fire(ctx, e)
		}
	}
}

// NextFireDelta reports the time until the soonest entry due to fire, and
// whether any schedule is active at all — consulted by the shutdown
// orchestrator's stage 5 schedule re-check and by the duty-cycle trigger
// that decides when to start a shutdown sequence in the first place.
func (h *Handler) NextFireDelta(now time.Time) (time.Duration, bool) {
	sched := h.Schedule()
	if sched == nil {
		return 0, false
	}
	entries, _ := cronsched.GetNextSchedules(sched, now, false)
	if len(entries) == 0 {
		return 0, false
	}
	fireAt, ok := cronsched.NextFireTime(entries[len(entries)-1], now)
	if !ok {
		return 0, false
	}
	return fireAt.Sub(now), true
}

// sleep waits for d, ctx cancellation, or a schedule replacement,
// returning false only when ctx was cancelled.
func (h *Handler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-h.replaced:
		return true
	}
}

// fire runs one due entry: a SCRIPT entry is exec'd as a subprocess, a
// PLUGIN entry is dispatched through the plugin registry. Either way
// execution is observed so the shutdown orchestrator can wait for it.
func (h *Handler) fire(ctx context.Context, e *cronsched.Entry) {
	switch e.EntryKind {
	case cronsched.Script:
		h.runScript(ctx, e)
	case cronsched.Plugin:
		h.runPlugin(ctx, e)
	default:
		h.log.Warnw("handler: entry with unknown kind", "entry", e.Render())
	}
}

// runtimeBounds converts an entry's optional runtime fields to durations,
// zero meaning "no bound".
func runtimeBounds(e *cronsched.Entry) (max, min time.Duration) {
	if e.HasMaxRuntime {
		max = time.Duration(e.MaxRuntimeMinutes) * time.Minute
	}
	if e.HasMinRuntime {
		min = time.Duration(e.MinRuntimeMinutes) * time.Minute
	}
	return max, min
}

func (h *Handler) runScript(ctx context.Context, e *cronsched.Entry) {
	argv := strings.Fields(e.Command)
	if len(argv) == 0 {
		h.log.Warnw("handler: SCRIPT entry with empty command", "entry", e.Render())
		return
	}
	maxRuntime, minRuntime := runtimeBounds(e)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	done := h.jobs.ObserveJob(argv[0], cmd, maxRuntime)
	start := time.Now()
	go func() {
		defer done()
		err := cmd.Run()
		h.observeJobResult("script", start, minRuntime, err)
		if err != nil {
			h.log.Warnw("handler: script job failed", "command", e.Command, "error", err)
		}
	}()
}

func (h *Handler) runPlugin(ctx context.Context, e *cronsched.Entry) {
	name := e.PluginName()
	maxRuntime, minRuntime := runtimeBounds(e)
	done := h.jobs.ObserveJob(name, nil, maxRuntime)
	start := time.Now()
	go func() {
		defer done()
		// Plugins run in-process, so there is no child process for the
		// observer's kill timer to act on; the runtime ceiling is instead
		// enforced by bounding the context the plugin is invoked with.
		pctx := ctx
		if maxRuntime > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, maxRuntime)
			defer cancel()
		}
		err := h.plugins.Invoke(pctx, name, e.Command, maxRuntime, minRuntime)
		h.observeJobResult("plugin", start, minRuntime, err)
		if err != nil {
			h.log.Warnw("handler: plugin job failed", "plugin", name, "error", err)
		}
	}()
}

func (h *Handler) observeJobResult(kind string, start time.Time, minRuntime time.Duration, err error) {
	elapsed := time.Since(start)
	if minRuntime > 0 && elapsed < minRuntime {
		h.log.Warnw("handler: job finished before its minimum runtime", "kind", kind, "elapsed", elapsed, "min_runtime", minRuntime)
	}
	if h.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.metrics.JobsTotal.WithLabelValues(outcome).Inc()
	h.metrics.JobDurationSecs.WithLabelValues(kind).Observe(elapsed.Seconds())
}
