// Package engine wires the Session Store, Extraction Side-Store, Trigger
// Engine, Restore Service, Scheduler, Durable Bus, and telemetry together
// into the running BrainSurgeon process.
package engine

import (
	"context"
	"path/filepath"

	"brainsurgeon/internal/brlog"
	"brainsurgeon/internal/bsconfig"
	"brainsurgeon/internal/bus"
	"brainsurgeon/internal/restore"
	"brainsurgeon/internal/scheduler"
	"brainsurgeon/internal/sidestore"
	"brainsurgeon/internal/store"
	"brainsurgeon/internal/telemetry"
)

var logger = brlog.Default.WithComponent("engine")

// Options configures a running Engine.
type Options struct {
	AgentsDir    string // root holding {agent}/sessions/*.jsonl
	ConfigPath   string // path to the engine config JSON file
	BusPath      string // path to the durable bus SQLite database
	Telemetry    telemetry.Config
	BusSourceTag string
}

// Engine is the fully wired runtime: every component plus the glue
// (bus subscribers, live config reload) that makes them cooperate.
type Engine struct {
	Sessions  *store.Store
	Payloads  *sidestore.Store
	Config    *bsconfig.Store
	Restore   *restore.Service
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Telemetry *telemetry.Provider

	stopWatch chan struct{}
}

// New constructs an Engine from Options: opens the bus database, loads
// config, and builds every component over the same Session Store /
// Extraction Side-Store instances.
func New(opts Options) (*Engine, error) {
	sessions := store.New(opts.AgentsDir)
	payloads := sidestore.New(opts.AgentsDir)

	configStore, err := bsconfig.NewStore(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	telem, err := telemetry.New(opts.Telemetry)
	if err != nil {
		return nil, err
	}

	restoreSvc := restore.New(sessions, payloads, telem)
	sched := scheduler.New(sessions, payloads, configStore, telem)

	busPath := opts.BusPath
	if busPath == "" {
		busPath = filepath.Join(opts.AgentsDir, "brainsurgeon-bus.db")
	}
	sourceTag := opts.BusSourceTag
	if sourceTag == "" {
		sourceTag = "brainsurgeon"
	}
	b, err := bus.Open(busPath, sourceTag)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Sessions:  sessions,
		Payloads:  payloads,
		Config:    configStore,
		Restore:   restoreSvc,
		Scheduler: sched,
		Bus:       b,
		Telemetry: telem,
	}
	e.registerBusHandlers()
	return e, nil
}

// Start begins the scheduler, bus polling, and config live-reload watch.
func (e *Engine) Start(ctx context.Context) {
	e.Scheduler.Start()
	e.Bus.Start(ctx)

	e.stopWatch = make(chan struct{})
	e.Config.Watch(e.stopWatch, func(cfg bsconfig.Config) {
		logger.Info("config reloaded, rescheduling jobs", nil)
		e.Scheduler.ReloadConfig(cfg)
	})
}

// Stop shuts down in the cooperative order from §5: scheduler, then bus,
// then telemetry, letting in-flight handlers finish first.
func (e *Engine) Stop(ctx context.Context) {
	if e.stopWatch != nil {
		close(e.stopWatch)
	}
	e.Scheduler.Stop()
	e.Bus.Stop()
	if err := e.Telemetry.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", map[string]any{"error": err.Error()})
	}
	if err := e.Bus.Close(); err != nil {
		logger.Warn("bus close failed", map[string]any{"error": err.Error()})
	}
}

// registerBusHandlers wires prune.request and restore.request to their
// component implementations, advisory types to a logging default, and
// publishes the matching *.response messages (§4.H). Every handler runs
// inside a bus-handler span (§A.5).
func (e *Engine) registerBusHandlers() {
	e.Bus.Subscribe("prune.request", e.traced("prune.request", e.handlePruneRequest))
	e.Bus.Subscribe("restore.request", e.traced("restore.request", e.handleRestoreRequest))

	for _, advisory := range []string{"session.updated", "session.created", "message_written"} {
		advisory := advisory
		e.Bus.Subscribe(advisory, e.traced(advisory, func(ctx context.Context, m bus.Message) error {
			logger.Debug("advisory message", map[string]any{"type": advisory, "id": m.ID})
			return nil
		}))
	}
}

// traced wraps a context-aware handler in a bus.handler span, since the
// durable bus itself only knows about the plain bus.Handler shape (§A.5).
func (e *Engine) traced(msgType string, h func(context.Context, bus.Message) error) bus.Handler {
	return func(m bus.Message) error {
		ctx, span := e.Telemetry.StartBusHandlerSpan(context.Background(), msgType, m.ID)
		err := h(ctx, m)
		e.Telemetry.EndBusHandlerSpan(span, err)
		return err
	}
}

func (e *Engine) handlePruneRequest(ctx context.Context, m bus.Message) error {
	agentID, _ := m.Payload["agentId"].(string)
	sessionID, _ := m.Payload["sessionId"].(string)

	externalized, err := e.Scheduler.ExtractSession(ctx, agentID, sessionID)

	respErr := ""
	success := err == nil
	if err != nil {
		respErr = err.Error()
	}

	return e.Bus.Publish("prune.response", map[string]any{
		"agentId":      agentID,
		"sessionId":    sessionID,
		"externalized": externalized,
		"success":      success,
		"error":        respErr,
	})
}

func (e *Engine) handleRestoreRequest(ctx context.Context, m bus.Message) error {
	agentID, _ := m.Payload["agentId"].(string)
	sessionID, _ := m.Payload["sessionId"].(string)
	entryID, _ := m.Payload["entryId"].(string)

	var keys []string
	if rawKeys, ok := m.Payload["keys"].([]any); ok {
		for _, k := range rawKeys {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
	}

	res, err := e.Restore.Restore(ctx, agentID, sessionID, entryID, keys)

	success := err == nil
	respErr := ""
	var restoredKeys []string
	if err != nil {
		respErr = err.Error()
	} else {
		restoredKeys = res.KeysRestored
	}

	return e.Bus.Publish("restore.response", map[string]any{
		"agentId":      agentID,
		"sessionId":    sessionID,
		"toolCallId":   entryID,
		"success":      success,
		"restoredKeys": restoredKeys,
		"error":        respErr,
	})
}
