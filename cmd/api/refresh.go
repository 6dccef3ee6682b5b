package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron"

	"github.com/alejomeek/productos-railway-api/engine/cache"
	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/pkg/natsutil"
)

// Reload triggers, used as the "trigger" metric label.
const (
	triggerStartup = "startup"
	triggerHTTP    = "http"
	triggerCron    = "cron"
	triggerNATS    = "nats"
)

// refreshRequest is the optional payload of a refresh message.
type refreshRequest struct {
	Reason string `json:"reason,omitempty"`
}

// refreshReply mirrors the body of POST /api/refresh-cache.
type refreshReply struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Stats   *catalog.Stats `json:"stats,omitempty"`
}

// reloadedEvent is published after every reload attempt that ran.
type reloadedEvent struct {
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Stats      catalog.Stats `json:"stats"`
}

// refresher runs reloads for every trigger and reports their outcome.
type refresher struct {
	coord   *cache.Coordinator
	met     *apiMetrics
	timeout time.Duration
	logger  *slog.Logger
}

// reload runs one reload bounded by the refresh timeout. It returns
// catalog.ErrReloadInProgress unchanged when another reload is running.
func (r *refresher) reload(ctx context.Context, trigger string) (catalog.Stats, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	r.logger.Info("cache reload requested", "trigger", trigger)
	stats, err := r.coord.Reload(ctx)
	switch {
	case errors.Is(err, catalog.ErrReloadInProgress):
		r.met.reloads("skipped", trigger).Inc()
		r.logger.Warn("cache reload skipped, another one is running", "trigger", trigger)
	case err != nil:
		r.met.reloads("error", trigger).Inc()
	default:
		r.met.reloads("ok", trigger).Inc()
	}
	return stats, err
}

// initialLoadPoll is how often initialLoad checks on a reload started by
// another trigger.
var initialLoadPoll = 100 * time.Millisecond

// initialLoad runs the startup load. If another trigger holds the reload
// slot, it waits for that reload and is done once a snapshot is published;
// if none was, it tries again itself.
func (r *refresher) initialLoad(ctx context.Context) error {
	for {
		_, err := r.reload(ctx, triggerStartup)
		if !errors.Is(err, catalog.ErrReloadInProgress) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initialLoadPoll):
		}
		if r.coord.Current() != nil {
			return nil
		}
	}
}

// reply runs a reload and describes the outcome the way the HTTP endpoint does.
func (r *refresher) reply(ctx context.Context, trigger string) refreshReply {
	stats, err := r.reload(ctx, trigger)
	if err != nil {
		return refreshReply{Error: err.Error()}
	}
	return refreshReply{Success: true, Message: refreshOK, Stats: &stats}
}

// startScheduler runs a reload on every tick of schedule (seconds-first cron).
// The returned cron is already started.
func startScheduler(schedule string, r *refresher) (*cron.Cron, error) {
	c := cron.New()
	err := c.AddFunc(schedule, func() {
		if _, err := r.reload(context.Background(), triggerCron); err != nil && !errors.Is(err, catalog.ErrReloadInProgress) {
			r.logger.Error("scheduled cache refresh failed", "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	r.logger.Info("scheduled cache refresh enabled", "schedule", schedule)
	return c, nil
}

// subscribeRefresh answers refresh requests on subject. Messages without a
// reply subject still trigger a reload.
func subscribeRefresh(nc *nats.Conn, subject string, r *refresher) (*nats.Subscription, error) {
	return natsutil.Handle(nc, subject, r.logger, func(ctx context.Context, req refreshRequest) refreshReply {
		r.logger.Info("nats refresh received", "subject", subject, "reason", req.Reason)
		return r.reply(ctx, triggerNATS)
	})
}

// watchReloads writes every reload event published on subject to w, one
// JSON object per line, until ctx is done.
func watchReloads(ctx context.Context, nc *nats.Conn, subject string, w io.Writer, logger *slog.Logger) error {
	enc := json.NewEncoder(w)
	sub, err := natsutil.Subscribe(nc, subject, logger, func(_ context.Context, ev reloadedEvent) {
		if err := enc.Encode(ev); err != nil {
			logger.Warn("writing reload event failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watch: subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("watch: flush: %w", err)
	}
	logger.Info("watching reload events", "subject", subject)
	<-ctx.Done()
	return nil
}

// reloadPublisher returns an OnReload hook that publishes a reloadedEvent.
func reloadPublisher(nc *nats.Conn, subject string, logger *slog.Logger) func(cache.ReloadEvent) {
	return func(ev cache.ReloadEvent) {
		msg := reloadedEvent{
			Success:    ev.Err == nil,
			DurationMs: ev.Duration.Milliseconds(),
			Stats:      ev.Stats,
		}
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
		if err := natsutil.Publish(context.Background(), nc, subject, msg); err != nil {
			logger.Warn("publishing reload event failed", "subject", subject, "err", err)
		}
	}
}
