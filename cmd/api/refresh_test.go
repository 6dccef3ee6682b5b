package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/alejomeek/productos-railway-api/engine/cache"
	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/pkg/natsutil"
)

func startTestNATS(t *testing.T) (*natsserver.Server, *nats.Conn) {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return srv, nc
}

func TestRefresherCountsOutcomes(t *testing.T) {
	f := newFixture(t)
	r := f.srv.refresher

	if _, err := r.reload(context.Background(), triggerCron); err != nil {
		t.Fatal(err)
	}
	f.emb.set(nil, errors.New("scroll failed"))
	if _, err := r.reload(context.Background(), triggerCron); !errors.Is(err, catalog.ErrRefreshFailure) {
		t.Fatalf("err = %v", err)
	}

	out := f.reg.Render()
	for _, want := range []string{
		`productos_cache_reloads_total{result="ok",trigger="cron"} 1`,
		`productos_cache_reloads_total{result="error",trigger="cron"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRefresherTimeout(t *testing.T) {
	f := newFixture(t)
	f.emb.gate = make(chan struct{})
	f.srv.refresher.timeout = 20 * time.Millisecond

	_, err := f.srv.refresher.reload(context.Background(), triggerStartup)
	if !errors.Is(err, catalog.ErrInitialLoad) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestInitialLoadWaitsForRunningReload(t *testing.T) {
	f := newFixture(t)
	f.emb.gate = make(chan struct{})
	initialLoadPoll = 5 * time.Millisecond
	t.Cleanup(func() { initialLoadPoll = 100 * time.Millisecond })

	refreshDone := make(chan error, 1)
	go func() {
		_, err := f.srv.refresher.reload(context.Background(), triggerHTTP)
		refreshDone <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.emb.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh never started")
		}
		time.Sleep(time.Millisecond)
	}

	loadDone := make(chan error, 1)
	go func() { loadDone <- f.srv.refresher.initialLoad(context.Background()) }()

	select {
	case err := <-loadDone:
		t.Fatalf("initialLoad returned %v while a reload was running", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(f.emb.gate)

	if err := <-refreshDone; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case err := <-loadDone:
		if err != nil {
			t.Fatalf("initialLoad: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initialLoad did not return")
	}
	if f.srv.coord.Current() == nil {
		t.Fatal("no snapshot published")
	}
}

func TestInitialLoadRetriesAfterFailedReload(t *testing.T) {
	f := newFixture(t)
	f.emb.gate = make(chan struct{})
	initialLoadPoll = 5 * time.Millisecond
	t.Cleanup(func() { initialLoadPoll = 100 * time.Millisecond })

	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	refreshDone := make(chan error, 1)
	go func() {
		_, err := f.srv.refresher.reload(refreshCtx, triggerHTTP)
		refreshDone <- err
	}()
	for f.emb.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	loadDone := make(chan error, 1)
	go func() { loadDone <- f.srv.refresher.initialLoad(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelRefresh()
	if err := <-refreshDone; !errors.Is(err, catalog.ErrInitialLoad) {
		t.Fatalf("refresh err = %v", err)
	}
	close(f.emb.gate)

	select {
	case err := <-loadDone:
		if err != nil {
			t.Fatalf("initialLoad: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initialLoad did not return")
	}
	if f.srv.coord.Current() == nil {
		t.Fatal("no snapshot published")
	}
}

func TestSubscribeRefresh(t *testing.T) {
	_, nc := startTestNATS(t)
	f := newFixture(t)

	sub, err := subscribeRefresh(nc, "catalog.refresh", f.srv.refresher)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := natsutil.Request[refreshRequest, refreshReply](ctx, nc, "catalog.refresh", refreshRequest{Reason: "master-database sync"})
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Success || reply.Stats == nil || reply.Stats.TotalEmbeddings != 4 {
		t.Fatalf("reply = %+v", reply)
	}
	if !f.srv.coord.Ready() {
		t.Fatal("cache not ready after nats refresh")
	}

	f.prods.set(nil, errors.New("neo4j down"))
	reply, err = natsutil.Request[refreshRequest, refreshReply](ctx, nc, "catalog.refresh", refreshRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Success || !strings.Contains(reply.Error, "neo4j down") {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestReloadPublisher(t *testing.T) {
	_, nc := startTestNATS(t)

	events := make(chan reloadedEvent, 2)
	sub, err := natsutil.Subscribe(nc, "catalog.reloaded", discardLogger(), func(_ context.Context, ev reloadedEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	publish := reloadPublisher(nc, "catalog.reloaded", discardLogger())
	publish(cache.ReloadEvent{Stats: catalog.Stats{TotalEmbeddings: 10, TotalProducts: 9}, Duration: 1500 * time.Millisecond})
	publish(cache.ReloadEvent{Err: errors.New("scroll failed")})

	for i, want := range []reloadedEvent{
		{Success: true, DurationMs: 1500, Stats: catalog.Stats{TotalEmbeddings: 10, TotalProducts: 9}},
		{Success: false, Error: "scroll failed"},
	} {
		select {
		case got := <-events:
			if got.Success != want.Success || got.Error != want.Error || got.DurationMs != want.DurationMs || got.Stats.TotalEmbeddings != want.Stats.TotalEmbeddings {
				t.Fatalf("event %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}
}

type lineSink chan string

func (s lineSink) Write(p []byte) (int, error) {
	s <- string(p)
	return len(p), nil
}

func TestWatchReloads(t *testing.T) {
	_, nc := startTestNATS(t)
	lines := make(lineSink, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- watchReloads(ctx, nc, "catalog.reloaded", lines, discardLogger()) }()
	for nc.NumSubscriptions() == 0 {
		time.Sleep(time.Millisecond)
	}

	publish := reloadPublisher(nc, "catalog.reloaded", discardLogger())
	publish(cache.ReloadEvent{Stats: catalog.Stats{TotalEmbeddings: 3}, Duration: 40 * time.Millisecond})
	publish(cache.ReloadEvent{Err: errors.New("neo4j down")})

	for _, want := range []string{`"success":true`, `"error":"neo4j down"`} {
		select {
		case line := <-lines:
			if !strings.Contains(line, want) || !strings.HasSuffix(line, "\n") {
				t.Fatalf("line %q does not contain %s", line, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no line containing %s", want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchReloads: %v", err)
	}
}

func TestStartScheduler(t *testing.T) {
	f := newFixture(t)
	if _, err := startScheduler("not a schedule", f.srv.refresher); err == nil {
		t.Fatal("expected error")
	}

	c, err := startScheduler("* * * * * *", f.srv.refresher)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for !strings.Contains(f.reg.Render(), `result="ok",trigger="cron"`) {
		select {
		case <-deadline:
			t.Fatal("scheduled reload did not run")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !f.srv.coord.Ready() {
		t.Fatal("cache not ready after scheduled reload")
	}
}
