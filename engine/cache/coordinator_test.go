package cache

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alejomeek/productos-railway-api/engine/catalog"
)

// fakeLoader returns its queued results in order; gate, when set, blocks
// each call until it is closed or receives.
type fakeLoader[T any] struct {
	mu      sync.Mutex
	results [][]T
	errs    []error
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeLoader[T]) Load(ctx context.Context) ([]T, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

func embeddings(ids ...string) []catalog.EmbeddingRecord {
	out := make([]catalog.EmbeddingRecord, len(ids))
	for i, id := range ids {
		out[i] = catalog.EmbeddingRecord{ID: id, Vector: []float32{1, 0}}
	}
	return out
}

func products(ids ...string) []catalog.ProductRecord {
	out := make([]catalog.ProductRecord, len(ids))
	for i, id := range ids {
		out[i] = catalog.ProductRecord{ID: id, Name: "p-" + id}
	}
	return out
}

func TestReload_Success(t *testing.T) {
	emb := &fakeLoader[catalog.EmbeddingRecord]{results: [][]catalog.EmbeddingRecord{embeddings("1", "2")}}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("1", "2", "3")}}
	loadedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var events []ReloadEvent
	c := New(NewStore(), emb, prod, Options{
		Now:      func() time.Time { return loadedAt },
		OnReload: func(e ReloadEvent) { events = append(events, e) },
	}, nil)

	if c.Ready() || c.Current() != nil {
		t.Fatal("coordinator ready before first load")
	}
	stats, err := c.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !c.Ready() || !stats.CacheReady {
		t.Error("not ready after successful reload")
	}
	if stats.TotalEmbeddings != 2 || stats.TotalProducts != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastUpdate == nil || !stats.LastUpdate.Equal(loadedAt) {
		t.Errorf("lastUpdate = %v", stats.LastUpdate)
	}
	if len(events) != 1 || events[0].Err != nil {
		t.Errorf("events = %+v", events)
	}
}

// The first load fails, nothing is ever served.
func TestReload_InitialFailure(t *testing.T) {
	loadErr := errors.New("connection refused")
	emb := &fakeLoader[catalog.EmbeddingRecord]{errs: []error{loadErr}}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("1")}}
	c := New(NewStore(), emb, prod, Options{}, nil)

	_, err := c.Reload(context.Background())
	if !errors.Is(err, catalog.ErrInitialLoad) {
		t.Fatalf("expected ErrInitialLoad, got %v", err)
	}
	if !errors.Is(err, loadErr) {
		t.Errorf("underlying error lost: %v", err)
	}
	if c.Ready() {
		t.Error("ready after failed initial load")
	}
	if c.Current() != nil {
		t.Error("snapshot published after failed initial load")
	}
}

// A later failure keeps the previous snapshot serving.
func TestReload_RefreshFailureKeepsSnapshot(t *testing.T) {
	emb := &fakeLoader[catalog.EmbeddingRecord]{
		results: [][]catalog.EmbeddingRecord{embeddings("1")},
		errs:    []error{nil, errors.New("boom")},
	}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("1"), products("1", "2")}}
	c := New(NewStore(), emb, prod, Options{}, nil)

	if _, err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := c.Current()

	stats, err := c.Reload(context.Background())
	if !errors.Is(err, catalog.ErrRefreshFailure) {
		t.Fatalf("expected ErrRefreshFailure, got %v", err)
	}
	if errors.Is(err, catalog.ErrInitialLoad) {
		t.Error("refresh failure reported as initial")
	}
	if !c.Ready() || !stats.CacheReady {
		t.Error("readiness lost after refresh failure")
	}
	if c.Current() != first {
		t.Error("snapshot replaced by failed refresh")
	}
	if stats.TotalProducts != 1 {
		t.Errorf("stats reflect failed load: %+v", stats)
	}
}

func TestReload_HeterogeneousDimensionsRejected(t *testing.T) {
	emb := &fakeLoader[catalog.EmbeddingRecord]{results: [][]catalog.EmbeddingRecord{{
		{ID: "1", Vector: []float32{1, 0}},
		{ID: "2", Vector: []float32{1, 0, 0}},
	}}}
	prod := &fakeLoader[catalog.ProductRecord]{}
	c := New(NewStore(), emb, prod, Options{}, nil)

	_, err := c.Reload(context.Background())
	if !errors.Is(err, catalog.ErrDimensionMismatch) || !errors.Is(err, catalog.ErrInitialLoad) {
		t.Fatalf("got %v", err)
	}
}

func TestReload_SecondCallRejected(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	emb := &fakeLoader[catalog.EmbeddingRecord]{results: [][]catalog.EmbeddingRecord{embeddings("1")}, gate: gate, started: started}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("1")}}
	c := New(NewStore(), emb, prod, Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Reload(context.Background())
		done <- err
	}()
	<-started

	if _, err := c.Reload(context.Background()); !errors.Is(err, catalog.ErrReloadInProgress) {
		t.Fatalf("expected ErrReloadInProgress, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first reload: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embeddings loaded %d times", emb.calls)
	}
}

func TestReload_ReadinessClearedDuringReload(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	emb := &fakeLoader[catalog.EmbeddingRecord]{results: [][]catalog.EmbeddingRecord{embeddings("1"), embeddings("1", "2")}}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("1"), products("1", "2")}}
	c := New(NewStore(), emb, prod, Options{}, nil)
	if _, err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	emb.gate, emb.started = gate, started
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Reload(context.Background())
	}()
	<-started
	if c.Ready() {
		t.Error("ready while reload in progress")
	}
	if c.Current() == nil {
		t.Error("snapshot withdrawn during reload")
	}
	close(gate)
	<-done
	if !c.Ready() || len(c.Current().Embeddings) != 2 {
		t.Error("second snapshot not published")
	}
}

// A reader that captured a snapshot keeps seeing it while a reload publishes
// a new one.
func TestSnapshotIsolation(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	emb := &fakeLoader[catalog.EmbeddingRecord]{results: [][]catalog.EmbeddingRecord{embeddings("old"), embeddings("new1", "new2")}}
	prod := &fakeLoader[catalog.ProductRecord]{results: [][]catalog.ProductRecord{products("old"), products("new1", "new2")}}
	c := New(NewStore(), emb, prod, Options{}, nil)
	if _, err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	captured := c.Current()

	emb.gate, emb.started = gate, started
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Reload(context.Background())
	}()
	<-started

	// Mid-reload the published snapshot is still the old one.
	if c.Current() != captured {
		t.Fatal("partial snapshot visible mid-reload")
	}
	close(gate)
	<-done

	for _, e := range captured.Embeddings {
		if _, ok := captured.Products[e.ID]; !ok || e.ID != "old" {
			t.Fatalf("captured snapshot mixed generations: %+v", captured)
		}
	}
	now := c.Current()
	if now == captured {
		t.Fatal("new snapshot not published")
	}
	for _, e := range now.Embeddings {
		if _, ok := now.Products[e.ID]; !ok {
			t.Fatalf("new snapshot inconsistent: %+v", now)
		}
	}
}

func TestReload_OneSideFailureCancelsOther(t *testing.T) {
	gate := make(chan struct{}) // never closed
	emb := &fakeLoader[catalog.EmbeddingRecord]{gate: gate}
	prod := &fakeLoader[catalog.ProductRecord]{errs: []error{errors.New("neo4j down")}}
	c := New(NewStore(), emb, prod, Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Reload(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, catalog.ErrInitialLoad) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not stop after a loader failed")
	}
}

func TestHeapMB(t *testing.T) {
	buf := make([]byte, 64<<20)
	for i := range buf {
		buf[i] = byte(i)
	}
	if mb := heapMB(); mb < 32 {
		t.Fatalf("heapMB = %d with 64 MiB live", mb)
	}
	runtime.KeepAlive(buf)
}
