package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/localstore"
	"github.com/MarcoPoloResearchLab/qasync/internal/notify"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote/remotetest"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1700000000000).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type prefixedIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *prefixedIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(event notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type device struct {
	engine    *Engine
	store     *localstore.Store
	publisher *recordingPublisher
}

func newDevice(t *testing.T, name string, service remote.Service, clock *testClock) device {
	t.Helper()
	return newScheduledDevice(t, name, service, clock, 0)
}

func newScheduledDevice(t *testing.T, name string, service remote.Service, clock *testClock, interval time.Duration) device {
	t.Helper()

	dsn := fmt.Sprintf("file:syncengine_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := localstore.Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	store, err := localstore.NewStore(localstore.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	directory := remote.NewDirectory()
	directory.Register(records.DefaultCategory, service)
	publisher := &recordingPublisher{}

	engine, err := NewEngine(Config{
		Store:      store,
		Remotes:    directory,
		Publisher:  publisher,
		IDProvider: &prefixedIDs{prefix: name},
		Interval:   interval,
		MaxRetries: 3,
		BatchSize:  10,
		Clock:      clock.Now,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return device{engine: engine, store: store, publisher: publisher}
}

func putPending(t *testing.T, store *localstore.Store, localID string, clock *testClock) {
	t.Helper()
	payload := records.Payload{Question: "question " + localID, Answer: "answer " + localID, Class: records.ClassStandard}
	record := records.Record{
		LocalID:   records.LocalID(localID),
		Category:  records.DefaultCategory,
		Payload:   payload,
		SizeBytes: payload.EncodedSize(),
		CachedAt:  clock.Now(),
	}
	if err := store.Put(context.Background(), record); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func mustGet(t *testing.T, store *localstore.Store, localID records.LocalID) records.Record {
	t.Helper()
	record, err := store.Get(context.Background(), localID)
	if err != nil {
		t.Fatalf("failed to load %s: %v", localID, err)
	}
	return record
}

func unavailable() error {
	return fmt.Errorf("%w: connection reset", records.ErrRemoteUnavailable)
}

func TestPushIsIdempotentWhenReplyIsLost(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()
	putPending(t, deviceA.store, "c1", clock)

	memory.Err = unavailable()
	memory.DropBulkResponse = true
	if !deviceA.engine.SyncAll(ctx) {
		t.Fatalf("expected round to run")
	}
	if memory.Len() != 1 {
		t.Fatalf("expected remote to have stored the batch, got %d", memory.Len())
	}
	afterFailure := mustGet(t, deviceA.store, "c1")
	if afterFailure.IsSynced() || afterFailure.SyncAttempts != 1 || afterFailure.SyncError == "" {
		t.Fatalf("expected failed attempt bookkeeping, got %#v", afterFailure)
	}

	memory.Err = nil
	memory.DropBulkResponse = false
	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)

	if memory.Len() != 1 {
		t.Fatalf("expected retried push to be deduplicated, remote has %d records", memory.Len())
	}
	synced := mustGet(t, deviceA.store, "c1")
	if !synced.IsSynced() || synced.SyncAttempts != 0 || synced.SyncError != "" {
		t.Fatalf("expected synced record with cleared bookkeeping, got %#v", synced)
	}
	stored, ok := memory.Get(synced.RemoteID)
	if !ok || stored.LocalID != "c1" {
		t.Fatalf("expected remote record for c1, got %#v", stored)
	}
}

func TestEditAfterLostCreateReplyReachesRemote(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()
	putPending(t, deviceA.store, "c1", clock)

	memory.Err = unavailable()
	memory.DropBulkResponse = true
	deviceA.engine.SyncAll(ctx)
	if memory.Len() != 1 {
		t.Fatalf("expected remote to hold the original create, got %d", memory.Len())
	}

	edited := mustGet(t, deviceA.store, "c1")
	edited.Payload.Answer = "edited answer"
	edited.SizeBytes = edited.Payload.EncodedSize()
	edited.Dirty = true
	if err := deviceA.store.Put(ctx, edited); err != nil {
		t.Fatalf("failed to store local edit: %v", err)
	}

	memory.Err = nil
	memory.DropBulkResponse = false
	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)

	synced := mustGet(t, deviceA.store, "c1")
	if !synced.IsSynced() || synced.Dirty || synced.Payload.Answer != "edited answer" {
		t.Fatalf("expected clean synced local edit, got %#v", synced)
	}
	stored, ok := memory.Get(synced.RemoteID)
	if !ok || stored.Payload.Answer != "edited answer" {
		t.Fatalf("expected remote to carry the edit, got %#v", stored)
	}
	if memory.Len() != 1 || memory.CallCount("update") != 1 {
		t.Fatalf("expected one record updated once, got len=%d updates=%d", memory.Len(), memory.CallCount("update"))
	}

	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)
	if again := mustGet(t, deviceA.store, "c1"); again.Dirty || again.Payload.Answer != "edited answer" {
		t.Fatalf("expected edit to survive the next round, got %#v", again)
	}
	if memory.CallCount("update") != 1 {
		t.Fatalf("expected no further updates, got %d", memory.CallCount("update"))
	}
}

func TestPullAdoptsEchoedLocalIDOfPendingRecord(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()

	putPending(t, deviceA.store, "c1", clock)
	pending := mustGet(t, deviceA.store, "c1")
	pending.SyncAttempts = 3
	if err := deviceA.store.Put(ctx, pending); err != nil {
		t.Fatalf("failed to exhaust record: %v", err)
	}
	remoteID, err := memory.Create(ctx, pending.Payload, "c1")
	if err != nil {
		t.Fatalf("failed to seed remote: %v", err)
	}

	deviceA.engine.SyncAll(ctx)

	adopted := mustGet(t, deviceA.store, "c1")
	if adopted.RemoteID != remoteID || adopted.SyncAttempts != 0 || adopted.Dirty {
		t.Fatalf("expected pending record to adopt %s, got %#v", remoteID, adopted)
	}
	all, err := deviceA.store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected no duplicate materialization, got %d records", len(all))
	}
}

func TestPullIsLastWriteWinsAndMonotonic(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()

	t1 := clock.Now().Add(time.Minute)
	t2 := t1.Add(time.Minute)
	first := remote.RemoteRecord{RemoteID: "r1", Payload: records.Payload{Question: "q", Answer: "v1"}, UpdatedAt: t1}
	second := remote.RemoteRecord{RemoteID: "r1", Payload: records.Payload{Question: "q", Answer: "v2"}, UpdatedAt: t2}

	if _, err := deviceA.engine.reconcile(ctx, records.DefaultCategory, first); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	changed, err := deviceA.engine.reconcile(ctx, records.DefaultCategory, second)
	if err != nil || !changed {
		t.Fatalf("expected newer version to apply, changed=%v err=%v", changed, err)
	}
	changed, err = deviceA.engine.reconcile(ctx, records.DefaultCategory, first)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if changed {
		t.Fatalf("expected stale version to be a no-op")
	}
	changed, _ = deviceA.engine.reconcile(ctx, records.DefaultCategory, second)
	if changed {
		t.Fatalf("expected equal version to be a no-op")
	}

	local, found, err := deviceA.store.GetByRemoteID(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("expected materialized record, found=%v err=%v", found, err)
	}
	if local.Payload.Answer != "v2" {
		t.Fatalf("expected newest payload, got %q", local.Payload.Answer)
	}
	if local.SyncedAt == nil || !local.SyncedAt.Equal(t2) {
		t.Fatalf("expected synced at remote update time %v, got %v", t2, local.SyncedAt)
	}
}

func TestRetryExhaustionExcludesRecordFromPush(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()
	putPending(t, deviceA.store, "c1", clock)

	memory.Err = unavailable()
	for round := 0; round < 3; round++ {
		deviceA.engine.SyncAll(ctx)
	}
	if memory.CallCount("bulk_create") != 3 {
		t.Fatalf("expected 3 push attempts, got %d", memory.CallCount("bulk_create"))
	}

	deviceA.engine.SyncAll(ctx)
	if memory.CallCount("bulk_create") != 3 {
		t.Fatalf("expected exhausted record to be skipped, got %d push attempts", memory.CallCount("bulk_create"))
	}

	status, err := deviceA.engine.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.FailedCount != 1 || status.UnsyncedCount != 0 {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.LastSync != nil {
		t.Fatalf("expected no watermark after failed rounds")
	}
}

type blockingService struct {
	*remotetest.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingService) BulkCreate(ctx context.Context, items []remote.BulkItem) ([]remote.BulkResult, error) {
	close(b.entered)
	<-b.release
	return b.Memory.BulkCreate(ctx, items)
}

func TestSyncAllIsSingleFlight(t *testing.T) {
	clock := newTestClock()
	service := &blockingService{
		Memory:  remotetest.NewMemory(records.DefaultCategory, clock.Now),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	deviceA := newDevice(t, "a", service, clock)
	ctx := context.Background()
	putPending(t, deviceA.store, "c1", clock)

	done := make(chan bool)
	go func() {
		done <- deviceA.engine.SyncAll(ctx)
	}()

	select {
	case <-service.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first round never reached push")
	}

	if deviceA.engine.SyncAll(ctx) {
		t.Fatalf("expected overlapping round to be refused")
	}
	status, err := deviceA.engine.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.IsSyncing {
		t.Fatalf("expected status to report an in-flight round")
	}

	close(service.release)
	if ran := <-done; !ran {
		t.Fatalf("expected first round to run")
	}
	if service.CallCount("bulk_create") != 1 {
		t.Fatalf("expected exactly one push, got %d", service.CallCount("bulk_create"))
	}
}

func TestTwoDevicesConvergeOnOneRemoteRecord(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	deviceB := newDevice(t, "b", memory, clock)
	ctx := context.Background()

	putPending(t, deviceA.store, "c1", clock)
	deviceA.engine.SyncAll(ctx)
	onA := mustGet(t, deviceA.store, "c1")
	if !onA.IsSynced() {
		t.Fatalf("expected device A record to be pushed")
	}

	clock.Advance(time.Second)
	deviceB.engine.SyncAll(ctx)
	onB, found, err := deviceB.store.GetByRemoteID(ctx, onA.RemoteID)
	if err != nil || !found {
		t.Fatalf("expected device B to materialize %s, found=%v err=%v", onA.RemoteID, found, err)
	}
	if onB.SyncedAt == nil {
		t.Fatalf("expected materialized record to be synced")
	}

	clock.Advance(time.Second)
	deviceA.engine.SyncAll(ctx)
	deviceB.engine.SyncAll(ctx)

	if memory.Len() != 1 {
		t.Fatalf("expected one remote record, got %d", memory.Len())
	}
	if memory.CallCount("bulk_create") != 1 {
		t.Fatalf("expected later rounds to push nothing, got %d bulk creates", memory.CallCount("bulk_create"))
	}
	for _, store := range []*localstore.Store{deviceA.store, deviceB.store} {
		all, err := store.List(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(all) != 1 || all[0].RemoteID != onA.RemoteID {
			t.Fatalf("expected exactly one record referencing %s, got %#v", onA.RemoteID, all)
		}
	}
}

func TestPullSkipsLocallyDeletedRecords(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()

	putPending(t, deviceA.store, "c1", clock)
	deviceA.engine.SyncAll(ctx)
	if err := deviceA.store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := deviceA.store.DeleteSetting(ctx, SettingLastSyncTimestamp); err != nil {
		t.Fatalf("failed to clear watermark: %v", err)
	}

	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)

	all, err := deviceA.store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected deleted record to stay deleted, got %#v", all)
	}
}

func TestWatermarkAdvancesOnlyAfterCleanRound(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()

	memory.Err = unavailable()
	deviceA.engine.SyncAll(ctx)
	status, _ := deviceA.engine.GetSyncStatus(ctx)
	if status.LastSync != nil {
		t.Fatalf("expected no watermark after failed round")
	}

	memory.Err = nil
	roundStart := clock.Now()
	deviceA.engine.SyncAll(ctx)
	status, _ = deviceA.engine.GetSyncStatus(ctx)
	if status.LastSync == nil || !status.LastSync.Equal(roundStart) {
		t.Fatalf("expected watermark %v, got %v", roundStart, status.LastSync)
	}
	if memory.CallCount("list") != 2 {
		t.Fatalf("expected both rounds without a watermark to request the full set, got %d", memory.CallCount("list"))
	}

	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)
	if memory.CallCount("list_since") != 1 {
		t.Fatalf("expected incremental pull after watermark was set")
	}
	if deviceA.publisher.count() != 6 {
		t.Fatalf("expected start and end status events for 3 rounds, got %d", deviceA.publisher.count())
	}
}

func TestDirtyUpdatesArePushed(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)
	ctx := context.Background()

	putPending(t, deviceA.store, "c1", clock)
	deviceA.engine.SyncAll(ctx)

	record := mustGet(t, deviceA.store, "c1")
	record.Payload.Answer = "edited offline"
	record.Dirty = true
	if err := deviceA.store.Put(ctx, record); err != nil {
		t.Fatalf("failed to store edit: %v", err)
	}

	clock.Advance(time.Minute)
	deviceA.engine.SyncAll(ctx)

	stored, _ := memory.Get(record.RemoteID)
	if stored.Payload.Answer != "edited offline" {
		t.Fatalf("expected remote to receive edit, got %q", stored.Payload.Answer)
	}
	if mustGet(t, deviceA.store, "c1").Dirty {
		t.Fatalf("expected dirty flag to be cleared")
	}
}

type panickingService struct {
	*remotetest.Memory
}

func (panickingService) ListMine(context.Context) ([]remote.RemoteRecord, error) {
	panic("list exploded")
}

func TestPanicInRoundReleasesGuard(t *testing.T) {
	clock := newTestClock()
	deviceA := newDevice(t, "a", panickingService{Memory: remotetest.NewMemory(records.DefaultCategory, clock.Now)}, clock)
	ctx := context.Background()

	if !deviceA.engine.SyncAll(ctx) {
		t.Fatalf("expected first round to run")
	}
	if !deviceA.engine.SyncAll(ctx) {
		t.Fatalf("expected guard to be released after panic")
	}
	status, err := deviceA.engine.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.IsSyncing || status.LastSync != nil {
		t.Fatalf("unexpected status after panicking rounds %#v", status)
	}
}

func TestReconnectTriggersRound(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newDevice(t, "a", memory, clock)

	deviceA.engine.Start(context.Background())
	defer deviceA.engine.Stop()
	waitForCalls(t, memory, "list", 1)

	deviceA.engine.NotifyConnectivity(false)
	deviceA.engine.NotifyConnectivity(true)
	waitForCalls(t, memory, "list_since", 1)

	deviceA.engine.OnUserSignedOut()
	if deviceA.engine.IsRunning() {
		t.Fatalf("expected sign out to stop the engine")
	}
}

func TestStopWaitsForInFlightRound(t *testing.T) {
	clock := newTestClock()
	service := &blockingService{
		Memory:  remotetest.NewMemory(records.DefaultCategory, clock.Now),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	deviceA := newDevice(t, "a", service, clock)
	putPending(t, deviceA.store, "c1", clock)

	deviceA.engine.Start(context.Background())
	select {
	case <-service.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("round never reached push")
	}

	stopped := make(chan struct{})
	go func() {
		deviceA.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("expected Stop to wait for the in-flight round")
	case <-time.After(50 * time.Millisecond):
	}

	close(service.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the round finished")
	}

	if deviceA.engine.IsRunning() {
		t.Fatalf("expected engine stopped")
	}
	synced := mustGet(t, deviceA.store, "c1")
	if !synced.IsSynced() {
		t.Fatalf("expected round started before Stop to persist its push, got %#v", synced)
	}
	status, err := deviceA.engine.GetSyncStatus(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.LastSync == nil || status.IsSyncing {
		t.Fatalf("expected completed round with watermark, got %#v", status)
	}
}

func TestTickerRunsPeriodicRounds(t *testing.T) {
	clock := newTestClock()
	memory := remotetest.NewMemory(records.DefaultCategory, clock.Now)
	deviceA := newScheduledDevice(t, "a", memory, clock, 10*time.Millisecond)

	deviceA.engine.Start(context.Background())
	defer deviceA.engine.Stop()

	waitForCalls(t, memory, "list", 1)
	waitForCalls(t, memory, "list_since", 2)
}

func waitForCalls(t *testing.T, memory *remotetest.Memory, operation string, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for memory.CallCount(operation) < expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s calls, got %d", expected, operation, memory.CallCount(operation))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	_, err := NewEngine(Config{})
	if !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}
