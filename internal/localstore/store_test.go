package localstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"go.uber.org/zap"
)

var testNow = time.UnixMilli(1700000000123).UTC()

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:localstore_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	store, err := NewStore(Config{
		Database: db,
		Clock:    func() time.Time { return testNow },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func pendingRecord(localID string, cachedAt time.Time) records.Record {
	payload := records.Payload{Question: "q-" + localID, Answer: "a-" + localID, CapturedAt: cachedAt, Class: records.ClassStandard}
	return records.Record{
		LocalID:   records.LocalID(localID),
		Category:  records.DefaultCategory,
		Payload:   payload,
		SizeBytes: payload.EncodedSize(),
		CachedAt:  cachedAt,
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(Config{})
	if records.ErrorCode(err) != "localstore.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestPutAndGetRoundTripsMillisecondTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := pendingRecord("local-1", testNow)
	record.SyncError = "offline"
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	loaded, err := store.Get(ctx, "local-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !loaded.CachedAt.Equal(testNow) {
		t.Fatalf("expected cached at %v, got %v", testNow, loaded.CachedAt)
	}
	if loaded.IsSynced() {
		t.Fatalf("expected record without remote id")
	}
	if loaded.SyncError != "offline" {
		t.Fatalf("unexpected sync error %q", loaded.SyncError)
	}
	if loaded.Payload.Question != "q-local-1" {
		t.Fatalf("unexpected payload %#v", loaded.Payload)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPendingPushHonoursRetryBudgetAndBatchSize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for index := 0; index < 4; index++ {
		record := pendingRecord(fmt.Sprintf("local-%d", index), testNow.Add(time.Duration(index)*time.Second))
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	exhausted := pendingRecord("local-exhausted", testNow)
	exhausted.SyncAttempts = 3
	if err := store.Put(ctx, exhausted); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	synced := pendingRecord("local-synced", testNow)
	synced.RemoteID = "remote-synced"
	if err := store.Put(ctx, synced); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	candidates, err := store.ListPendingPush(ctx, records.DefaultCategory, 3, 3)
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(candidates))
	}
	if candidates[0].LocalID != "local-0" {
		t.Fatalf("expected oldest record first, got %s", candidates[0].LocalID)
	}
	for _, candidate := range candidates {
		if candidate.LocalID == "local-exhausted" || candidate.LocalID == "local-synced" {
			t.Fatalf("unexpected candidate %s", candidate.LocalID)
		}
	}

	unsynced, err := store.CountUnsynced(ctx, 3)
	if err != nil {
		t.Fatalf("count unsynced failed: %v", err)
	}
	if unsynced != 4 {
		t.Fatalf("expected 4 unsynced, got %d", unsynced)
	}
	failed, err := store.CountFailed(ctx, 3)
	if err != nil {
		t.Fatalf("count failed failed: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed, got %d", failed)
	}
}

func TestMarkPushFailedThenPushedResetsBookkeeping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("local-1", testNow)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ids := []records.LocalID{"local-1"}
	if err := store.MarkPushFailed(ctx, ids, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkPushFailed(ctx, ids, "timeout again"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	failed, err := store.Get(ctx, "local-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if failed.SyncAttempts != 2 || failed.SyncError != "timeout again" {
		t.Fatalf("unexpected bookkeeping: attempts=%d error=%q", failed.SyncAttempts, failed.SyncError)
	}

	syncedAt := testNow.Add(time.Minute)
	if err := store.MarkPushed(ctx, "local-1", "remote-1", syncedAt); err != nil {
		t.Fatalf("mark pushed failed: %v", err)
	}
	pushed, err := store.Get(ctx, "local-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if pushed.RemoteID != "remote-1" || pushed.SyncAttempts != 0 || pushed.SyncError != "" {
		t.Fatalf("expected cleared bookkeeping, got %#v", pushed)
	}
	if pushed.SyncedAt == nil || !pushed.SyncedAt.Equal(syncedAt) {
		t.Fatalf("unexpected synced at %v", pushed.SyncedAt)
	}

	byRemote, found, err := store.GetByRemoteID(ctx, "remote-1")
	if err != nil || !found {
		t.Fatalf("expected lookup by remote id, found=%v err=%v", found, err)
	}
	if byRemote.LocalID != "local-1" {
		t.Fatalf("unexpected local id %s", byRemote.LocalID)
	}
}

func TestResetExhaustedRestoresRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := pendingRecord("local-1", testNow)
	record.SyncAttempts = 5
	if err := store.Put(ctx, record); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reset, err := store.ResetExhausted(ctx, 3)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected one reset record, got %d", reset)
	}
	candidates, err := store.ListPendingPush(ctx, records.DefaultCategory, 3, 10)
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected reset record to be pending again")
	}
}

func TestDeleteLeavesTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	synced := pendingRecord("local-1", testNow)
	synced.RemoteID = "remote-1"
	if err := store.Put(ctx, synced); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, pendingRecord("local-2", testNow)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := store.Delete(ctx, "local-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "local-2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting unknown record should succeed: %v", err)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty store, got %d records", len(remaining))
	}
	tombstoned, err := store.IsTombstoned(ctx, "remote-1", "")
	if err != nil {
		t.Fatalf("tombstone lookup failed: %v", err)
	}
	if !tombstoned {
		t.Fatalf("expected tombstone for remote-1")
	}
	tombstoned, err = store.IsTombstoned(ctx, "remote-assigned-later", "local-2")
	if err != nil {
		t.Fatalf("tombstone lookup failed: %v", err)
	}
	if !tombstoned {
		t.Fatalf("expected tombstone matched by echoed local id")
	}
	tombstoned, err = store.IsTombstoned(ctx, "remote-other", "local-other")
	if err != nil {
		t.Fatalf("tombstone lookup failed: %v", err)
	}
	if tombstoned {
		t.Fatalf("unexpected tombstone match")
	}
}

func TestSweepEvictsOnlyCleanSyncedRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := testNow.Add(-48 * time.Hour)

	clean := pendingRecord("clean", old)
	clean.RemoteID = "remote-clean"
	dirty := pendingRecord("dirty", old)
	dirty.RemoteID = "remote-dirty"
	dirty.Dirty = true
	pending := pendingRecord("pending", old)
	fresh := pendingRecord("fresh", testNow)
	fresh.RemoteID = "remote-fresh"
	for _, record := range []records.Record{clean, dirty, pending, fresh} {
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	result, err := store.Sweep(ctx, testNow.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Records != 1 {
		t.Fatalf("expected one evicted record, got %d", result.Records)
	}
	if _, err := store.Get(ctx, "clean"); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected clean record to be evicted, got %v", err)
	}
	for _, localID := range []records.LocalID{"dirty", "pending", "fresh"} {
		if _, err := store.Get(ctx, localID); err != nil {
			t.Fatalf("expected %s to survive sweep: %v", localID, err)
		}
	}
}

func TestSettingsLastValueWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetSetting(ctx, "last_sync_timestamp_ms"); err != nil || found {
		t.Fatalf("expected missing setting, found=%v err=%v", found, err)
	}
	if err := store.PutSetting(ctx, "last_sync_timestamp_ms", "1"); err != nil {
		t.Fatalf("put setting failed: %v", err)
	}
	if err := store.PutSetting(ctx, "last_sync_timestamp_ms", "2"); err != nil {
		t.Fatalf("put setting failed: %v", err)
	}
	value, found, err := store.GetSetting(ctx, "last_sync_timestamp_ms")
	if err != nil || !found {
		t.Fatalf("expected stored setting, found=%v err=%v", found, err)
	}
	if value != "2" {
		t.Fatalf("expected latest value, got %q", value)
	}
	if err := store.DeleteSetting(ctx, "last_sync_timestamp_ms"); err != nil {
		t.Fatalf("delete setting failed: %v", err)
	}
	if _, found, _ := store.GetSetting(ctx, "last_sync_timestamp_ms"); found {
		t.Fatalf("expected setting to be removed")
	}
}
