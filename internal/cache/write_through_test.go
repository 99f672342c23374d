package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/localstore"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote/remotetest"
	"go.uber.org/zap"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("local-%d", s.next), nil
}

type stubAdmission struct {
	allow bool
	calls int
}

func (s *stubAdmission) CanSave(context.Context, int64, records.RecordClass) bool {
	s.calls++
	return s.allow
}

type cacheFixture struct {
	cache  *WriteThrough
	store  *localstore.Store
	remote *remotetest.Memory
	quota  *stubAdmission
}

func newCacheFixture(t *testing.T) cacheFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:cache_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := localstore.Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	clock := func() time.Time { return fixedNow }
	store, err := localstore.NewStore(localstore.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	memory := remotetest.NewMemory(records.DefaultCategory, clock)
	directory := remote.NewDirectory()
	directory.Register(records.DefaultCategory, memory)
	quota := &stubAdmission{allow: true}

	writeThrough, err := New(Config{
		Store:      store,
		Quota:      quota,
		Remotes:    directory,
		IDProvider: &sequentialIDs{},
		Clock:      clock,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cacheFixture{cache: writeThrough, store: store, remote: memory, quota: quota}
}

func samplePayload(question string) records.Payload {
	return records.Payload{Question: question, Answer: "answer to " + question}
}

func TestSaveRecordWritesThroughWhenOnline(t *testing.T) {
	fixture := newCacheFixture(t)
	ctx := context.Background()

	result, err := fixture.cache.SaveRecord(ctx, "", samplePayload("what is sync?"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if result.RemoteID == "" {
		t.Fatalf("expected remote id for online save")
	}

	stored, err := fixture.store.Get(ctx, result.LocalID)
	if err != nil {
		t.Fatalf("expected local mirror: %v", err)
	}
	if stored.RemoteID != result.RemoteID || stored.SyncedAt == nil {
		t.Fatalf("expected synced local record, got %#v", stored)
	}
	if stored.Payload.Class != records.ClassStandard {
		t.Fatalf("expected resolved class, got %q", stored.Payload.Class)
	}
	remoteRecord, ok := fixture.remote.Get(result.RemoteID)
	if !ok || remoteRecord.LocalID != result.LocalID {
		t.Fatalf("expected remote record echoing local id, got %#v", remoteRecord)
	}
}

func TestSaveRecordKeepsLocalCopyWhenRemoteUnavailable(t *testing.T) {
	fixture := newCacheFixture(t)
	fixture.remote.Err = fmt.Errorf("%w: connection refused", records.ErrRemoteUnavailable)
	ctx := context.Background()

	result, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("offline?"))
	if !records.IsPendingSync(err) {
		t.Fatalf("expected pending sync error, got %v", err)
	}
	if !errors.Is(err, records.ErrRemoteUnavailable) {
		t.Fatalf("expected unavailable cause, got %v", err)
	}

	stored, getErr := fixture.store.Get(ctx, result.LocalID)
	if getErr != nil {
		t.Fatalf("expected durable local record: %v", getErr)
	}
	if stored.IsSynced() || stored.SyncAttempts != 0 || stored.SyncError == "" {
		t.Fatalf("expected pending record with error, got %#v", stored)
	}
}

func TestSaveRecordDeniedByQuotaPersistsNothing(t *testing.T) {
	fixture := newCacheFixture(t)
	fixture.quota.allow = false
	ctx := context.Background()

	_, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("too big"))
	if !errors.Is(err, records.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	all, listErr := fixture.cache.GetAllCached(ctx)
	if listErr != nil {
		t.Fatalf("list failed: %v", listErr)
	}
	if len(all) != 0 {
		t.Fatalf("expected nothing cached, got %d", len(all))
	}
	if fixture.remote.CallCount("create") != 0 {
		t.Fatalf("expected no remote call after quota denial")
	}
}

func TestSaveRecordRejectsUnconfiguredCategory(t *testing.T) {
	fixture := newCacheFixture(t)
	_, err := fixture.cache.SaveRecord(context.Background(), "flashcards", samplePayload("q"))
	if !errors.Is(err, records.ErrInvalidCategory) {
		t.Fatalf("expected invalid category, got %v", err)
	}
}

func TestUpdateRecordMarksDirtyWhenRemoteFails(t *testing.T) {
	fixture := newCacheFixture(t)
	ctx := context.Background()

	saved, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("q"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	fixture.remote.Err = fmt.Errorf("%w: timeout", records.ErrRemoteUnavailable)
	answer := "edited offline"
	updated, err := fixture.cache.UpdateRecord(ctx, saved.LocalID, records.Patch{Answer: &answer})
	if !records.IsPendingSync(err) {
		t.Fatalf("expected pending sync error, got %v", err)
	}
	if !updated.Dirty || updated.Payload.Answer != answer {
		t.Fatalf("expected dirty local edit, got %#v", updated)
	}

	fixture.remote.Err = nil
	answer = "edited online"
	updated, err = fixture.cache.UpdateRecord(ctx, saved.LocalID, records.Patch{Answer: &answer})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Dirty || updated.SyncError != "" {
		t.Fatalf("expected clean record after remote update, got %#v", updated)
	}
	remoteRecord, _ := fixture.remote.Get(saved.RemoteID)
	if remoteRecord.Payload.Answer != answer {
		t.Fatalf("expected remote payload to be updated, got %q", remoteRecord.Payload.Answer)
	}
}

func TestUpdateRecordOfPendingRecordStaysLocalAndDirty(t *testing.T) {
	fixture := newCacheFixture(t)
	fixture.remote.Err = fmt.Errorf("%w: offline", records.ErrRemoteUnavailable)
	ctx := context.Background()

	saved, _ := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("q"))
	answer := "revised"
	updated, err := fixture.cache.UpdateRecord(ctx, saved.LocalID, records.Patch{Answer: &answer})
	if err != nil {
		t.Fatalf("update of pending record failed: %v", err)
	}
	if !updated.Dirty || updated.Payload.Answer != answer {
		t.Fatalf("expected edited pending record to be dirty, got %#v", updated)
	}
	if fixture.remote.CallCount("update") != 0 {
		t.Fatalf("expected no remote update for pending record")
	}
}

func TestGetRecordReadsCachedRecord(t *testing.T) {
	fixture := newCacheFixture(t)
	ctx := context.Background()

	saved, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("q"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	record, err := fixture.cache.GetRecord(ctx, saved.LocalID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.RemoteID != saved.RemoteID || record.Payload.Question != "q" {
		t.Fatalf("unexpected record %#v", record)
	}
	if _, err := fixture.cache.GetRecord(ctx, "unknown"); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRecordSucceedsLocallyWhenRemoteFails(t *testing.T) {
	fixture := newCacheFixture(t)
	ctx := context.Background()

	saved, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload("q"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	fixture.remote.Err = fmt.Errorf("%w: offline", records.ErrRemoteUnavailable)

	if err := fixture.cache.DeleteRecord(ctx, saved.LocalID); err != nil {
		t.Fatalf("expected local delete to succeed, got %v", err)
	}
	if _, err := fixture.store.Get(ctx, saved.LocalID); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected record to be gone locally, got %v", err)
	}
	tombstoned, err := fixture.store.IsTombstoned(ctx, saved.RemoteID, "")
	if err != nil || !tombstoned {
		t.Fatalf("expected tombstone, got %v %v", tombstoned, err)
	}
	if err := fixture.cache.DeleteRecord(ctx, saved.LocalID); err != nil {
		t.Fatalf("deleting twice should succeed: %v", err)
	}
}

func TestSearchCachedFiltersWithPredicate(t *testing.T) {
	fixture := newCacheFixture(t)
	ctx := context.Background()

	for _, question := range []string{"golang channels", "sqlite indexes", "golang generics"} {
		if _, err := fixture.cache.SaveRecord(ctx, records.DefaultCategory, samplePayload(question)); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	matches, err := fixture.cache.SearchCached(ctx, func(record records.Record) bool {
		return strings.Contains(record.Payload.Question, "golang")
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}
