package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/agent"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

func TestRenderRecordsReportsSyncState(t *testing.T) {
	syncedAt := time.Now().UTC()
	cached := []records.Record{
		{LocalID: "a", RemoteID: "r1", Category: "qa", SyncedAt: &syncedAt, CachedAt: syncedAt, Payload: records.Payload{Question: "synced one"}},
		{LocalID: "b", Category: "qa", SyncAttempts: 1, CachedAt: syncedAt, Payload: records.Payload{Question: "pending one"}},
		{LocalID: "c", Category: "qa", SyncAttempts: 3, CachedAt: syncedAt, Payload: records.Payload{Question: "failed one"}},
		{LocalID: "d", RemoteID: "r2", Category: "qa", Dirty: true, CachedAt: syncedAt, Payload: records.Payload{Question: "edited one"}},
	}
	var out bytes.Buffer
	if err := renderRecords(&out, cached, 3); err != nil {
		t.Fatalf("render: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header and 4 rows, got %q", out.String())
	}
	wantStates := []agent.SyncState{agent.SyncStateSynced, agent.SyncStatePending, agent.SyncStateFailed, agent.SyncStatePending}
	for index, want := range wantStates {
		fields := strings.Fields(lines[index+1])
		if fields[2] != string(want) {
			t.Fatalf("row %d: expected state %s, got %q", index, want, lines[index+1])
		}
	}
}

func TestRenderStatusAndQuota(t *testing.T) {
	var out bytes.Buffer
	status := records.SyncStatus{UnsyncedCount: 1234, FailedCount: 2}
	if err := renderStatus(&out, agent.Reply{Status: &status}); err != nil {
		t.Fatalf("render status: %v", err)
	}
	snapshot := records.QuotaSnapshot{UsedBytes: 1 << 20, TotalBytes: 1 << 30, PercentageUsed: 0.1}
	if err := renderQuota(&out, agent.Reply{Quota: &snapshot}); err != nil {
		t.Fatalf("render quota: %v", err)
	}
	text := out.String()
	for _, want := range []string{"last sync: never", "unsynced: 1,234", "failed: 2", "storage: 1.0 MiB of 1.0 GiB"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestRenderRecordPrintsOneRecord(t *testing.T) {
	var out bytes.Buffer
	record := records.Record{LocalID: "a", Category: "qa", Payload: records.Payload{Question: "what is a rune"}}
	if err := renderRecord(&out, agent.Reply{Record: &record}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out.String(), "what is a rune") {
		t.Fatalf("expected question in %q", out.String())
	}
	out.Reset()
	if err := renderRecord(&out, agent.Reply{}); err != nil || out.Len() != 0 {
		t.Fatalf("expected empty output for a reply without record, got %q %v", out.String(), err)
	}
}

func TestTruncateCollapsesWhitespace(t *testing.T) {
	if got := truncate("what  is\n go", 20); got != "what is go" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("unexpected %q", got)
	}
}
