// Package remotetest provides an in-memory remote.Service for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
)

// Memory stores remote records in a map. Shared between several clients it behaves like one
// account seen from several devices.
type Memory struct {
	mu       sync.Mutex
	category records.Category
	clock    func() time.Time
	nextID   int
	byRemote map[records.RemoteID]*remote.RemoteRecord
	byLocal  map[records.LocalID]records.RemoteID

	// Err, when set, is returned by every call.
	Err error
	// DropBulkResponse stores a bulk batch but returns Err afterwards, simulating a lost reply.
	DropBulkResponse bool

	Calls map[string]int
}

// NewMemory constructs an empty Memory for a category. clock stamps UpdatedAt.
func NewMemory(category records.Category, clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		category: category,
		clock:    clock,
		byRemote: make(map[records.RemoteID]*remote.RemoteRecord),
		byLocal:  make(map[records.LocalID]records.RemoteID),
		Calls:    make(map[string]int),
	}
}

// SetClock replaces the clock used for UpdatedAt.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRemote)
}

// Get returns a stored record.
func (m *Memory) Get(remoteID records.RemoteID) (remote.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byRemote[remoteID]
	if !ok {
		return remote.RemoteRecord{}, false
	}
	return *stored, true
}

// CallCount returns how often an operation was invoked.
func (m *Memory) CallCount(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[operation]
}

func (m *Memory) Create(_ context.Context, payload records.Payload, localID records.LocalID) (records.RemoteID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["create"]++
	if m.Err != nil {
		return "", m.Err
	}
	remoteID, _ := m.insertLocked(localID, payload)
	return remoteID, nil
}

func (m *Memory) BulkCreate(_ context.Context, items []remote.BulkItem) ([]remote.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["bulk_create"]++
	if m.Err != nil && !m.DropBulkResponse {
		return nil, m.Err
	}
	results := make([]remote.BulkResult, 0, len(items))
	for _, item := range items {
		remoteID, created := m.insertLocked(item.LocalID, item.Payload)
		status := remote.BulkStatusSkipped
		if created {
			status = remote.BulkStatusCreated
		}
		results = append(results, remote.BulkResult{LocalID: item.LocalID, RemoteID: remoteID, Status: status})
	}
	if m.DropBulkResponse {
		return nil, m.Err
	}
	return results, nil
}

func (m *Memory) ListMine(_ context.Context) ([]remote.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["list"]++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.listLocked(time.Time{}), nil
}

func (m *Memory) ListMineUpdatedSince(_ context.Context, since time.Time) ([]remote.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["list_since"]++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.listLocked(since), nil
}

func (m *Memory) Update(_ context.Context, remoteID records.RemoteID, patch records.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["update"]++
	if m.Err != nil {
		return m.Err
	}
	stored, ok := m.byRemote[remoteID]
	if !ok {
		return fmt.Errorf("%w: unknown remote id %s", records.ErrRemoteRejected, remoteID)
	}
	stored.Payload = patch.Apply(stored.Payload)
	stored.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *Memory) Remove(_ context.Context, remoteID records.RemoteID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["remove"]++
	if m.Err != nil {
		return m.Err
	}
	if stored, ok := m.byRemote[remoteID]; ok {
		delete(m.byLocal, stored.LocalID)
		delete(m.byRemote, remoteID)
	}
	return nil
}

func (m *Memory) insertLocked(localID records.LocalID, payload records.Payload) (records.RemoteID, bool) {
	if existing, ok := m.byLocal[localID]; ok && localID != "" {
		return existing, false
	}
	m.nextID++
	remoteID := records.RemoteID(fmt.Sprintf("remote-%d", m.nextID))
	m.byRemote[remoteID] = &remote.RemoteRecord{
		RemoteID:  remoteID,
		LocalID:   localID,
		Category:  m.category,
		Payload:   payload,
		UpdatedAt: m.clock().UTC(),
	}
	if localID != "" {
		m.byLocal[localID] = remoteID
	}
	return remoteID, true
}

func (m *Memory) listLocked(since time.Time) []remote.RemoteRecord {
	result := make([]remote.RemoteRecord, 0, len(m.byRemote))
	for _, stored := range m.byRemote {
		if !since.IsZero() && stored.UpdatedAt.Before(since) {
			continue
		}
		result = append(result, *stored)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RemoteID < result[j].RemoteID
	})
	return result
}
