package p2p

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, content string, ts time.Time) MemoryEntry {
	return MemoryEntry{
		ID:        id,
		Content:   content,
		EntryType: "message",
		Timestamp: ts,
	}
}

// fakeRequester records sync requests and replies with canned responses,
// one per call.
type fakeRequester struct {
	calls     []map[string]any
	responses []*Response
	err       error
}

func (f *fakeRequester) Request(ctx context.Context, peer *Peer, method, path string, body any, opts *RequestOptions) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, body.(map[string]any))
	resp := f.responses[len(f.calls)-1]
	return resp, nil
}

func syncablePeer() *Peer {
	return &Peer{
		PeerID:       "peer-1",
		Name:         "node-a",
		Host:         "10.0.0.1",
		Port:         8765,
		Status:       PeerStatusApproved,
		TrustLevel:   80,
		Capabilities: []PeerCapability{CapabilityContextSync},
	}
}

// --- checksums ---

func TestContextExport_Checksum(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	export := &ContextExport{
		PeerID:         "peer-1",
		Timestamp:      time.Now(),
		SessionEntries: []MemoryEntry{entry("e1", "hello", base)},
		Documents:      []map[string]any{},
		TaskHistory:    []map[string]any{},
	}

	sum := export.ComputeChecksum()
	assert.Len(t, sum, 16)
	// Deterministic over identical content, independent of envelope fields.
	export.PeerID = "someone-else"
	assert.Equal(t, sum, export.ComputeChecksum())

	export.Checksum = sum
	assert.True(t, export.VerifyChecksum())

	export.SessionEntries[0].Content = "tampered"
	assert.False(t, export.VerifyChecksum())
}

func TestContextExport_EmptyChecksumVerifies(t *testing.T) {
	export := &ContextExport{}
	assert.True(t, export.VerifyChecksum())
}

// --- export ---

func TestSyncManager_ExportContext(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.AddEntry(entry("old", "before cutoff", base))
	m.AddEntry(entry("new", "after cutoff", base.Add(time.Hour)))

	cutoff := base.Add(30 * time.Minute)
	export := m.ExportContext("peer-1", false, false, &cutoff)

	require.Len(t, export.SessionEntries, 1)
	assert.Equal(t, "new", export.SessionEntries[0].ID)
	assert.Equal(t, "peer-1", export.PeerID)
	assert.NotEmpty(t, export.Checksum)
	assert.True(t, export.VerifyChecksum())
}

// --- import strategies ---

func TestSyncManager_ImportContext_Append(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.AddEntry(entry("e1", "local", base))

	imported, err := m.ImportContext(&ContextExport{
		SessionEntries: []MemoryEntry{
			entry("e1", "remote duplicate", base.Add(time.Hour)),
			entry("e2", "remote new", base.Add(2*time.Hour)),
		},
	}, MergeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	entries := m.Entries(nil)
	require.Len(t, entries, 2)
	// The local duplicate was kept untouched.
	assert.Equal(t, "local", entries[0].Content)
	assert.Equal(t, "e2", entries[1].ID)
}

func TestSyncManager_ImportContext_Replace(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.AddEntry(entry("e1", "local old", base))
	m.AddEntry(entry("e2", "local newer", base.Add(3*time.Hour)))

	imported, err := m.ImportContext(&ContextExport{
		SessionEntries: []MemoryEntry{
			entry("e1", "remote newer", base.Add(time.Hour)),
			entry("e2", "remote older", base.Add(time.Hour)),
		},
	}, MergeReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	byID := map[string]string{}
	for _, e := range m.Entries(nil) {
		byID[e.ID] = e.Content
	}
	assert.Equal(t, "remote newer", byID["e1"])
	assert.Equal(t, "local newer", byID["e2"])
}

func TestSyncManager_ImportContext_MergeByTimestamp(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.AddEntry(entry("e1", "local old", base))

	imported, err := m.ImportContext(&ContextExport{
		SessionEntries: []MemoryEntry{
			entry("e1", "remote newer", base.Add(time.Hour)),
			entry("e2", "remote only", base.Add(2*time.Hour)),
		},
	}, MergeByTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	entries := m.Entries(nil)
	require.Len(t, entries, 2)
	// Sorted by timestamp, newest duplicate wins.
	assert.Equal(t, "remote newer", entries[0].Content)
	assert.Equal(t, "remote only", entries[1].Content)
}

func TestSyncManager_ImportContext_UnknownStrategy(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)

	_, err := m.ImportContext(&ContextExport{}, MergeStrategy("compress"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown merge strategy")
}

func TestSyncManager_ImportContext_ChecksumMismatchProceeds(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)

	imported, err := m.ImportContext(&ContextExport{
		SessionEntries: []MemoryEntry{entry("e1", "content", time.Now())},
		Checksum:       "definitely-wrong",
	}, MergeAppend)

	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, m.EntryCount())
}

// --- conflict resolution ---

func TestSyncManager_ResolveConflict(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	local := MemoryEntry{ID: "e1", Content: "local", Timestamp: base, Metadata: map[string]any{"a": 1}}
	remote := MemoryEntry{ID: "e1", Content: "remote", Timestamp: base.Add(time.Hour), Metadata: map[string]any{"b": 2}}

	tests := []struct {
		name     string
		strategy ConflictStrategy
		want     string
	}{
		{"newer wins picks remote", ConflictNewerWins, "remote"},
		{"local wins", ConflictLocalWins, "local"},
		{"remote wins", ConflictRemoteWins, "remote"},
		{"unknown keeps local", ConflictStrategy("coin-flip"), "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.ResolveConflict(local, remote, tt.strategy)
			assert.Equal(t, tt.want, got.Content)
		})
	}
}

func TestSyncManager_ResolveConflict_Merge(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	local := MemoryEntry{ID: "e1", Content: "local", Timestamp: base, Metadata: map[string]any{"a": 1}}
	remote := MemoryEntry{ID: "e1", Content: "remote", Timestamp: base.Add(time.Hour), Metadata: map[string]any{"b": 2}}

	merged := m.ResolveConflict(local, remote, ConflictMerge)

	assert.Equal(t, "local\n---\nremote", merged.Content)
	assert.True(t, merged.Timestamp.Equal(remote.Timestamp))
	assert.Equal(t, 1, merged.Metadata["a"])
	assert.Equal(t, 2, merged.Metadata["b"])
}

// --- sync with peer ---

func TestSyncManager_SyncWithPeer_TrustGate(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	peer := syncablePeer()
	peer.TrustLevel = 60 // below the sync threshold

	result := m.SyncWithPeer(context.Background(), peer, &fakeRequester{}, SyncPush, ScopeSession)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cannot sync context")
}

func TestSyncManager_SyncWithPeer_Push(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	m.AddEntry(entry("e1", "content", time.Now()))

	requester := &fakeRequester{responses: []*Response{{Success: true}}}
	result := m.SyncWithPeer(context.Background(), syncablePeer(), requester, SyncPush, ScopeSession)

	require.True(t, result.Success)
	assert.Equal(t, 1, result.EntriesSent)
	assert.Equal(t, 0, result.EntriesReceived)

	require.Len(t, requester.calls, 1)
	assert.Equal(t, "receive", requester.calls[0]["direction"])
	require.IsType(t, &ContextExport{}, requester.calls[0]["data"])

	state := m.SyncStatus("peer-1")
	require.NotNil(t, state)
	assert.NotNil(t, state.LastPush)
	assert.NotNil(t, state.LastSync)
	assert.Equal(t, 1, state.EntriesSynced)
}

func TestSyncManager_SyncWithPeer_Pull(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)

	remoteExport := map[string]any{
		"peer_id":   "peer-1",
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"session_entries": []any{
			map[string]any{
				"id":         "r1",
				"content":    "from peer",
				"entry_type": "message",
				"timestamp":  time.Now().Format(time.RFC3339Nano),
			},
		},
		"documents":    []any{},
		"task_history": []any{},
	}
	requester := &fakeRequester{responses: []*Response{{
		Success: true,
		Data: map[string]any{
			"success":           true,
			"direction":         "send",
			"entries_processed": 1.0,
			"data":              remoteExport,
		},
	}}}

	result := m.SyncWithPeer(context.Background(), syncablePeer(), requester, SyncPull, ScopeSession)

	require.True(t, result.Success)
	assert.Equal(t, 1, result.EntriesReceived)
	assert.Equal(t, 1, m.EntryCount())

	require.Len(t, requester.calls, 1)
	assert.Equal(t, "send", requester.calls[0]["direction"])

	state := m.SyncStatus("peer-1")
	require.NotNil(t, state)
	assert.NotNil(t, state.LastPull)
	assert.Nil(t, state.LastPush)
}

func TestSyncManager_SyncWithPeer_Both(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	m.AddEntry(entry("e1", "local", time.Now()))

	requester := &fakeRequester{responses: []*Response{
		{Success: true},
		{Success: true, Data: map[string]any{"data": map[string]any{
			"peer_id":         "peer-1",
			"timestamp":       time.Now().Format(time.RFC3339Nano),
			"session_entries": []any{},
			"documents":       []any{},
			"task_history":    []any{},
		}}},
	}}

	result := m.SyncWithPeer(context.Background(), syncablePeer(), requester, SyncBoth, ScopeSession)

	require.True(t, result.Success)
	assert.Equal(t, 1, result.EntriesSent)
	assert.Equal(t, 0, result.EntriesReceived)
	assert.Len(t, requester.calls, 2)
}

func TestSyncManager_SyncWithPeer_FailedPushKeepsWatermark(t *testing.T) {
	m := NewSyncManager(newTestRegistry(t), nil)
	m.AddEntry(entry("e1", "local", time.Now()))

	requester := &fakeRequester{responses: []*Response{{Success: false, Error: "boom"}}}
	result := m.SyncWithPeer(context.Background(), syncablePeer(), requester, SyncPush, ScopeSession)

	// The request round-trip succeeded even though the peer refused, so
	// the sync result is not an error; the push watermark stays unset so
	// the entries go out again next time.
	require.True(t, result.Success)
	assert.Equal(t, 0, result.EntriesSent)
	state := m.SyncStatus("peer-1")
	require.NotNil(t, state)
	assert.Nil(t, state.LastPush)
}

func TestSyncManager_SyncWithAll(t *testing.T) {
	r := newTestRegistry(t)
	m := NewSyncManager(r, nil)

	for _, name := range []string{"a", "b"} {
		peer := NewPeer(name, "10.0.0.1", 8765)
		_, err := r.AddPeer(peer)
		require.NoError(t, err)
		require.NoError(t, r.ApprovePeer(peer.PeerID, "test"))
		r.UpdatePeer(peer.PeerID, func(p *Peer) {
			p.TrustLevel = 90
			p.Capabilities = append(p.Capabilities, CapabilityContextSync)
		})
	}
	// A third peer without sync capability is skipped.
	skipped := NewPeer("c", "10.0.0.3", 8765)
	_, err := r.AddPeer(skipped)
	require.NoError(t, err)

	requester := &syncAllRequester{}
	results := m.SyncWithAll(context.Background(), requester, SyncPush, ScopeSession)

	assert.Len(t, results, 2)
	for _, result := range results {
		assert.True(t, result.Success)
	}
}

// syncAllRequester is a concurrency-safe fake that always accepts.
type syncAllRequester struct{}

func (f *syncAllRequester) Request(ctx context.Context, peer *Peer, method, path string, body any, opts *RequestOptions) (*Response, error) {
	if method != http.MethodPost || path != "/v1/p2p/sync" {
		return &Response{Success: false, Error: "unexpected request"}, nil
	}
	return &Response{Success: true}, nil
}
