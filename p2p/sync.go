package p2p

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncDirection selects which way context flows during a sync.
type SyncDirection string

const (
	SyncPush SyncDirection = "push"
	SyncPull SyncDirection = "pull"
	SyncBoth SyncDirection = "both"
)

// SyncScope selects which context categories are included.
type SyncScope string

const (
	ScopeSession SyncScope = "session"
	ScopeMemory  SyncScope = "memory"
	ScopeAll     SyncScope = "all"
)

// MergeStrategy selects how imported entries combine with local ones.
type MergeStrategy string

const (
	// MergeAppend adds entries with unseen IDs and keeps everything local.
	MergeAppend MergeStrategy = "append"
	// MergeReplace overwrites local entries when the remote one is newer.
	MergeReplace MergeStrategy = "replace"
	// MergeByTimestamp merges both sets; for duplicate IDs the newest
	// timestamp wins.
	MergeByTimestamp MergeStrategy = "merge"
)

// ConflictStrategy selects how a single entry conflict is resolved.
type ConflictStrategy string

const (
	ConflictNewerWins  ConflictStrategy = "newer_wins"
	ConflictLocalWins  ConflictStrategy = "local_wins"
	ConflictRemoteWins ConflictStrategy = "remote_wins"
	ConflictMerge      ConflictStrategy = "merge"
)

// MemoryEntry is a single unit of shareable context.
type MemoryEntry struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	EntryType string         `json:"entry_type"` // "message", "document", "task"
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ContextExport is the context payload exchanged between peers.
type ContextExport struct {
	PeerID         string           `json:"peer_id"`
	Timestamp      time.Time        `json:"timestamp"`
	SessionEntries []MemoryEntry    `json:"session_entries"`
	Documents      []map[string]any `json:"documents"`
	TaskHistory    []map[string]any `json:"task_history"`
	Checksum       string           `json:"checksum,omitempty"`
}

// ComputeChecksum hashes the export content in a canonical form. Both
// sides serialize the content to JSON with sorted keys, so an identical
// payload always yields an identical checksum.
func (e *ContextExport) ComputeChecksum() string {
	content := struct {
		SessionEntries []MemoryEntry    `json:"session_entries"`
		Documents      []map[string]any `json:"documents"`
		TaskHistory    []map[string]any `json:"task_history"`
	}{e.SessionEntries, e.Documents, e.TaskHistory}

	// Round-trip through a generic value so every object marshals with
	// sorted keys.
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// VerifyChecksum reports whether the embedded checksum matches the content.
// An empty checksum verifies trivially.
func (e *ContextExport) VerifyChecksum() bool {
	return e.Checksum == "" || e.Checksum == e.ComputeChecksum()
}

// SyncState tracks sync progress with one peer.
type SyncState struct {
	PeerID            string     `json:"peer_id"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	LastPush          *time.Time `json:"last_push,omitempty"`
	LastPull          *time.Time `json:"last_pull,omitempty"`
	EntriesSynced int `json:"entries_synced"`
	// ConflictsResolved is carried on the wire for callers that resolve
	// conflicts explicitly via ResolveConflict; the built-in merge
	// strategies deduplicate by ID and never increment it.
	ConflictsResolved int `json:"conflicts_resolved"`
}

// SyncResult is the outcome of one sync operation.
type SyncResult struct {
	Success         bool          `json:"success"`
	Direction       SyncDirection `json:"direction"`
	EntriesSent     int           `json:"entries_sent"`
	EntriesReceived int           `json:"entries_received"`
	// Conflicts mirrors SyncState.ConflictsResolved; see the note there.
	Conflicts int    `json:"conflicts"`
	Error     string `json:"error,omitempty"`
}

// Requester is the slice of the peer client the sync manager needs.
type Requester interface {
	Request(ctx context.Context, peer *Peer, method, path string, body any, opts *RequestOptions) (*Response, error)
}

var _ Requester = (*Client)(nil)

// SyncManager exchanges context and memory with peers.
//
// Sync covers session context (recent conversation), long-term memory
// (documents), and task history, in push, pull, or bidirectional mode.
// Sync state is kept in memory only; a restart resyncs from scratch.
type SyncManager struct {
	mu sync.Mutex

	registry     *Registry
	syncState    map[string]*SyncState
	localEntries []MemoryEntry

	logger *zap.Logger
}

// NewSyncManager creates a sync manager bound to the registry.
func NewSyncManager(registry *Registry, logger *zap.Logger) *SyncManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncManager{
		registry:  registry,
		syncState: make(map[string]*SyncState),
		logger:    logger.With(zap.String("component", "p2p_sync")),
	}
}

// ExportContext packages local context for a peer, optionally limited to
// entries after since.
func (m *SyncManager) ExportContext(peerID string, includeDocuments, includeTasks bool, since *time.Time) *ContextExport {
	m.mu.Lock()
	entries := make([]MemoryEntry, 0, len(m.localEntries))
	for _, e := range m.localEntries {
		if since != nil && !e.Timestamp.After(*since) {
			continue
		}
		entries = append(entries, e)
	}
	m.mu.Unlock()

	export := &ContextExport{
		PeerID:         peerID,
		Timestamp:      time.Now(),
		SessionEntries: entries,
		Documents:      []map[string]any{},
		TaskHistory:    []map[string]any{},
	}
	if includeDocuments {
		export.Documents = m.documentRefs()
	}
	if includeTasks {
		export.TaskHistory = m.taskHistory()
	}
	export.Checksum = export.ComputeChecksum()
	return export
}

// ImportContext merges a peer's context into local entries per the given
// strategy, returning the number of entries imported.
//
// A checksum mismatch is logged but does not block the import; callers
// wanting strictness check VerifyChecksum first.
func (m *SyncManager) ImportContext(data *ContextExport, strategy MergeStrategy) (int, error) {
	if !data.VerifyChecksum() {
		m.logger.Warn("checksum mismatch in context import", zap.String("peer_id", data.PeerID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imported := 0
	switch strategy {
	case MergeAppend:
		existing := make(map[string]struct{}, len(m.localEntries))
		for _, e := range m.localEntries {
			existing[e.ID] = struct{}{}
		}
		for _, entry := range data.SessionEntries {
			if _, ok := existing[entry.ID]; !ok {
				m.localEntries = append(m.localEntries, entry)
				existing[entry.ID] = struct{}{}
				imported++
			}
		}

	case MergeReplace:
		byID := make(map[string]MemoryEntry, len(m.localEntries))
		for _, e := range m.localEntries {
			byID[e.ID] = e
		}
		for _, entry := range data.SessionEntries {
			current, ok := byID[entry.ID]
			if !ok || entry.Timestamp.After(current.Timestamp) {
				byID[entry.ID] = entry
				imported++
			}
		}
		m.localEntries = entriesFromMap(byID)

	case MergeByTimestamp:
		all := append(append([]MemoryEntry{}, m.localEntries...), data.SessionEntries...)
		sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
		byID := make(map[string]MemoryEntry, len(all))
		for _, entry := range all {
			byID[entry.ID] = entry
		}
		imported = len(byID) - len(m.localEntries)
		m.localEntries = entriesFromMap(byID)

	default:
		return 0, fmt.Errorf("unknown merge strategy: %q", strategy)
	}

	sort.SliceStable(m.localEntries, func(i, j int) bool {
		return m.localEntries[i].Timestamp.Before(m.localEntries[j].Timestamp)
	})

	m.logger.Info("imported entries",
		zap.Int("count", imported),
		zap.String("peer_id", data.PeerID),
	)
	return imported, nil
}

// documentRefs would integrate with the long-term memory store.
func (m *SyncManager) documentRefs() []map[string]any {
	return []map[string]any{}
}

// taskHistory would integrate with task tracking.
func (m *SyncManager) taskHistory() []map[string]any {
	return []map[string]any{}
}

// SyncWithPeer synchronizes context with one peer.
//
// Push sends local entries added since the last push; pull asks the peer
// for its entries and merges them by timestamp. Each leg updates its own
// watermark only on success, so a failed leg is retried on the next sync.
func (m *SyncManager) SyncWithPeer(ctx context.Context, peer *Peer, client Requester, direction SyncDirection, scope SyncScope) *SyncResult {
	if !peer.CanSyncContext() {
		return &SyncResult{
			Success:   false,
			Direction: direction,
			Error:     "Peer cannot sync context (insufficient trust or capability)",
		}
	}
	if scope == "" {
		scope = ScopeSession
	}

	state := m.state(peer.PeerID)
	entriesSent := 0
	entriesReceived := 0

	if direction == SyncPush || direction == SyncBoth {
		m.mu.Lock()
		lastPush := state.LastPush
		m.mu.Unlock()

		export := m.ExportContext(
			peer.PeerID,
			scope == ScopeMemory || scope == ScopeAll,
			scope == ScopeAll,
			lastPush,
		)

		resp, err := client.Request(ctx, peer, http.MethodPost, "/v1/p2p/sync", map[string]any{
			"direction": "receive",
			"data":      export,
		}, nil)
		if err != nil {
			return &SyncResult{Success: false, Direction: direction, Error: err.Error()}
		}
		if resp.Success {
			entriesSent = len(export.SessionEntries)
			now := time.Now()
			m.mu.Lock()
			state.LastPush = &now
			m.mu.Unlock()
		}
	}

	if direction == SyncPull || direction == SyncBoth {
		m.mu.Lock()
		var since any
		if state.LastPull != nil {
			since = state.LastPull.Format(time.RFC3339Nano)
		}
		m.mu.Unlock()

		resp, err := client.Request(ctx, peer, http.MethodPost, "/v1/p2p/sync", map[string]any{
			"direction": "send",
			"since":     since,
			"scope":     scope,
		}, nil)
		if err != nil {
			return &SyncResult{Success: false, Direction: direction, Error: err.Error()}
		}
		if resp.Success && resp.Data != nil {
			payload, _ := resp.Data["data"].(map[string]any)
			var peerExport ContextExport
			if err := remarshal(payload, &peerExport); err != nil {
				m.logger.Error("unparseable sync payload",
					zap.String("peer", peer.Name),
					zap.Error(err),
				)
				return &SyncResult{Success: false, Direction: direction, Error: "unparseable sync payload"}
			}
			n, err := m.ImportContext(&peerExport, MergeByTimestamp)
			if err != nil {
				return &SyncResult{Success: false, Direction: direction, Error: err.Error()}
			}
			entriesReceived = n
			now := time.Now()
			m.mu.Lock()
			state.LastPull = &now
			m.mu.Unlock()
		}
	}

	now := time.Now()
	m.mu.Lock()
	state.LastSync = &now
	state.EntriesSynced += entriesSent + entriesReceived
	m.mu.Unlock()

	return &SyncResult{
		Success:         true,
		Direction:       direction,
		EntriesSent:     entriesSent,
		EntriesReceived: entriesReceived,
	}
}

// SyncWithAll syncs concurrently with every peer trusted for context sync.
// One failing peer never affects the others.
func (m *SyncManager) SyncWithAll(ctx context.Context, client Requester, direction SyncDirection, scope SyncScope) map[string]*SyncResult {
	var targets []*Peer
	for _, peer := range m.registry.ListPeers() {
		if peer.CanSyncContext() {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return map[string]*SyncResult{}
	}

	results := make([]*SyncResult, len(targets))
	var wg sync.WaitGroup
	for i, peer := range targets {
		wg.Add(1)
		go func(i int, peer *Peer) {
			defer wg.Done()
			results[i] = m.SyncWithPeer(ctx, peer, client, direction, scope)
		}(i, peer)
	}
	wg.Wait()

	out := make(map[string]*SyncResult, len(targets))
	for i, peer := range targets {
		out[peer.PeerID] = results[i]
	}
	return out
}

// ResolveConflict resolves a conflict between a local and remote entry.
// An unknown strategy keeps the local entry.
func (m *SyncManager) ResolveConflict(local, remote MemoryEntry, strategy ConflictStrategy) MemoryEntry {
	switch strategy {
	case ConflictNewerWins:
		if local.Timestamp.After(remote.Timestamp) {
			return local
		}
		return remote
	case ConflictLocalWins:
		return local
	case ConflictRemoteWins:
		return remote
	case ConflictMerge:
		merged := local
		merged.Content = local.Content + "\n---\n" + remote.Content
		if remote.Timestamp.After(local.Timestamp) {
			merged.Timestamp = remote.Timestamp
		}
		merged.Metadata = make(map[string]any, len(local.Metadata)+len(remote.Metadata))
		for k, v := range local.Metadata {
			merged.Metadata[k] = v
		}
		for k, v := range remote.Metadata {
			merged.Metadata[k] = v
		}
		return merged
	default:
		return local
	}
}

// state returns the sync state for a peer, creating it on first use.
func (m *SyncManager) state(peerID string) *SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncState[peerID]
	if !ok {
		st = &SyncState{PeerID: peerID}
		m.syncState[peerID] = st
	}
	return st
}

// SyncStatus returns a copy of the sync state for a peer, or nil.
func (m *SyncManager) SyncStatus(peerID string) *SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncState[peerID]
	if !ok {
		return nil
	}
	copied := *st
	return &copied
}

// AllSyncStatus returns copies of the sync state for all peers.
func (m *SyncManager) AllSyncStatus() map[string]*SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*SyncState, len(m.syncState))
	for id, st := range m.syncState {
		copied := *st
		out[id] = &copied
	}
	return out
}

// AddEntry records a local memory entry.
func (m *SyncManager) AddEntry(entry MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localEntries = append(m.localEntries, entry)
}

// Entries returns local entries, optionally limited to those after since.
func (m *SyncManager) Entries(since *time.Time) []MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryEntry, 0, len(m.localEntries))
	for _, e := range m.localEntries {
		if since != nil && !e.Timestamp.After(*since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClearEntries drops all local entries.
func (m *SyncManager) ClearEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localEntries = nil
}

// EntryCount returns the number of local entries.
func (m *SyncManager) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.localEntries)
}

func entriesFromMap(byID map[string]MemoryEntry) []MemoryEntry {
	out := make([]MemoryEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	return out
}
