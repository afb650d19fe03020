// Package backup captures and restores complete point-in-time snapshots of
// a terminal's local state: every tracked entity collection plus the
// pending operation queue.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chefia/possync/internal/cache"
	"github.com/chefia/possync/internal/events"
	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/queue"
	"github.com/chefia/possync/internal/store"
	"github.com/google/uuid"
)

const exportVersion = 1

// Service creates, restores, exports and prunes snapshots.
type Service struct {
	store      store.DurableStore
	queue      *queue.Queue
	bus        *events.Bus
	cache      *cache.Cache
	terminalID string
	userID     string
	tracked    []string

	// afterRestore, when set, is called after a successful restore so the
	// daemon can start a drain while online. Optional.
	afterRestore func(ctx context.Context)
}

// New wires a backup service over the given tracked entity collections.
func New(s store.DurableStore, q *queue.Queue, bus *events.Bus, c *cache.Cache, terminalID, userID string, tracked []string) *Service {
	return &Service{
		store:      s,
		queue:      q,
		bus:        bus,
		cache:      c,
		terminalID: terminalID,
		userID:     userID,
		tracked:    tracked,
	}
}

// OnRestore registers a hook fired after every successful restore.
func (s *Service) OnRestore(fn func(ctx context.Context)) { s.afterRestore = fn }

// CreateBackup captures all tracked collections and the pending queue into
// one snapshot and persists it to the backups collection.
func (s *Service) CreateBackup(ctx context.Context) (*model.BackupSnapshot, error) {
	now := time.Now().UTC()
	snap := &model.BackupSnapshot{
		ID:                fmt.Sprintf("%s-%s", now.Format(time.RFC3339Nano), uuid.New().String()[:8]),
		TerminalID:        s.terminalID,
		UserID:            s.userID,
		CreatedAt:         now,
		EntityCollections: make(map[string]json.RawMessage, len(s.tracked)),
	}

	entries := 0
	for _, collection := range s.tracked {
		records, err := s.store.List(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", collection, err)
		}
		byKey := make(map[string]json.RawMessage, len(records))
		for _, r := range records {
			byKey[r.Key] = json.RawMessage(r.Value)
		}
		data, err := json.Marshal(byKey)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", collection, err)
		}
		snap.EntityCollections[collection] = data
		entries += len(records)
	}

	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture pending operations: %w", err)
	}
	snap.PendingOperations = pending
	snap.TotalEntries = entries + len(pending)

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.store.Put(ctx, store.CollectionBackups, snap.ID, data); err != nil {
		return nil, err
	}

	slog.Info("backup created", "id", snap.ID, "entries", snap.TotalEntries, "pending", len(pending))
	s.bus.Emit(events.BackupCreated, *snap)
	return snap, nil
}

// RestoreBackup replaces local state with the named snapshot, or the most
// recent one when id is empty. Pending operations are re-enqueued with
// fresh ids but their original idempotency keys, so a mutation that was
// already pushed before the restore is deduplicated by the server.
func (s *Service) RestoreBackup(ctx context.Context, id string) (*model.BackupSnapshot, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// Decode every collection before the first Clear so a malformed
	// snapshot is rejected whole, never half-applied.
	decoded := make(map[string]map[string]json.RawMessage, len(snap.EntityCollections))
	for collection, raw := range snap.EntityCollections {
		var byKey map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byKey); err != nil {
			return nil, fmt.Errorf("%w: snapshot collection %s: %v", store.ErrValidation, collection, err)
		}
		decoded[collection] = byKey
	}

	for collection, byKey := range decoded {
		if err := s.store.Clear(ctx, collection); err != nil {
			return nil, fmt.Errorf("clear %s: %w", collection, err)
		}
		for key, value := range byKey {
			if err := s.store.Put(ctx, collection, key, value); err != nil {
				return nil, fmt.Errorf("restore %s/%s: %w", collection, key, err)
			}
		}
	}

	for _, op := range snap.PendingOperations {
		if _, err := s.queue.Reenqueue(ctx, op); err != nil {
			return nil, fmt.Errorf("re-enqueue operation: %w", err)
		}
	}

	if s.cache != nil {
		s.cache.InvalidateAll()
	}

	slog.Info("backup restored", "id", snap.ID, "entries", snap.TotalEntries, "reenqueued", len(snap.PendingOperations))
	s.bus.Emit(events.BackupRestored, *snap)
	if s.afterRestore != nil {
		s.afterRestore(ctx)
	}
	return snap, nil
}

// ExportBackup serializes a snapshot to the portable {metadata, data}
// format. Empty id exports the most recent snapshot.
func (s *Service) ExportBackup(ctx context.Context, id string) ([]byte, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	doc := exportDoc{
		Metadata: exportMetadata{
			Version:      exportVersion,
			ID:           snap.ID,
			TerminalID:   snap.TerminalID,
			UserID:       snap.UserID,
			CreatedAt:    snap.CreatedAt,
			TotalEntries: snap.TotalEntries,
		},
		Data: exportData{
			EntityCollections: snap.EntityCollections,
			PendingOperations: snap.PendingOperations,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ImportBackup validates and stores an exported snapshot. When restoreNow
// is set the snapshot is applied immediately after import.
func (s *Service) ImportBackup(ctx context.Context, raw []byte, restoreNow bool) (*model.BackupSnapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: parse import: %v", store.ErrValidation, err)
	}
	if probe["metadata"] == nil || probe["data"] == nil {
		return nil, fmt.Errorf("%w: import must contain metadata and data", store.ErrValidation)
	}

	var doc exportDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse import: %v", store.ErrValidation, err)
	}
	if doc.Metadata.ID == "" {
		return nil, fmt.Errorf("%w: import metadata missing id", store.ErrValidation)
	}

	snap := &model.BackupSnapshot{
		ID:                doc.Metadata.ID,
		TerminalID:        doc.Metadata.TerminalID,
		UserID:            doc.Metadata.UserID,
		CreatedAt:         doc.Metadata.CreatedAt,
		EntityCollections: doc.Data.EntityCollections,
		PendingOperations: doc.Data.PendingOperations,
		TotalEntries:      doc.Metadata.TotalEntries,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.store.Put(ctx, store.CollectionBackups, snap.ID, data); err != nil {
		return nil, err
	}
	slog.Info("backup imported", "id", snap.ID, "from_terminal", snap.TerminalID)

	if restoreNow {
		return s.RestoreBackup(ctx, snap.ID)
	}
	return snap, nil
}

// CleanupOldBackups deletes snapshots older than daysToKeep. The newest
// snapshot is always retained, even when it is older than the cutoff.
func (s *Service) CleanupOldBackups(ctx context.Context, daysToKeep int) (int, error) {
	snaps, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	newest := snaps[len(snaps)-1]

	removed := 0
	for _, snap := range snaps {
		if snap.ID == newest.ID || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, store.CollectionBackups, snap.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		slog.Info("backup cleanup", "removed", removed, "kept", len(snaps)-removed)
	}
	return removed, nil
}

// List returns all snapshots ordered oldest first.
func (s *Service) List(ctx context.Context) ([]model.BackupSnapshot, error) {
	return s.list(ctx)
}

func (s *Service) list(ctx context.Context) ([]model.BackupSnapshot, error) {
	records, err := s.store.List(ctx, store.CollectionBackups)
	if err != nil {
		return nil, err
	}
	snaps := make([]model.BackupSnapshot, 0, len(records))
	for _, r := range records {
		var snap model.BackupSnapshot
		if err := json.Unmarshal(r.Value, &snap); err != nil {
			return nil, fmt.Errorf("%w: parse snapshot %s: %v", store.ErrStorage, r.Key, err)
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

func (s *Service) load(ctx context.Context, id string) (*model.BackupSnapshot, error) {
	if id != "" {
		data, err := s.store.Get(ctx, store.CollectionBackups, id)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("%w: backup %s", store.ErrNotFound, id)
		}
		var snap model.BackupSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("%w: parse snapshot %s: %v", store.ErrStorage, id, err)
		}
		return &snap, nil
	}

	snaps, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no backups", store.ErrNotFound)
	}
	return &snaps[len(snaps)-1], nil
}

type exportDoc struct {
	Metadata exportMetadata `json:"metadata"`
	Data     exportData     `json:"data"`
}

type exportMetadata struct {
	Version      int       `json:"version"`
	ID           string    `json:"id"`
	TerminalID   string    `json:"terminal_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	TotalEntries int       `json:"total_entries"`
}

type exportData struct {
	EntityCollections map[string]json.RawMessage `json:"entity_collections"`
	PendingOperations []model.Operation          `json:"pending_operations"`
}
