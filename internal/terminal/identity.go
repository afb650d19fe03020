// Package terminal manages the per-install terminal identity.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/store"
	"github.com/google/uuid"
)

const identityKey = "terminal_identity"

// Identity returns the persisted terminal identity, minting one on first
// call. The identity is never mutated once written.
func Identity(ctx context.Context, s store.DurableStore) (*model.TerminalIdentity, error) {
	data, err := s.Get(ctx, store.CollectionConfig, identityKey)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if data != nil {
		var id model.TerminalIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return &id, nil
	}

	id := model.TerminalIdentity{
		TerminalID:  uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
	}
	data, err = json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.Put(ctx, store.CollectionConfig, identityKey, data); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return &id, nil
}
