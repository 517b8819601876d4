package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoleDocument is the denormalized role representation kept in the document
// store for embedded permission-tree reads. It is a projection of the
// relational role graph, rebuilt from source, never authoritative.
type RoleDocument struct {
	ID          string        `json:"_id"`
	PgsqlID     int64         `json:"pgsql_id"`
	Name        string        `json:"name"`
	Scope       Scope         `json:"scope"`
	Description string        `json:"description"`
	Permissions PermissionSet `json:"permissions"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Mirror persists role documents keyed by their external id.
type Mirror struct {
	client *redis.Client
	keys   KeyBuilder
}

// NewMirror constructs the role-document mirror store.
func NewMirror(client *redis.Client, keys KeyBuilder) *Mirror {
	return &Mirror{client: client, keys: keys}
}

// Upsert writes or replaces a role document.
func (m *Mirror) Upsert(ctx context.Context, doc RoleDocument) error {
	if doc.ID == "" {
		return errors.New("authz: role document requires an external id")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("authz: encode role document: %w", err)
	}
	return m.client.HSet(ctx, m.keys.RoleDocuments(), doc.ID, payload).Err()
}

// Get returns the document for the given external id.
func (m *Mirror) Get(ctx context.Context, externalID string) (*RoleDocument, error) {
	payload, err := m.client.HGet(ctx, m.keys.RoleDocuments(), externalID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var doc RoleDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("authz: decode role document: %w", err)
	}
	return &doc, nil
}

// Delete removes the document for the given external id.
func (m *Mirror) Delete(ctx context.Context, externalID string) error {
	return m.client.HDel(ctx, m.keys.RoleDocuments(), externalID).Err()
}

// RebuildAll replaces the entire mirror in one pipeline so readers never see a
// half-written collection.
func (m *Mirror) RebuildAll(ctx context.Context, docs []RoleDocument) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.keys.RoleDocuments())
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("authz: encode role document %s: %w", doc.ID, err)
		}
		pipe.HSet(ctx, m.keys.RoleDocuments(), doc.ID, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}
