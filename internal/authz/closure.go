package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// RoleRef is the minimal (id, parent) pair the closure recompute needs.
type RoleRef struct {
	ID       int64
	ParentID *int64
}

type roleRefLister interface {
	ListRoleRefs(ctx context.Context) ([]RoleRef, error)
}

// Closure answers "is role B a descendant of role A" in O(1) from a
// precomputed snapshot. The snapshot is always rebuilt in full: parent links
// can change at any node, and a stale partial patch is a worse failure mode
// than an occasional redundant rebuild.
type Closure struct {
	repo   roleRefLister
	cache  *Store
	logger *slog.Logger
	group  singleflight.Group
}

// NewClosure constructs the closure cache.
func NewClosure(repo roleRefLister, cache *Store, logger *slog.Logger) *Closure {
	return &Closure{repo: repo, cache: cache, logger: logger}
}

// Descendants returns the ids of every role below roleID in the tree,
// excluding roleID itself. A role unknown to the snapshot yields an empty set.
func (c *Closure) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	snapshot, ok := c.cache.GetDescendants(ctx)
	if !ok {
		var err error
		snapshot, err = c.Rebuild(ctx)
		if err != nil {
			return nil, err
		}
	}
	return snapshot[roleID], nil
}

// IsDescendant reports whether targetID equals ancestorID or sits anywhere in
// its subtree.
func (c *Closure) IsDescendant(ctx context.Context, ancestorID, targetID int64) (bool, error) {
	if ancestorID == targetID {
		return true, nil
	}
	descendants, err := c.Descendants(ctx, ancestorID)
	if err != nil {
		return false, err
	}
	for _, id := range descendants {
		if id == targetID {
			return true, nil
		}
	}
	return false, nil
}

// Rebuild recomputes the closure for every role from the relational source and
// stores the whole snapshot in one write. Concurrent callers collapse onto a
// single recompute; the function is deterministic over the full role set, so
// whichever write lands last is correct.
func (c *Closure) Rebuild(ctx context.Context) (map[int64][]int64, error) {
	result, err, _ := c.group.Do("rebuild", func() (any, error) {
		start := time.Now()
		refs, err := c.repo.ListRoleRefs(ctx)
		if err != nil {
			return nil, fmt.Errorf("authz: list role refs: %w", err)
		}
		snapshot := computeClosure(refs)
		c.cache.SetDescendants(ctx, snapshot)
		observeClosureRebuild(time.Since(start))
		if c.logger != nil {
			c.logger.Debug("closure rebuilt",
				slog.Int("roles", len(refs)),
				slog.Duration("took", time.Since(start)))
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[int64][]int64), nil
}

// Invalidate drops the snapshot and reports whether an entry existed.
func (c *Closure) Invalidate(ctx context.Context) bool {
	return c.cache.EvictDescendants(ctx)
}

// computeClosure builds the descendant set of every node by reverse-adjacency
// traversal. Self is excluded from each set. A parent link pointing at a
// missing or cyclic ancestor is treated as a root rather than looping forever.
func computeClosure(refs []RoleRef) map[int64][]int64 {
	children := make(map[int64][]int64, len(refs))
	known := make(map[int64]struct{}, len(refs))
	for _, ref := range refs {
		known[ref.ID] = struct{}{}
	}
	for _, ref := range refs {
		if ref.ParentID == nil {
			continue
		}
		if _, ok := known[*ref.ParentID]; !ok {
			continue
		}
		children[*ref.ParentID] = append(children[*ref.ParentID], ref.ID)
	}

	memo := make(map[int64][]int64, len(refs))
	onStack := make(map[int64]bool, len(refs))

	var descend func(id int64) []int64
	descend = func(id int64) []int64 {
		if cached, ok := memo[id]; ok {
			return cached
		}
		if onStack[id] {
			return nil
		}
		onStack[id] = true
		var out []int64
		for _, child := range children[id] {
			out = append(out, child)
			out = append(out, descend(child)...)
		}
		onStack[id] = false
		memo[id] = out
		return out
	}

	snapshot := make(map[int64][]int64, len(refs))
	for _, ref := range refs {
		set := descend(ref.ID)
		if set == nil {
			set = []int64{}
		}
		snapshot[ref.ID] = set
	}
	return snapshot
}
