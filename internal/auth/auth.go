// Package auth resolves bearer API tokens into principals. Tokens have the
// form "<prefix>.<secret>": the prefix indexes the token row, the secret is
// verified against a bcrypt hash. Resolved principals are cached as expiring
// field lookups so the hot path skips both the bcrypt compare and the
// membership queries.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/enrollhq/enrollhq/internal/authz"
	"github.com/enrollhq/enrollhq/internal/platform/httpx"
	"github.com/enrollhq/enrollhq/internal/shared"
	"github.com/enrollhq/enrollhq/internal/users"
)

const principalCollection = "principals"

// Authenticator turns bearer tokens into principals.
type Authenticator struct {
	pool   *pgxpool.Pool
	users  users.Repository
	cache  *authz.Store
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator.
func NewAuthenticator(pool *pgxpool.Pool, userRepo users.Repository, cache *authz.Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{pool: pool, users: userRepo, cache: cache, logger: logger}
}

type tokenRow struct {
	UserID    int64
	Hash      string
	ExpiresAt *time.Time
}

// Resolve verifies the token and assembles the caller's principal.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*shared.Principal, error) {
	prefix, secret, ok := strings.Cut(token, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, shared.ErrInvalidCredentials
	}

	var row tokenRow
	err := a.pool.QueryRow(ctx,
		`SELECT user_id, token_hash, expires_at FROM api_tokens WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix).Scan(&row.UserID, &row.Hash, &row.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: load token: %w", err)
	}
	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now()) {
		return nil, shared.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(secret)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}

	// The secret is verified on every request; only the membership assembly
	// is cached.
	var cached shared.Principal
	field := strconv.FormatInt(row.UserID, 10)
	if a.cache.GetField(ctx, principalCollection, field, &cached) {
		return &cached, nil
	}

	principal, err := a.buildPrincipal(ctx, row.UserID)
	if err != nil {
		return nil, err
	}
	a.cache.SetField(ctx, principalCollection, field, principal)
	return principal, nil
}

// InvalidateUser drops the cached principal so membership changes take effect
// before the field TTL lapses.
func (a *Authenticator) InvalidateUser(ctx context.Context, userID int64) {
	a.cache.EvictField(ctx, principalCollection, strconv.FormatInt(userID, 10))
}

// InvalidateUsers drops the cached principals for every given user. Registered
// as the authorization service's membership-change callback.
func (a *Authenticator) InvalidateUsers(ctx context.Context, userIDs []int64) {
	for _, id := range userIDs {
		a.InvalidateUser(ctx, id)
	}
}

func (a *Authenticator) buildPrincipal(ctx context.Context, userID int64) (*shared.Principal, error) {
	user, err := a.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active {
		return nil, shared.ErrInvalidCredentials
	}
	membership, err := a.users.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	scope := string(authz.ScopeCollege)
	if len(membership.CollegeIDs) == 0 {
		scope = string(authz.ScopeGlobal)
	}
	return &shared.Principal{
		UserID:     userID,
		RoleID:     membership.RoleID,
		GroupIDs:   membership.GroupIDs,
		Scope:      scope,
		CollegeIDs: membership.CollegeIDs,
	}, nil
}

// Middleware authenticates the request and stores the principal in context.
// Requests without a bearer token are rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpx.RespondError(w, shared.ErrInvalidCredentials)
			return
		}
		principal, err := a.Resolve(r.Context(), token)
		if err != nil {
			if !errors.Is(err, shared.ErrInvalidCredentials) {
				a.logger.Error("token resolution failed", slog.Any("error", err))
				err = shared.ErrInvalidCredentials
			}
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}
