// Package colleges provides lookups for the tenant directory. Colleges are
// managed by a separate provisioning flow; this service only reads them.
package colleges

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enrollhq/enrollhq/internal/platform/httpx"
	"github.com/enrollhq/enrollhq/internal/shared"
)

// College is one tenant institution.
type College struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository reads the college directory.
type Repository interface {
	Get(ctx context.Context, id int64) (*College, error)
	List(ctx context.Context) ([]College, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed college repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) Get(ctx context.Context, id int64) (*College, error) {
	var c College
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, domain, created_at FROM colleges WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Domain, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *repository) List(ctx context.Context) ([]College, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, domain, created_at FROM colleges ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []College
	for rows.Next() {
		var c College
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Handler exposes the directory over HTTP, read-only.
type Handler struct {
	repo Repository
}

// NewHandler constructs the HTTP handler.
func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// MountRoutes attaches the college routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.List(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if out == nil {
		out = []College{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	c, err := h.repo.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}
