package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/auth"
	"github.com/openboard/openboard/internal/domain"
)

type mockBoardStore struct {
	CreateBoardFunc     func(ctx context.Context, ownerID, title string, slot int, objects []domain.BoardObject) (*domain.Board, error)
	GetBoardFunc        func(ctx context.Context, id string) (*domain.Board, error)
	ListBoardsFunc      func(ctx context.Context, ownerID string) ([]domain.Board, error)
	UpdateBoardFunc     func(ctx context.Context, id string, patch domain.BoardPatch) error
	UpdateThumbnailFunc func(ctx context.Context, id string, thumbnail []byte) error
	SoftDeleteBoardFunc func(ctx context.Context, id string) error
	ListVersionsFunc    func(ctx context.Context, boardID string) ([]domain.BoardVersion, error)
}

func (m *mockBoardStore) CreateBoard(ctx context.Context, ownerID, title string, slot int, objects []domain.BoardObject) (*domain.Board, error) {
	return m.CreateBoardFunc(ctx, ownerID, title, slot, objects)
}
func (m *mockBoardStore) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	return m.GetBoardFunc(ctx, id)
}
func (m *mockBoardStore) ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error) {
	return m.ListBoardsFunc(ctx, ownerID)
}
func (m *mockBoardStore) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch) error {
	if m.UpdateBoardFunc == nil {
		return nil
	}
	return m.UpdateBoardFunc(ctx, id, patch)
}
func (m *mockBoardStore) UpdateThumbnail(ctx context.Context, id string, thumbnail []byte) error {
	return m.UpdateThumbnailFunc(ctx, id, thumbnail)
}
func (m *mockBoardStore) SoftDeleteBoard(ctx context.Context, id string) error {
	return m.SoftDeleteBoardFunc(ctx, id)
}
func (m *mockBoardStore) ListVersions(ctx context.Context, boardID string) ([]domain.BoardVersion, error) {
	return m.ListVersionsFunc(ctx, boardID)
}

type mockCache struct {
	evicted []string
}

func (m *mockCache) Evict(_ context.Context, boardID string) error {
	m.evicted = append(m.evicted, boardID)
	return nil
}

func newTestRouter(store *mockBoardStore, cache *mockCache) chi.Router {
	h := New(store, cache, auth.New("test-secret", true, nil))
	r := chi.NewRouter()
	r.Route("/api/boards", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/", h.ListBoards)
		r.Post("/", h.CreateBoard)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBoard)
			r.Patch("/", h.RenameBoard)
			r.Delete("/", h.DeleteBoard)
			r.Get("/versions", h.ListVersions)
			r.Put("/thumbnail", h.UploadThumbnail)
			r.Get("/thumbnail", h.GetThumbnail)
		})
	})
	return r
}

func doRequest(t *testing.T, router chi.Router, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func ownedBy(owner string) *domain.Board {
	return &domain.Board{
		ID:      "b1",
		OwnerID: owner,
		Title:   "Roadmap",
		Slot:    2,
		Version: 5,
		Objects: []domain.BoardObject{{ID: "o1", Type: domain.ObjectSticky}},
	}
}

func TestListBoards(t *testing.T) {
	store := &mockBoardStore{
		ListBoardsFunc: func(_ context.Context, ownerID string) ([]domain.Board, error) {
			assert.Equal(t, "alice", ownerID)
			return []domain.Board{*ownedBy("alice")}, nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/", "test-alice", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Boards []BoardSummary `json:"boards"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Boards, 1)
	assert.Equal(t, "Roadmap", resp.Boards[0].Title)
	assert.Equal(t, 1, resp.Boards[0].ObjectCount)
}

func TestListBoardsRequiresAuth(t *testing.T) {
	store := &mockBoardStore{}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateBoard(t *testing.T) {
	store := &mockBoardStore{
		CreateBoardFunc: func(_ context.Context, ownerID, title string, slot int, _ []domain.BoardObject) (*domain.Board, error) {
			assert.Equal(t, "alice", ownerID)
			assert.Equal(t, "New board", title)
			assert.Equal(t, 3, slot)
			return &domain.Board{ID: "b9", OwnerID: ownerID, Title: title, Slot: slot}, nil
		},
	}
	body := []byte(`{"title": "New board", "slot": 3}`)
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPost, "/api/boards/", "test-alice", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	var board domain.Board
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	assert.Equal(t, "b9", board.ID)
}

func TestCreateBoardValidation(t *testing.T) {
	store := &mockBoardStore{}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPost, "/api/boards/", "test-alice", []byte(`{"title": ""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBoardSlotConflict(t *testing.T) {
	store := &mockBoardStore{
		CreateBoardFunc: func(context.Context, string, string, int, []domain.BoardObject) (*domain.Board, error) {
			return nil, apperr.New(apperr.CodeConflict, "slot already in use")
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPost, "/api/boards/", "test-alice", []byte(`{"title": "x", "slot": 1}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetBoardHidesOtherOwners(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("bob"), nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1", "test-alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBoardBumpsLastAccess(t *testing.T) {
	var bumped bool
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		UpdateBoardFunc: func(_ context.Context, id string, patch domain.BoardPatch) error {
			assert.NotNil(t, patch.LastAccessedAt)
			assert.WithinDuration(t, time.Now(), *patch.LastAccessedAt, 5*time.Second)
			bumped = true
			return nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1", "test-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bumped)
}

func TestRenameBoard(t *testing.T) {
	var gotTitle string
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		UpdateBoardFunc: func(_ context.Context, id string, patch domain.BoardPatch) error {
			require.NotNil(t, patch.Title)
			gotTitle = *patch.Title
			return nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPatch, "/api/boards/b1", "test-alice", []byte(`{"title": "Renamed"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "Renamed", gotTitle)
}

func TestDeleteBoardEvictsCache(t *testing.T) {
	deleted := false
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		SoftDeleteBoardFunc: func(_ context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	cache := &mockCache{}
	rec := doRequest(t, newTestRouter(store, cache), http.MethodDelete, "/api/boards/b1", "test-alice", nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, deleted)
	assert.Equal(t, []string{"b1"}, cache.evicted)
}

func TestListVersions(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		ListVersionsFunc: func(_ context.Context, boardID string) ([]domain.BoardVersion, error) {
			return []domain.BoardVersion{{ID: 1, BoardID: boardID, CreatedBy: "auto-save"}}, nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1/versions", "test-alice", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Versions []domain.BoardVersion `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 1)
	assert.Equal(t, "auto-save", resp.Versions[0].CreatedBy)
}

func TestNotFoundMapsTo404(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(context.Context, string) (*domain.Board, error) {
			return nil, apperr.ErrNotFound
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/ghost", "test-alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorIsOpaque(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(context.Context, string) (*domain.Board, error) {
			return nil, errors.New("pq: connection refused on host db-prod-3")
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1", "test-alice", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db-prod-3")
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealth(stubPinger{}, stubPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealth(stubPinger{err: errors.New("down")}, stubPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
