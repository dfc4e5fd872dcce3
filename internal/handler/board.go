package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
)

type CreateBoardRequest struct {
	Title string `json:"title" validate:"required,max=255"`
	Slot  int    `json:"slot" validate:"gte=0,lte=99"`
}

type RenameBoardRequest struct {
	Title string `json:"title" validate:"required,max=255"`
}

// BoardSummary is the list-view shape: no objects, no thumbnail bytes.
type BoardSummary struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Slot             int    `json:"slot"`
	Version          int64  `json:"version"`
	ObjectCount      int    `json:"object_count"`
	ThumbnailVersion int64  `json:"thumbnail_version"`
	LastAccessedAt   string `json:"last_accessed_at"`
	UpdatedAt        string `json:"updated_at"`
}

func summarize(b *domain.Board) BoardSummary {
	return BoardSummary{
		ID:               b.ID,
		Title:            b.Title,
		Slot:             b.Slot,
		Version:          b.Version,
		ObjectCount:      len(b.Objects),
		ThumbnailVersion: b.ThumbnailVersion,
		LastAccessedAt:   b.LastAccessedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) ListBoards(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	boards, err := h.boards.ListBoards(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]BoardSummary, len(boards))
	for i := range boards {
		summaries[i] = summarize(&boards[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": summaries})
}

func (h *Handler) CreateBoard(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var body CreateBoardRequest
	if err := decodeValidate(h, r, &body); err != nil {
		writeError(w, err)
		return
	}

	board, err := h.boards.CreateBoard(r.Context(), user.ID, body.Title, body.Slot, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.touchAccess(r.Context(), board.ID)
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) RenameBoard(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body RenameBoardRequest
	if err := decodeValidate(h, r, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := h.boards.UpdateBoard(r.Context(), board.ID, domain.BoardPatch{Title: &body.Title}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.boards.SoftDeleteBoard(r.Context(), board.ID); err != nil {
		writeError(w, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Evict(r.Context(), board.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := h.boards.ListVersions(r.Context(), board.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []domain.BoardVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// ownedBoard loads the routed board and enforces ownership. Non-owners get
// NOT_FOUND rather than a hint that the board exists.
func (h *Handler) ownedBoard(r *http.Request) (*domain.Board, error) {
	user := userFrom(r)
	boardID := chi.URLParam(r, "id")
	board, err := h.boards.GetBoard(r.Context(), boardID)
	if err != nil {
		return nil, err
	}
	if board.OwnerID != user.ID {
		return nil, apperr.New(apperr.CodeNotFound, "board not found")
	}
	return board, nil
}
