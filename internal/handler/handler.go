// Package handler is the thin REST surface for board lifecycle and metadata.
// Everything realtime goes over the websocket; these endpoints only touch the
// durable store.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/auth"
	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
)

// BoardStore is the durable-store slice the REST layer uses.
type BoardStore interface {
	CreateBoard(ctx context.Context, ownerID, title string, slot int, objects []domain.BoardObject) (*domain.Board, error)
	GetBoard(ctx context.Context, id string) (*domain.Board, error)
	ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error)
	UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch) error
	UpdateThumbnail(ctx context.Context, id string, thumbnail []byte) error
	SoftDeleteBoard(ctx context.Context, id string) error
	ListVersions(ctx context.Context, boardID string) ([]domain.BoardVersion, error)
}

// CacheCleaner drops a deleted board's redis footprint.
type CacheCleaner interface {
	Evict(ctx context.Context, boardID string) error
}

type Handler struct {
	boards   BoardStore
	cache    CacheCleaner
	authn    *auth.Authenticator
	validate *validator.Validate
}

func New(boards BoardStore, cache CacheCleaner, authn *auth.Authenticator) *Handler {
	return &Handler{
		boards:   boards,
		cache:    cache,
		authn:    authn,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type ctxKey int

const userKey ctxKey = 0

// RequireAuth resolves the bearer token and stashes the user in the request
// context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authn.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func userFrom(r *http.Request) *domain.User {
	user, _ := r.Context().Value(userKey).(*domain.User)
	return user
}

func decodeValidate[T any](h *Handler, r *http.Request, body *T) error {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed request body: %v", err)
	}
	if err := h.validate.Struct(body); err != nil {
		return apperr.New(apperr.CodeValidation, "invalid request: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var withStatus *apperr.ErrorWithStatusCode
	if errors.As(err, &withStatus) {
		http.Error(w, withStatus.Message, withStatus.StatusCode)
		return
	}

	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeUnauthorized:
		status = http.StatusUnauthorized
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodeLimit, apperr.CodeRateLimit:
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("request failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

// touchAccess best-effort bumps last_accessed_at.
func (h *Handler) touchAccess(ctx context.Context, boardID string) {
	now := time.Now().UTC()
	if err := h.boards.UpdateBoard(ctx, boardID, domain.BoardPatch{LastAccessedAt: &now}); err != nil {
		logger.Log.Debug("last access bump failed", "board_id", boardID, "error", err)
	}
}
