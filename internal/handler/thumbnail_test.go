package handler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openboard/openboard/internal/domain"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadThumbnailDownscales(t *testing.T) {
	var stored []byte
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		UpdateThumbnailFunc: func(_ context.Context, id string, thumbnail []byte) error {
			stored = thumbnail
			return nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPut, "/api/boards/b1/thumbnail", "test-alice", encodePNG(t, 1600, 900))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotEmpty(t, stored)

	img, format, err := image.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.LessOrEqual(t, img.Bounds().Dx(), 320)
	assert.LessOrEqual(t, img.Bounds().Dy(), 240)
	// aspect ratio preserved: 16:9 fits width-bound
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 180, img.Bounds().Dy())
}

func TestUploadThumbnailKeepsSmallImages(t *testing.T) {
	var stored []byte
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		UpdateThumbnailFunc: func(_ context.Context, id string, thumbnail []byte) error {
			stored = thumbnail
			return nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPut, "/api/boards/b1/thumbnail", "test-alice", encodePNG(t, 100, 80))

	require.Equal(t, http.StatusNoContent, rec.Code)
	img, _, err := image.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())
}

func TestUploadThumbnailRejectsGarbage(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
		UpdateThumbnailFunc: func(context.Context, string, []byte) error {
			t.Fatal("garbage must not reach the store")
			return nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodPut, "/api/boards/b1/thumbnail", "test-alice", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetThumbnail(t *testing.T) {
	board := ownedBy("alice")
	board.Thumbnail = encodePNG(t, 64, 48)
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return board, nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1/thumbnail", "test-alice", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, board.Thumbnail, rec.Body.Bytes())
}

func TestGetThumbnailMissing(t *testing.T) {
	store := &mockBoardStore{
		GetBoardFunc: func(_ context.Context, id string) (*domain.Board, error) {
			return ownedBy("alice"), nil
		},
	}
	rec := doRequest(t, newTestRouter(store, nil), http.MethodGet, "/api/boards/b1/thumbnail", "test-alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
