package handler

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"

	"github.com/openboard/openboard/internal/apperr"
)

const (
	maxThumbnailUpload = 2 << 20 // raw upload cap
	thumbWidth         = 320
	thumbHeight        = 240
)

// UploadThumbnail accepts a PNG or JPEG render of the canvas, downscales it
// to the card size and stores it on the board row.
func (h *Handler) UploadThumbnail(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxThumbnailUpload+1))
	if err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "read upload: %v", err))
		return
	}
	if len(raw) > maxThumbnailUpload {
		writeError(w, apperr.New(apperr.CodeValidation, "thumbnail exceeds %d bytes", maxThumbnailUpload))
		return
	}

	thumb, err := downscale(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.boards.UpdateThumbnail(r.Context(), board.ID, thumb); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	board, err := h.ownedBoard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(board.Thumbnail) == 0 {
		writeError(w, apperr.New(apperr.CodeNotFound, "no thumbnail"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(board.Thumbnail)
}

// downscale fits the image into thumbWidth x thumbHeight preserving aspect
// ratio and re-encodes as PNG.
func downscale(raw []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.New(apperr.CodeValidation, "not a decodable image: %v", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, apperr.New(apperr.CodeValidation, "unsupported image format %q", format)
	}

	bounds := src.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	if sw == 0 || sh == 0 {
		return nil, apperr.New(apperr.CodeValidation, "empty image")
	}

	dw, dh := sw, sh
	if dw > thumbWidth || dh > thumbHeight {
		scaleW := float64(thumbWidth) / float64(sw)
		scaleH := float64(thumbHeight) / float64(sh)
		scale := scaleW
		if scaleH < scale {
			scale = scaleH
		}
		dw = int(float64(sw) * scale)
		dh = int(float64(sh) * scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
