package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"whisp.exchange/config"
	"whisp.exchange/internal/engine"
	"whisp.exchange/web"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	engine *engine.Engine
	config *config.Config
}

func NewHandler(e *engine.Engine, cfg *config.Config) *Handler {
	return &Handler{
		engine: e,
		config: cfg,
	}
}

type CreateResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	IsFile    bool      `json:"is_file"`
	ExpiresAt time.Time `json:"expires_at"`
}

type WhispResponse struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	IsFile    bool      `json:"is_file"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateWhisp accepts a multipart form: encrypted_payload (the
// client-encrypted text, or the display filename when a file is attached),
// ttl_minutes, optional password, optional file.
func (h *Handler) CreateWhisp(w http.ResponseWriter, r *http.Request) {
	// Slack over the file cap so the rest of the form still fits.
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Blob.MaxFileSize+(1<<20))

	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.error(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large, max size: %d bytes", h.config.Blob.MaxFileSize))
			return
		}
		// Text-only clients may post a plain form instead.
		if err := r.ParseForm(); err != nil {
			h.error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	payload := r.FormValue("encrypted_payload")
	if payload == "" {
		h.error(w, http.StatusBadRequest, "encrypted_payload is required")
		return
	}

	ttl := h.config.Secrets.DefaultTTLMinutes
	if v := r.FormValue("ttl_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.error(w, http.StatusBadRequest, "invalid ttl_minutes")
			return
		}
		ttl = n
	}

	var fileContent []byte
	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		fileContent, err = io.ReadAll(file)
		if err != nil {
			h.error(w, http.StatusInternalServerError, "reading upload failed")
			return
		}
	} else if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		h.error(w, http.StatusBadRequest, "invalid file upload")
		return
	}

	whisp, err := h.engine.Create(r.Context(), engine.CreateParams{
		Payload:    payload,
		TTLMinutes: ttl,
		Password:   r.FormValue("password"),
		File:       fileContent,
	})
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{
		ID:        whisp.ID,
		URL:       h.config.Server.BaseURL + "/reveal?id=" + whisp.ID,
		IsFile:    whisp.IsFile,
		ExpiresAt: whisp.ExpiresAt,
	})
}

// GetWhisp returns whisp metadata. Text whisps are consumed by this read;
// file whisps persist until the content itself is downloaded.
func (h *Handler) GetWhisp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	password := r.URL.Query().Get("password")

	whisp, err := h.engine.FetchMetadata(r.Context(), id, password)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	h.json(w, http.StatusOK, WhispResponse{
		ID:        whisp.ID,
		Payload:   whisp.Payload,
		IsFile:    whisp.IsFile,
		ExpiresAt: whisp.ExpiresAt,
		CreatedAt: whisp.CreatedAt,
	})
}

// GetWhispFile redeems a file whisp and streams the decrypted content.
func (h *Handler) GetWhispFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	password := r.URL.Query().Get("password")

	content, filename, err := h.engine.FetchFile(r.Context(), id, password)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Write(content)
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "create.html")
}

func (h *Handler) RevealPage(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "reveal.html")
}

func (h *Handler) serveFile(w http.ResponseWriter, filename string) {
	content, err := web.GetFile(filename)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.error(w, http.StatusNotFound, "whisp not found or expired")
	case errors.Is(err, engine.ErrUnauthorized):
		h.error(w, http.StatusUnauthorized, "invalid password")
	case errors.Is(err, engine.ErrInvalidTTL):
		h.error(w, http.StatusBadRequest, "TTL must be between 1 minute and 1 week")
	case errors.Is(err, engine.ErrPayloadTooLarge):
		h.error(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large, max size: %d bytes", h.config.Blob.MaxFileSize))
	case errors.Is(err, engine.ErrDecryption):
		h.error(w, http.StatusInternalServerError, "decryption failed")
	default:
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}
