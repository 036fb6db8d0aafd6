package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/RichardoC/chatrooms/internal/db"
	"github.com/RichardoC/chatrooms/internal/export"
	"github.com/RichardoC/chatrooms/internal/models"
	"github.com/RichardoC/chatrooms/internal/relay"
)

const maxTitleRunes = 100

type Handler struct {
	store        db.Store
	relay        *relay.Relay
	logger       *zap.Logger
	defaultTitle string
}

func NewHandler(store db.Store, rl *relay.Relay, logger *zap.Logger, defaultTitle string) (*Handler, error) {
	if store == nil {
		return nil, errors.New("api: store must not be nil")
	}
	if rl == nil {
		return nil, errors.New("api: relay must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(defaultTitle) == "" {
		defaultTitle = "New chat"
	}
	return &Handler{store: store, relay: rl, logger: logger, defaultTitle: defaultTitle}, nil
}

type titleRequest struct {
	Title string `json:"title"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.store.ListRooms(r.Context())
	if err != nil {
		h.storeError(w, r, "list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	h.logger.Debug("Retrieved rooms", zap.Int("count", len(rooms)))
	writeJSON(w, http.StatusOK, rooms)
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	// an empty body just means "use the default title"
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	title := cleanTitle(req.Title)
	if title == "" {
		title = h.defaultTitle
	}

	room, err := h.store.CreateRoom(r.Context(), title)
	if err != nil {
		h.storeError(w, r, "create room", err)
		return
	}
	h.logger.Info("Created room", zap.String("room_id", room.ID))
	writeJSON(w, http.StatusCreated, room)
}

func (h *Handler) RenameRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	title := cleanTitle(req.Title)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "title is required"})
		return
	}

	room, err := h.store.RenameRoom(r.Context(), id, title)
	if err != nil {
		h.storeError(w, r, "rename room", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": room.ID, "title": room.Title})
}

func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteRoom(r.Context(), id); err != nil {
		h.storeError(w, r, "delete room", err)
		return
	}
	h.logger.Info("Deleted room", zap.String("room_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage stores a user turn; the reply is produced by a following
// GET on the stream endpoint.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	msg, err := h.store.AppendMessage(r.Context(), chi.URLParam(r, "id"), models.RoleUser, req.Prompt)
	if err != nil {
		h.storeError(w, r, "append message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "message": msg})
}

func (h *Handler) StreamMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := h.logger.With(zap.String("room_id", id))

	_, err := h.store.GetRoom(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	case err != nil:
		// the relay degrades on its own; do not refuse the stream
		logger.Warn("Room lookup failed before streaming", zap.Error(err))
	}

	sink := newSSESink(w)
	if err := sink.open(); err != nil {
		logger.Error("Failed to open event stream", zap.Error(err))
		return
	}
	h.relay.Run(r.Context(), id, r.URL.Query().Get("prompt"), sink)
}

func (h *Handler) ExportHTML(w http.ResponseWriter, r *http.Request) {
	room, msgs, ok := h.transcript(w, r)
	if !ok {
		return
	}
	body, err := export.HTML(room, msgs)
	if err != nil {
		h.logger.Error("Failed to render HTML export", zap.String("room_id", room.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeAttachment(w, "text/html; charset=utf-8", export.HTMLFilename(room.ID), body)
}

func (h *Handler) ExportManual(w http.ResponseWriter, r *http.Request) {
	room, msgs, ok := h.transcript(w, r)
	if !ok {
		return
	}
	writeAttachment(w, "text/plain; charset=utf-8", export.TextFilename(room.ID), []byte(export.Text(room, msgs)))
}

func (h *Handler) transcript(w http.ResponseWriter, r *http.Request) (models.Room, []models.Message, bool) {
	room, err := h.store.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, "export", err)
		return models.Room{}, nil, false
	}
	msgs, err := h.store.ListMessages(r.Context(), room.ID)
	if err != nil {
		h.storeError(w, r, "export", err)
		return models.Room{}, nil, false
	}
	return room, msgs, true
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, db.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, db.ErrInvalid):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, db.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "store unavailable"
	}
	if status >= 500 {
		h.logger.Error("Store operation failed",
			zap.String("op", op),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	return strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
