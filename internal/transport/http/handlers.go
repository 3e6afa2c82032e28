package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/gateway"
	"github.com/sneh-joshi/epochchat/internal/node"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/types"
)

// maxPeerIDBytes bounds peer IDs taken from the URL path.
const maxPeerIDBytes = 128

// Handler groups all HTTP request handlers.
type Handler struct {
	store   storage.Store
	gw      *gateway.Gateway
	nodeID  string
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status      string `json:"status"`
	NodeID      string `json:"nodeId"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
	UptimeMs    int64  `json:"uptimeMs"`
}

type historyResp struct {
	Messages []*types.Message `json:"messages"`
}

type conversationsResp struct {
	Conversations []types.Conversation `json:"conversations"`
}

type seenResp struct {
	Updated int `json:"updated"`
}

type contactAddedReq struct {
	SenderName string `json:"senderName"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:      "ok",
		NodeID:      h.nodeID,
		Connections: h.gw.Registry().Len(),
		Uptime:      elapsed.Round(time.Second).String(),
		UptimeMs:    elapsed.Milliseconds(),
	})
}

// ─── History ──────────────────────────────────────────────────────────────────

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	me, peer, ok := h.parties(w, r)
	if !ok {
		return
	}

	var opts storage.HistoryOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("before"); v != "" {
		if err := node.Validate(v); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be a message id"))
			return
		}
		opts.Before = v
	}

	msgs, err := h.store.History(r.Context(), me, peer, opts)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, historyResp{Messages: msgs})
}

func (h *Handler) conversations(w http.ResponseWriter, r *http.Request) {
	me, _ := PeerFromContext(r.Context())
	convs, err := h.store.Conversations(r.Context(), me)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if convs == nil {
		convs = []types.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationsResp{Conversations: convs})
}

func (h *Handler) markSeen(w http.ResponseWriter, r *http.Request) {
	me, peer, ok := h.parties(w, r)
	if !ok {
		return
	}
	n, err := h.gw.Tracker().MarkSeen(r.Context(), me, peer)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seenResp{Updated: n})
}

// ─── Contacts ─────────────────────────────────────────────────────────────────

// contactAdded is called after the contact service has stored a new contact.
// It tells the added peer, wherever they are connected.
func (h *Handler) contactAdded(w http.ResponseWriter, r *http.Request) {
	me, peer, ok := h.parties(w, r)
	if !ok {
		return
	}
	var req contactAddedReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	ev := broker.ContactAddedEvent{SenderID: me, RecipientID: peer, SenderName: req.SenderName}
	if err := h.gw.Publish(r.Context(), ev); err != nil {
		slog.Error("http: contact added publish failed", "peer", me, "recipient", peer, "err", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("event not published"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// parties returns the authenticated caller and the {peer} path value.
func (h *Handler) parties(w http.ResponseWriter, r *http.Request) (me, peer string, ok bool) {
	me, ok = PeerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", "", false
	}
	peer = r.PathValue("peer")
	if !types.ValidPeerID(peer) || len(peer) > maxPeerIDBytes {
		writeError(w, http.StatusBadRequest, errors.New("invalid peer id"))
		return "", "", false
	}
	if peer == me {
		writeError(w, http.StatusBadRequest, errors.New("peer must not be the caller"))
		return "", "", false
	}
	return me, peer, true
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalidPeer):
		writeError(w, http.StatusBadRequest, err)
	default:
		slog.Error("http: store error", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeOptionalJSON decodes the body into v. An empty body leaves v as is.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
