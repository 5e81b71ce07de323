package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/ratelimit"
	"github.com/manpreetbhatti/rendezvous/backend/internal/signaling"
	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
	"github.com/manpreetbhatti/rendezvous/backend/internal/ws"
)

const (
	maxBodyBytes    = 64 * 1024
	generateRetries = 5
	requestTimeout  = 10 * time.Second
)

type Options struct {
	ICEServers []webrtc.ICEServer
	Limiters   *ratelimit.ClientLimiters // optional
}

type API struct {
	hub     *ws.Hub
	store   store.Store // optional, room routes answer 503 without it
	opts    Options
	logger  *slog.Logger
	newID   func() string
	started time.Time
}

func New(hub *ws.Hub, st store.Store, opts Options, logger *slog.Logger) *API {
	return &API{
		hub:     hub,
		store:   st,
		opts:    opts,
		logger:  logger,
		newID:   func() string { return petname.Generate(3, "-") },
		started: time.Now(),
	}
}

// Routes registers the health, stats and REST room endpoints.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.HealthHandler)
	mux.Handle("/api/stats", a.limit(http.HandlerFunc(a.StatsHandler)))
	mux.Handle("/api/ice-servers", a.limit(http.HandlerFunc(a.ICEServersHandler)))
	mux.Handle("/api/rooms", a.limit(http.HandlerFunc(a.RoomsRouter)))
	mux.Handle("/api/rooms/", a.limit(http.HandlerFunc(a.RoomsRouter)))
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding JSON response", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// storeError maps store and validation errors onto status codes.
func (a *API) storeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		errorResponse(w, http.StatusNotFound, "Room not found")
	case errors.Is(err, store.ErrRoomExists):
		errorResponse(w, http.StatusConflict, "Room already exists")
	case errors.Is(err, signaling.ErrInvalidData):
		errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("store request failed", "action", action, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	registry := a.hub.Coordinator().Registry()
	stats := map[string]any{
		"active_rooms":   registry.Count(),
		"paired_rooms":   registry.Paired(),
		"active_clients": a.hub.GetClientCount(),
		"uptime_seconds": int(time.Since(a.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		count, err := a.store.CountRooms(r.Context())
		if err == nil {
			stats["stored_rooms"] = count
		} else {
			a.logger.Warn("counting stored rooms failed", "err", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) ICEServersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	servers := a.opts.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// Room handlers

type CreateRoomRequest struct {
	ID    string                     `json:"id,omitempty"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

type UpdateRoomRequest struct {
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

type ResetRoomRequest struct {
	Offer *webrtc.SessionDescription `json:"offer,omitempty"`
}

type AddCandidateRequest struct {
	Role      string                   `json:"role"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

type CandidatesResponse struct {
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
	Next       int                       `json:"next"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.storeError(w, err, "list rooms")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  rooms,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := signaling.ValidateDescription(req.Offer, webrtc.SDPTypeOffer); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.ID != "" {
		if err := signaling.ValidateRoomID(req.ID); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		room, err := a.store.CreateRoom(r.Context(), req.ID, *req.Offer)
		if err != nil {
			a.storeError(w, err, "create room")
			return
		}
		jsonResponse(w, http.StatusCreated, room)
		return
	}

	// Generated ids can collide; try a few before giving up.
	for i := 0; i < generateRetries; i++ {
		room, err := a.store.CreateRoom(r.Context(), a.newID(), *req.Offer)
		if errors.Is(err, store.ErrRoomExists) {
			continue
		}
		if err != nil {
			a.storeError(w, err, "create room")
			return
		}
		jsonResponse(w, http.StatusCreated, room)
		return
	}
	errorResponse(w, http.StatusServiceUnavailable, "Could not allocate a room id")
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := a.store.GetRoom(r.Context(), roomID)
	if err != nil {
		a.storeError(w, err, "get room")
		return
	}
	jsonResponse(w, http.StatusOK, room)
}

func (a *API) UpdateRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req UpdateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Offer == nil && req.Answer == nil {
		errorResponse(w, http.StatusBadRequest, "offer or answer is required")
		return
	}
	if req.Offer != nil {
		if err := signaling.ValidateDescription(req.Offer, webrtc.SDPTypeOffer); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Answer != nil {
		if err := signaling.ValidateDescription(req.Answer, webrtc.SDPTypeAnswer); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	room, err := a.store.UpdateRoom(r.Context(), roomID, req.Offer, req.Answer)
	if err != nil {
		a.storeError(w, err, "update room")
		return
	}
	jsonResponse(w, http.StatusOK, room)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		a.storeError(w, err, "delete room")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) ResetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req ResetRoomRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Offer != nil {
		if err := signaling.ValidateDescription(req.Offer, webrtc.SDPTypeOffer); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	room, err := a.store.ResetRoom(r.Context(), roomID, req.Offer)
	if err != nil {
		a.storeError(w, err, "reset room")
		return
	}
	jsonResponse(w, http.StatusOK, room)
}

func (a *API) AddCandidateHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req AddCandidateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	role, err := store.ParseRole(req.Role)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := signaling.ValidateCandidate(req.Candidate); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.AddCandidate(r.Context(), roomID, role, *req.Candidate); err != nil {
		a.storeError(w, err, "add candidate")
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]string{"message": "Candidate added"})
}

// ListCandidatesHandler serves the polling cursor: ?after=N skips the first
// N candidates and the response's next is the cursor for the following poll.
func (a *API) ListCandidatesHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	role, err := store.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	if after < 0 {
		after = 0
	}

	candidates, err := a.store.ListCandidates(r.Context(), roomID, role)
	if err != nil {
		a.storeError(w, err, "list candidates")
		return
	}

	if after > len(candidates) {
		after = len(candidates)
	}
	jsonResponse(w, http.StatusOK, CandidatesResponse{
		Candidates: candidates[after:],
		Next:       len(candidates),
	})
}

// RoomsRouter dispatches /api/rooms, /api/rooms/{id},
// /api/rooms/{id}/candidates and /api/rooms/{id}/reset.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room storage is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	// /api/rooms or /api/rooms/
	if path == "" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.CreateRoomHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	roomID, sub, _ := strings.Cut(path, "/")

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.GetRoomHandler(w, r, roomID)
		case http.MethodPut:
			a.UpdateRoomHandler(w, r, roomID)
		case http.MethodDelete:
			a.DeleteRoomHandler(w, r, roomID)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}

	case "candidates":
		switch r.Method {
		case http.MethodGet:
			a.ListCandidatesHandler(w, r, roomID)
		case http.MethodPost:
			a.AddCandidateHandler(w, r, roomID)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}

	case "reset":
		if r.Method != http.MethodPost {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.ResetRoomHandler(w, r, roomID)

	default:
		errorResponse(w, http.StatusNotFound, "Not found")
	}
}

// Middleware

func (a *API) limit(next http.Handler) http.Handler {
	if a.opts.Limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.opts.Limiters.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			errorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORS answers preflight requests and sets the allow headers for origins on
// the allow-list. An empty list allows every origin.
func CORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && ws.OriginAllowed(allowed, origin) {
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
