package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/db"
	"github.com/manpreetbhatti/rendezvous/backend/internal/events"
	"github.com/manpreetbhatti/rendezvous/backend/internal/ratelimit"
	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
	"github.com/manpreetbhatti/rendezvous/backend/internal/ws"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const testSDP = "v=0\r\no=- 4611731400430051336 %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func sdp(t webrtc.SDPType, version int) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: t, SDP: fmt.Sprintf(testSDP, version)}
}

func setupTestAPI(t *testing.T, opts Options) (*API, http.Handler, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "rendezvous-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath, discard)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(room.NewRegistry(), events.Nop{}, discard)
	go hub.Run()

	api := New(hub, database, opts, discard)
	mux := http.NewServeMux()
	api.Routes(mux)

	cleanup := func() {
		hub.Stop()
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, mux, cleanup
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	w := do(t, h, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode[map[string]any](t, w)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	api.hub.Coordinator().Registry().Create("live", "endpoint-1", *sdp(webrtc.SDPTypeOffer, 1))
	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "stored", Offer: sdp(webrtc.SDPTypeOffer, 1)})

	w := do(t, h, "GET", "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	stats := decode[map[string]any](t, w)
	if stats["active_rooms"] != float64(1) {
		t.Errorf("Expected 1 active room, got %v", stats["active_rooms"])
	}
	if stats["paired_rooms"] != float64(0) {
		t.Errorf("Expected 0 paired rooms, got %v", stats["paired_rooms"])
	}
	if stats["stored_rooms"] != float64(1) {
		t.Errorf("Expected 1 stored room, got %v", stats["stored_rooms"])
	}
}

func TestICEServersHandler(t *testing.T) {
	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.example:3478"}}}
	_, h, cleanup := setupTestAPI(t, Options{ICEServers: servers})
	defer cleanup()

	w := do(t, h, "GET", "/api/ice-servers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decode[struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}](t, w)
	if len(resp.ICEServers) != 1 || resp.ICEServers[0].URLs[0] != "stun:stun.example:3478" {
		t.Errorf("Unexpected ice servers: %+v", resp.ICEServers)
	}
}

func TestCreateRoom(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	w := do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "test-room", Offer: sdp(webrtc.SDPTypeOffer, 1)})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	room := decode[store.Room](t, w)
	if room.ID != "test-room" {
		t.Errorf("Expected room ID 'test-room', got '%s'", room.ID)
	}
	if room.Offer.SDP != sdp(webrtc.SDPTypeOffer, 1).SDP {
		t.Error("Offer should be stored verbatim")
	}

	w = do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "test-room", Offer: sdp(webrtc.SDPTypeOffer, 2)})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for duplicate, got %d", w.Code)
	}
}

func TestCreateRoomGeneratesID(t *testing.T) {
	api, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	ids := []string{"taken", "taken", "brave-quiet-otter"}
	api.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "taken", Offer: sdp(webrtc.SDPTypeOffer, 1)})

	w := do(t, h, "POST", "/api/rooms", CreateRoomRequest{Offer: sdp(webrtc.SDPTypeOffer, 1)})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	if room := decode[store.Room](t, w); room.ID != "brave-quiet-otter" {
		t.Errorf("Expected generated id after collisions, got '%s'", room.ID)
	}
}

func TestCreateRoomInvalid(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	tests := []struct {
		name string
		body any
	}{
		{"missing offer", CreateRoomRequest{ID: "x"}},
		{"answer as offer", CreateRoomRequest{ID: "x", Offer: sdp(webrtc.SDPTypeAnswer, 1)}},
		{"unparseable sdp", CreateRoomRequest{ID: "x", Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"}}},
		{"padded id", CreateRoomRequest{ID: " x ", Offer: sdp(webrtc.SDPTypeOffer, 1)}},
		{"not json", "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/rooms", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestGetAndDeleteRoom(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "r1", Offer: sdp(webrtc.SDPTypeOffer, 1)})

	w := do(t, h, "GET", "/api/rooms/r1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = do(t, h, "GET", "/api/rooms/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = do(t, h, "DELETE", "/api/rooms/r1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = do(t, h, "GET", "/api/rooms/r1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Deleted room should return 404, got %d", w.Code)
	}
}

func TestListRooms(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	for i := 0; i < 3; i++ {
		do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: fmt.Sprintf("room-%d", i), Offer: sdp(webrtc.SDPTypeOffer, i)})
	}

	w := do(t, h, "GET", "/api/rooms?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decode[struct {
		Rooms []store.Room `json:"rooms"`
		Limit int          `json:"limit"`
	}](t, w)
	if len(resp.Rooms) != 2 || resp.Limit != 2 {
		t.Errorf("Expected 2 rooms with limit 2, got %d rooms, limit %d", len(resp.Rooms), resp.Limit)
	}
}

func TestAnswerAndCandidatePolling(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "call", Offer: sdp(webrtc.SDPTypeOffer, 1)})

	for i := 1; i <= 2; i++ {
		w := do(t, h, "POST", "/api/rooms/call/candidates", AddCandidateRequest{
			Role:      "caller",
			Candidate: &webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := do(t, h, "GET", "/api/rooms/call/candidates?role=caller", nil)
	first := decode[CandidatesResponse](t, w)
	if len(first.Candidates) != 2 || first.Next != 2 {
		t.Fatalf("Expected 2 candidates and cursor 2, got %+v", first)
	}

	do(t, h, "POST", "/api/rooms/call/candidates", AddCandidateRequest{
		Role:      "caller",
		Candidate: &webrtc.ICECandidateInit{Candidate: ""},
	})

	w = do(t, h, "GET", fmt.Sprintf("/api/rooms/call/candidates?role=caller&after=%d", first.Next), nil)
	next := decode[CandidatesResponse](t, w)
	if len(next.Candidates) != 1 || next.Candidates[0].Candidate != "" || next.Next != 3 {
		t.Errorf("Expected only the end-of-candidates marker, got %+v", next)
	}

	w = do(t, h, "PUT", "/api/rooms/call", UpdateRoomRequest{Answer: sdp(webrtc.SDPTypeAnswer, 5)})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if room := decode[store.Room](t, w); room.Answer == nil {
		t.Error("Answer should be stored")
	}

	w = do(t, h, "POST", "/api/rooms/call/candidates", AddCandidateRequest{Role: "observer", Candidate: &webrtc.ICECandidateInit{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown role, got %d", w.Code)
	}

	w = do(t, h, "POST", "/api/rooms/missing/candidates", AddCandidateRequest{Role: "callee", Candidate: &webrtc.ICECandidateInit{}})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown room, got %d", w.Code)
	}
}

func TestUpdateRoomValidation(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "r", Offer: sdp(webrtc.SDPTypeOffer, 1)})

	if w := do(t, h, "PUT", "/api/rooms/r", UpdateRoomRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("Empty update should be rejected, got %d", w.Code)
	}
	if w := do(t, h, "PUT", "/api/rooms/r", UpdateRoomRequest{Answer: sdp(webrtc.SDPTypeOffer, 2)}); w.Code != http.StatusBadRequest {
		t.Errorf("Offer sent as answer should be rejected, got %d", w.Code)
	}
	if w := do(t, h, "PUT", "/api/rooms/missing", UpdateRoomRequest{Offer: sdp(webrtc.SDPTypeOffer, 2)}); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestResetRoom(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	do(t, h, "POST", "/api/rooms", CreateRoomRequest{ID: "r", Offer: sdp(webrtc.SDPTypeOffer, 1)})
	do(t, h, "PUT", "/api/rooms/r", UpdateRoomRequest{Answer: sdp(webrtc.SDPTypeAnswer, 2)})
	do(t, h, "POST", "/api/rooms/r/candidates", AddCandidateRequest{Role: "callee", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}})

	w := do(t, h, "POST", "/api/rooms/r/reset", ResetRoomRequest{Offer: sdp(webrtc.SDPTypeOffer, 3)})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	room := decode[store.Room](t, w)
	if room.Answer != nil || len(room.CalleeCandidates) != 0 {
		t.Errorf("Reset should clear answer and callee candidates, got %+v", room)
	}
	if room.Offer.SDP != sdp(webrtc.SDPTypeOffer, 3).SDP {
		t.Error("Reset should install the new offer")
	}

	w = do(t, h, "POST", "/api/rooms/r/reset", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Reset without body should succeed, got %d", w.Code)
	}
}

func TestRoomsRouterMethods(t *testing.T) {
	_, h, cleanup := setupTestAPI(t, Options{})
	defer cleanup()

	tests := []struct {
		method, path string
		want         int
	}{
		{"PATCH", "/api/rooms", http.StatusMethodNotAllowed},
		{"POST", "/api/rooms/r", http.StatusMethodNotAllowed},
		{"GET", "/api/rooms/r/reset", http.StatusMethodNotAllowed},
		{"GET", "/api/rooms/r/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := do(t, h, tt.method, tt.path, nil); w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
	}
}

func TestRoomsWithoutStore(t *testing.T) {
	hub := ws.NewHub(room.NewRegistry(), events.Nop{}, discard)
	api := New(hub, nil, Options{}, discard)
	mux := http.NewServeMux()
	api.Routes(mux)

	if w := do(t, mux, "GET", "/api/rooms", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a store, got %d", w.Code)
	}
	if w := do(t, mux, "GET", "/api/stats", nil); w.Code != http.StatusOK {
		t.Errorf("Stats should work without a store, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiters := ratelimit.NewClientLimiters(0.001, 2)
	defer limiters.Stop()

	_, h, cleanup := setupTestAPI(t, Options{Limiters: limiters})
	defer cleanup()

	for i := 0; i < 2; i++ {
		if w := do(t, h, "GET", "/api/stats", nil); w.Code != http.StatusOK {
			t.Fatalf("Request %d should pass, got %d", i, w.Code)
		}
	}
	w := do(t, h, "GET", "/api/stats", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}

	// Health checks are never limited.
	if w := do(t, h, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("Health should not be rate limited, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORS([]string{"https://app.example"}, next)

	req := httptest.NewRequest("OPTIONS", "/api/rooms", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Expected allowed origin echoed, got '%s'", got)
	}

	req = httptest.NewRequest("GET", "/api/rooms", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Disallowed origin should get no CORS header, got '%s'", got)
	}
}
