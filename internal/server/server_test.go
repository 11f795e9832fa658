package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/chat"
	"github.com/musicr/musicr/internal/config"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/match"
	"github.com/musicr/musicr/internal/presence"
	"github.com/musicr/musicr/internal/store"
	"github.com/musicr/musicr/pkg/protocol"
)

// gatewayStore backs both the chat pipeline and the REST handlers, so one
// fixture can drive full client round trips without Postgres.
type gatewayStore struct {
	mu      sync.Mutex
	inserts []store.InsertMessageParams

	addInserted   bool
	removeRemoved bool

	history   []*domain.Message
	reactions map[string][]domain.ReactionGroup
	songCount int64
	pingErr   error
}

func (f *gatewayStore) GetOrCreateUser(_ context.Context, clientID uuid.UUID, _ string) (*domain.User, error) {
	return &domain.User{
		ID:     clientID.String(),
		Handle: "fan-" + clientID.String()[:8],
	}, nil
}

func (f *gatewayStore) TouchUser(context.Context, uuid.UUID) error {
	return nil
}

func (f *gatewayStore) GetOrCreateRoom(_ context.Context, name string) (*domain.Room, error) {
	return &domain.Room{Name: name}, nil
}

func (f *gatewayStore) InsertMessage(_ context.Context, params store.InsertMessageParams) (*domain.Message, error) {
	f.mu.Lock()
	f.inserts = append(f.inserts, params)
	f.mu.Unlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Room:      params.Room,
		UserID:    params.UserID.String(),
		Handle:    params.Handle,
		Text:      params.Text,
		SongID:    params.SongID,
		Song:      params.Song,
		Scores:    params.Scores,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if params.ReplyToMessageID != nil {
		rt := params.ReplyToMessageID.String()
		msg.ReplyToMessageID = &rt
	}
	return msg, nil
}

func (f *gatewayStore) AddReaction(context.Context, uuid.UUID, uuid.UUID, string) (bool, error) {
	return f.addInserted, nil
}

func (f *gatewayStore) RemoveReaction(context.Context, uuid.UUID, uuid.UUID, string) (bool, error) {
	return f.removeRemoved, nil
}

func (f *gatewayStore) ListMessages(context.Context, string, *uuid.UUID, int) ([]*domain.Message, error) {
	return f.history, nil
}

func (f *gatewayStore) AggregateReactions(context.Context, []uuid.UUID) (map[string][]domain.ReactionGroup, error) {
	return f.reactions, nil
}

func (f *gatewayStore) CountSongs(context.Context) (int64, error) {
	return f.songCount, nil
}

func (f *gatewayStore) insertedParams() []store.InsertMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.InsertMessageParams(nil), f.inserts...)
}

type gatewayMatcher struct {
	mu     sync.Mutex
	result match.Result
	err    error
}

func (m *gatewayMatcher) Match(context.Context, string) (match.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.err
}

func matchedSong() match.Result {
	return match.Result{
		Primary: &domain.SongRef{
			ID:     "song_0001",
			Title:  "Ramble On",
			Artist: "Led Zeppelin",
			Year:   1969,
		},
		Scores: protocol.Scores{
			Mode:        "semantic",
			Model:       "all-MiniLM-L6-v2",
			EfSearch:    80,
			Fingerprint: "fp-1",
		},
		Reasoning:  "nearest of 8 candidates",
		Similarity: 0.81,
	}
}

type gatewayFixture struct {
	ts      *httptest.Server
	srv     *Server
	store   *gatewayStore
	matcher *gatewayMatcher
	cfg     *config.Config
}

func newGatewayFixture(t *testing.T, mutate func(cfg *config.Config, st *gatewayStore)) *gatewayFixture {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:   []string{"http://localhost:3000"},
			CookieSecret:     "test-secret",
			Environment:      "development",
			HeartbeatTimeout: 45 * time.Second,
			RateLimitCount:   100,
			RateLimitWindow:  10 * time.Second,
		},
	}
	st := &gatewayStore{
		addInserted:   true,
		removeRemoved: true,
		reactions:     map[string][]domain.ReactionGroup{},
		songCount:     1234,
	}
	if mutate != nil {
		mutate(cfg, st)
	}

	hub := NewHub()
	reg := presence.NewLocal("ins_test")
	b := bus.NewStandalone()
	matcher := &gatewayMatcher{result: matchedSong()}
	limiter := NewIPRateLimiter(cfg.Server.RateLimitCount, cfg.Server.RateLimitWindow)
	svc := chat.NewService(st, matcher, b, hub, limiter, "ins_test", cfg.Server.MaintenanceMode)

	dbPing := func(context.Context) error { return st.pingErr }
	srv := New(cfg, st, dbPing, svc, hub, reg, b, "ins_test")

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &gatewayFixture{ts: ts, srv: srv, store: st, matcher: matcher, cfg: cfg}
}

// dialWS opens a real client socket. Cleanup closes it before the test
// server shuts down, so handlers blocked in their read loop unwind.
func (f *gatewayFixture) dialWS(t *testing.T, userID uuid.UUID, room string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?userId=" + userID.String()
	if room != "" {
		wsURL += "&room=" + url.QueryEscape(room)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return env
}

func readFrameOfType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	env := readFrame(t, ws)
	if env["type"] != want {
		t.Fatalf("frame type = %v, want %q (frame %v)", env["type"], want, env)
	}
	return env
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func getJSON(t *testing.T, rawURL string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", rawURL, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func TestWSRejectsMissingIdentity(t *testing.T) {
	f := newGatewayFixture(t, nil)

	for _, target := range []string{"/ws", "/ws?userId=not-a-uuid"} {
		var body map[string]string
		resp := getJSON(t, f.ts.URL+target, &body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, resp.StatusCode)
		}
		if body["error"] != "userId must be a UUID" {
			t.Errorf("GET %s error = %q", target, body["error"])
		}
	}
}

func TestWSMaintenanceRefusesUpgrade(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *config.Config, _ *gatewayStore) {
		cfg.Server.MaintenanceMode = true
	})

	var body map[string]string
	resp := getJSON(t, f.ts.URL+"/ws?userId="+uuid.New().String(), &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body["error"] != "maintenance in progress" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWSJoinDeliversPresenceThenRoster(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := uuid.New()

	ws := f.dialWS(t, alice, "")

	joined := readFrameOfType(t, ws, protocol.TypeUserJoined)
	if joined["room"] != "default" {
		t.Errorf("room = %v, want default", joined["room"])
	}
	if joined["userId"] != alice.String() {
		t.Errorf("userId = %v", joined["userId"])
	}
	if joined["handle"] != "fan-"+alice.String()[:8] {
		t.Errorf("handle = %v", joined["handle"])
	}
	if _, err := time.Parse(time.RFC3339Nano, joined["joinedAt"].(string)); err != nil {
		t.Errorf("joinedAt %v: %v", joined["joinedAt"], err)
	}

	roster := readFrameOfType(t, ws, protocol.TypeRoster)
	users, ok := roster["users"].([]any)
	if !ok || len(users) != 1 {
		t.Fatalf("roster users = %v, want exactly the joiner", roster["users"])
	}
	user := users[0].(map[string]any)
	if user["userId"] != alice.String() {
		t.Errorf("roster userId = %v", user["userId"])
	}
}

func TestWSPeersSeeEachOtherJoin(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice, bob := uuid.New(), uuid.New()

	wsAlice := f.dialWS(t, alice, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsAlice, protocol.TypeRoster)

	wsBob := f.dialWS(t, bob, "")

	// Alice hears about Bob; Bob's own snapshot lists both of them.
	joined := readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	if joined["userId"] != bob.String() {
		t.Errorf("alice saw join of %v, want bob", joined["userId"])
	}

	readFrameOfType(t, wsBob, protocol.TypeUserJoined)
	roster := readFrameOfType(t, wsBob, protocol.TypeRoster)
	users := roster["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("bob's roster has %d users, want 2", len(users))
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u.(map[string]any)["userId"].(string)] = true
	}
	if !seen[alice.String()] || !seen[bob.String()] {
		t.Errorf("roster missing a peer: %v", seen)
	}
}

func TestWSSecondTabDoesNotReannounce(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := uuid.New()

	tab1 := f.dialWS(t, alice, "")
	readFrameOfType(t, tab1, protocol.TypeUserJoined)
	readFrameOfType(t, tab1, protocol.TypeRoster)

	tab2 := f.dialWS(t, alice, "")

	// The second tab gets only the snapshot; no join was announced.
	readFrameOfType(t, tab2, protocol.TypeRoster)

	sendFrame(t, tab1, map[string]string{"type": "ping"})
	readFrameOfType(t, tab1, protocol.TypePong)
}

func TestWSMessageRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice, bob := uuid.New(), uuid.New()

	wsAlice := f.dialWS(t, alice, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsAlice, protocol.TypeRoster)

	wsBob := f.dialWS(t, bob, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeRoster)

	sendFrame(t, wsAlice, map[string]string{
		"type":         "msg",
		"text":         "  so tired of being alone  ",
		"clientTempId": "tmp-1",
	})

	display := readFrameOfType(t, wsAlice, protocol.TypeDisplay)
	if display["text"] != "so tired of being alone" {
		t.Errorf("text = %q, want trimmed", display["text"])
	}
	if display["clientTempId"] != "tmp-1" {
		t.Errorf("clientTempId = %v", display["clientTempId"])
	}
	if display["userId"] != alice.String() {
		t.Errorf("userId = %v", display["userId"])
	}
	if display["durable"] != true {
		t.Errorf("durable = %v", display["durable"])
	}
	if _, err := uuid.Parse(display["id"].(string)); err != nil {
		t.Errorf("id %v is not a UUID", display["id"])
	}
	song, ok := display["song"].(map[string]any)
	if !ok {
		t.Fatalf("display has no song: %v", display)
	}
	if song["title"] != "Ramble On" || song["artist"] != "Led Zeppelin" {
		t.Errorf("song = %v", song)
	}
	scores := display["scores"].(map[string]any)
	if scores["mode"] != "semantic" {
		t.Errorf("scores.mode = %v", scores["mode"])
	}
	if display["reasoning"] == "" {
		t.Error("reasoning should be populated")
	}

	// The same envelope, byte for byte, reaches the peer.
	peerDisplay := readFrameOfType(t, wsBob, protocol.TypeDisplay)
	if peerDisplay["id"] != display["id"] {
		t.Errorf("peer got id %v, sender got %v", peerDisplay["id"], display["id"])
	}

	inserts := f.store.insertedParams()
	if len(inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(inserts))
	}
	if inserts[0].Room != "default" || inserts[0].Text != "so tired of being alone" {
		t.Errorf("insert params = %+v", inserts[0])
	}
	if inserts[0].SongID == nil || *inserts[0].SongID != "song_0001" {
		t.Errorf("insert songID = %v", inserts[0].SongID)
	}
}

func TestWSValidationErrorIsSenderOnly(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice, bob := uuid.New(), uuid.New()

	wsAlice := f.dialWS(t, alice, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsAlice, protocol.TypeRoster)

	wsBob := f.dialWS(t, bob, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeRoster)

	sendFrame(t, wsAlice, map[string]string{"type": "msg", "text": "   "})
	errEnv := readFrameOfType(t, wsAlice, protocol.TypeError)
	if errEnv["message"] != "text cannot be empty" {
		t.Errorf("message = %v", errEnv["message"])
	}

	// Bob's next frame is the subsequent valid message, proving the error
	// envelope never left the sender's socket.
	sendFrame(t, wsAlice, map[string]string{"type": "msg", "text": "real one"})
	readFrameOfType(t, wsAlice, protocol.TypeDisplay)
	display := readFrameOfType(t, wsBob, protocol.TypeDisplay)
	if display["text"] != "real one" {
		t.Errorf("peer text = %v", display["text"])
	}

	if got := len(f.store.insertedParams()); got != 1 {
		t.Errorf("inserts = %d, want only the valid message", got)
	}
}

func TestWSPingPong(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ws := f.dialWS(t, uuid.New(), "")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	sendFrame(t, ws, map[string]string{"type": "ping"})
	readFrameOfType(t, ws, protocol.TypePong)
}

func TestWSRejectsUnknownAndMalformedFrames(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ws := f.dialWS(t, uuid.New(), "")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	sendFrame(t, ws, map[string]string{"type": "dance"})
	errEnv := readFrameOfType(t, ws, protocol.TypeError)
	if errEnv["message"] != "unknown type: dance" {
		t.Errorf("message = %v", errEnv["message"])
	}

	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv = readFrameOfType(t, ws, protocol.TypeError)
	if errEnv["message"] != "malformed frame" {
		t.Errorf("message = %v", errEnv["message"])
	}
}

func TestWSReactionLifecycle(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice, bob := uuid.New(), uuid.New()

	wsAlice := f.dialWS(t, alice, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsAlice, protocol.TypeRoster)

	wsBob := f.dialWS(t, bob, "")
	readFrameOfType(t, wsAlice, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeUserJoined)
	readFrameOfType(t, wsBob, protocol.TypeRoster)

	messageID := uuid.New().String()
	sendFrame(t, wsAlice, map[string]string{
		"type":      "reaction_add",
		"messageId": messageID,
		"emoji":     "🔥",
	})

	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		added := readFrameOfType(t, ws, protocol.TypeReactionAdded)
		if added["messageId"] != messageID || added["emoji"] != "🔥" {
			t.Errorf("reaction_added = %v", added)
		}
		if added["userId"] != alice.String() {
			t.Errorf("reaction userId = %v", added["userId"])
		}
	}

	sendFrame(t, wsAlice, map[string]string{
		"type":      "reaction_remove",
		"messageId": messageID,
		"emoji":     "🔥",
	})
	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		readFrameOfType(t, ws, protocol.TypeReactionRemoved)
	}
}

func TestWSRateLimitedSenderGetsError(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *config.Config, _ *gatewayStore) {
		cfg.Server.RateLimitCount = 1
		cfg.Server.RateLimitWindow = time.Hour
	})
	ws := f.dialWS(t, uuid.New(), "")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	sendFrame(t, ws, map[string]string{"type": "msg", "text": "first"})
	readFrameOfType(t, ws, protocol.TypeDisplay)

	sendFrame(t, ws, map[string]string{"type": "msg", "text": "second"})
	errEnv := readFrameOfType(t, ws, protocol.TypeError)
	if errEnv["message"] != "rate limit exceeded" {
		t.Errorf("message = %v", errEnv["message"])
	}
}

func TestWSMatcherOutageStillDeliversMessage(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.matcher.mu.Lock()
	f.matcher.result = match.Result{Scores: protocol.Scores{Mode: "fallback", Fingerprint: "fp-none"}}
	f.matcher.err = errors.New("embedder unreachable")
	f.matcher.mu.Unlock()

	ws := f.dialWS(t, uuid.New(), "")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	sendFrame(t, ws, map[string]string{"type": "msg", "text": "hello anyway"})
	display := readFrameOfType(t, ws, protocol.TypeDisplay)
	if _, hasSong := display["song"]; hasSong {
		t.Errorf("songless message should omit song: %v", display["song"])
	}
	if display["durable"] != true {
		t.Errorf("durable = %v", display["durable"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)

	var body healthResponse
	resp := getJSON(t, f.ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !body.OK || body.DB != "ok" {
		t.Errorf("health = %+v", body)
	}
	if body.Bus != "standalone" {
		t.Errorf("bus = %q, want standalone", body.Bus)
	}
	if body.InstanceID != "ins_test" {
		t.Errorf("instanceId = %q", body.InstanceID)
	}
	if body.SongCount != 1234 {
		t.Errorf("songCount = %d", body.SongCount)
	}
	if got := resp.Header.Get("X-Instance-Id"); got != "ins_test" {
		t.Errorf("X-Instance-Id = %q", got)
	}
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	f := newGatewayFixture(t, func(_ *config.Config, st *gatewayStore) {
		st.pingErr = errors.New("connection refused")
	})

	var body healthResponse
	resp := getJSON(t, f.ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body.OK || body.DB != "degraded" {
		t.Errorf("health = %+v", body)
	}
}

func TestRosterEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := uuid.New()
	ws := f.dialWS(t, alice, "jazz")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	var body rosterResponse
	resp := getJSON(t, f.ts.URL+"/rooms/jazz/users", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body.Room != "jazz" || len(body.Users) != 1 {
		t.Fatalf("roster = %+v", body)
	}
	if body.Users[0].UserID != alice.String() {
		t.Errorf("userId = %q", body.Users[0].UserID)
	}

	var empty rosterResponse
	resp = getJSON(t, f.ts.URL+"/rooms/ghost-town/users", &empty)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("empty room status = %d", resp.StatusCode)
	}
	if len(empty.Users) != 0 {
		t.Errorf("empty room has users: %+v", empty.Users)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	songID := "song_0042"
	replyTo := uuid.New().String()
	first := uuid.New().String()
	second := uuid.New().String()

	f := newGatewayFixture(t, func(_ *config.Config, st *gatewayStore) {
		st.history = []*domain.Message{
			{
				ID:               first,
				Room:             "default",
				UserID:           uuid.New().String(),
				Handle:           "fan-one",
				Text:             "newest",
				SongID:           &songID,
				Song:             &domain.SongRef{ID: songID, Title: "Black", Artist: "Pearl Jam", Year: 1991},
				Scores:           protocol.Scores{Mode: "semantic", Fingerprint: "fp-9"},
				ReplyToMessageID: &replyTo,
				CreatedAt:        time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
			},
			{
				ID:        second,
				Room:      "default",
				UserID:    uuid.New().String(),
				Handle:    "fan-two",
				Text:      "older",
				Scores:    protocol.Scores{Mode: "fallback", Fingerprint: "fp-8"},
				CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		}
		st.reactions = map[string][]domain.ReactionGroup{
			first: {{Emoji: "🔥", Count: 2, Users: []string{"fan-one", "fan-two"}}},
		}
	})

	var body historyResponse
	resp := getJSON(t, f.ts.URL+"/rooms/default/messages?limit=5", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d", len(body.Messages))
	}

	withSong := body.Messages[0]
	if withSong.ID != first || withSong.Song == nil || withSong.Song.Title != "Black" {
		t.Errorf("message with song = %+v", withSong)
	}
	if withSong.ReplyToMessageID != replyTo {
		t.Errorf("replyToMessageId = %q", withSong.ReplyToMessageID)
	}
	if len(withSong.Reactions) != 1 || withSong.Reactions[0].Count != 2 {
		t.Errorf("reactions = %+v", withSong.Reactions)
	}

	songless := body.Messages[1]
	if songless.Song != nil {
		t.Errorf("songless message has song %+v", songless.Song)
	}
	if songless.Reactions == nil || len(songless.Reactions) != 0 {
		t.Errorf("reactions should be an empty list, got %+v", songless.Reactions)
	}
}

func TestHistoryValidatesParams(t *testing.T) {
	f := newGatewayFixture(t, nil)

	badRequests := []string{
		"/rooms/default/messages?limit=0",
		"/rooms/default/messages?limit=101",
		"/rooms/default/messages?limit=abc",
		"/rooms/default/messages?before=not-a-uuid",
	}
	for _, target := range badRequests {
		resp := getJSON(t, f.ts.URL+target, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, resp.StatusCode)
		}
	}
}

func TestCORSThroughFullChain(t *testing.T) {
	f := newGatewayFixture(t, nil)

	req, _ := http.NewRequest("GET", f.ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestStopClosesSocketsGoingAway(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ws := f.dialWS(t, uuid.New(), "")
	readFrameOfType(t, ws, protocol.TypeUserJoined)
	readFrameOfType(t, ws, protocol.TypeRoster)

	if err := f.srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("read after Stop = %v, want going-away close", err)
	}
}
