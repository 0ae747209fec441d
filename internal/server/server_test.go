package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/itkodovaya/constructorAI-sub002/internal/router"
	"github.com/itkodovaya/constructorAI-sub002/pkg/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address: ":0",
			Auth:    config.AuthConfig{Mode: "none", JWTSecret: "test-secret"},
		},
		Transport: config.TransportConfig{ReadTimeout: time.Minute},
	}
}

func startTestServer(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	app, err := NewApp(logger, context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(app.http.Handler)
	t.Cleanup(ts.Close)
	return app, ts
}

func dial(t *testing.T, ts *httptest.Server, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, ts.URL+"/ws", opts)
	require.NoError(t, err)
	return c
}

func sendEnvelope(t *testing.T, c *websocket.Conn, env router.Envelope) {
	t.Helper()
	msg, err := json.Marshal(env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, msg))
}

// readUntil reads envelopes until one of the wanted type arrives, skipping
// anything else. Broadcast interleavings are not fully deterministic, so
// tests pin only the envelopes they care about.
func readUntil(t *testing.T, c *websocket.Conn, msgType string) router.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %q envelope", msgType)
		var env router.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == msgType {
			return env
		}
	}
}

func elementOf(t *testing.T, env router.Envelope) string {
	t.Helper()
	var data struct {
		ElementID string `json:"elementId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.ElementID
}

func TestCollaborationSession(t *testing.T) {
	_, ts := startTestServer(t, testConfig())

	clientA := dial(t, ts, nil)
	defer clientA.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, clientA, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "u1", UserName: "Alice"})

	// The roster broadcast doubles as a join barrier: once it arrives,
	// the join has been fully processed.
	sendEnvelope(t, clientA, router.Envelope{Type: router.TypePresence, RoomID: "p1", UserID: "u1"})
	roster := readUntil(t, clientA, router.TypePresence)
	var rosterPayload struct {
		Users []struct {
			UserID string `json:"userId"`
			Cursor struct{ X, Y float64 }
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(roster.Data, &rosterPayload))
	require.Len(t, rosterPayload.Users, 1)
	assert.Equal(t, "u1", rosterPayload.Users[0].UserID)
	assert.Zero(t, rosterPayload.Users[0].Cursor.X)

	clientB := dial(t, ts, nil)
	sendEnvelope(t, clientB, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "u2", UserName: "Bob"})

	joined := readUntil(t, clientA, router.TypeUserJoined)
	assert.Equal(t, "u2", joined.UserID)
	assert.Positive(t, joined.Timestamp)

	// B locks an element; A sees the announcement.
	sendEnvelope(t, clientB, router.Envelope{Type: router.TypeLock, RoomID: "p1", UserID: "u2", Data: json.RawMessage(`{"elementId":"hero-1"}`)})
	lock := readUntil(t, clientA, router.TypeLock)
	assert.Equal(t, "u2", lock.UserID)
	assert.Equal(t, "hero-1", elementOf(t, lock))

	// A's competing lock is rejected with a direct error; nothing reaches B.
	sendEnvelope(t, clientA, router.Envelope{Type: router.TypeLock, RoomID: "p1", UserID: "u1", Data: json.RawMessage(`{"elementId":"hero-1"}`)})
	rejection := readUntil(t, clientA, router.TypeError)
	var errPayload struct {
		Code      string `json:"code"`
		ElementID string `json:"elementId"`
	}
	require.NoError(t, json.Unmarshal(rejection.Data, &errPayload))
	assert.Equal(t, "lock_conflict", errPayload.Code)
	assert.Equal(t, "hero-1", errPayload.ElementID)

	// B releases; A sees the unlock.
	sendEnvelope(t, clientB, router.Envelope{Type: router.TypeUnlock, RoomID: "p1", UserID: "u2", Data: json.RawMessage(`{"elementId":"hero-1"}`)})
	unlock := readUntil(t, clientA, router.TypeUnlock)
	assert.Equal(t, "hero-1", elementOf(t, unlock))

	// B re-locks, then disconnects without unlocking. The reconciler
	// frees the lock and announces the departure.
	sendEnvelope(t, clientB, router.Envelope{Type: router.TypeLock, RoomID: "p1", UserID: "u2", Data: json.RawMessage(`{"elementId":"hero-1"}`)})
	readUntil(t, clientA, router.TypeLock)

	clientB.Close(websocket.StatusNormalClosure, "")

	swept := readUntil(t, clientA, router.TypeUnlock)
	assert.Equal(t, "hero-1", elementOf(t, swept))
	left := readUntil(t, clientA, router.TypeUserLeft)
	assert.Equal(t, "u2", left.UserID)
}

func TestCursorBroadcastSkipsSender(t *testing.T) {
	_, ts := startTestServer(t, testConfig())

	clientA := dial(t, ts, nil)
	defer clientA.Close(websocket.StatusNormalClosure, "")
	clientB := dial(t, ts, nil)
	defer clientB.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, clientA, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "u1", UserName: "Alice"})
	sendEnvelope(t, clientA, router.Envelope{Type: router.TypePresence, RoomID: "p1", UserID: "u1"})
	readUntil(t, clientA, router.TypePresence)

	sendEnvelope(t, clientB, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "u2", UserName: "Bob"})
	readUntil(t, clientA, router.TypeUserJoined)

	sendEnvelope(t, clientA, router.Envelope{Type: router.TypeCursor, RoomID: "p1", UserID: "u1", Data: json.RawMessage(`{"x":42.5,"y":17.25}`)})

	// B receives the cursor update.
	cursor := readUntil(t, clientB, router.TypeCursor)
	assert.Equal(t, "u1", cursor.UserID)

	// A must not receive its own echo. A presence refresh arriving first
	// on A's connection proves the cursor broadcast already happened and
	// skipped A.
	sendEnvelope(t, clientA, router.Envelope{Type: router.TypePresence, RoomID: "p1", UserID: "u1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := clientA.Read(ctx)
	require.NoError(t, err)
	var first router.Envelope
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.Equal(t, router.TypePresence, first.Type, "sender received its own cursor echo")
}

func TestJWTIdentityPinsUser(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.Mode = "jwt"

	_, ts := startTestServer(t, cfg)

	claims := jwt.MapClaims{"sub": "token-user", "name": "Token User"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	client := dial(t, ts, &websocket.DialOptions{HTTPHeader: header})
	defer client.Close(websocket.StatusNormalClosure, "")

	// The envelope claims a different identity; the token wins.
	sendEnvelope(t, client, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "impostor", UserName: "Impostor"})
	sendEnvelope(t, client, router.Envelope{Type: router.TypePresence, RoomID: "p1", UserID: "impostor"})
	roster := readUntil(t, client, router.TypePresence)

	var payload struct {
		Users []struct {
			UserID   string `json:"userId"`
			UserName string `json:"userName"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(roster.Data, &payload))
	require.Len(t, payload.Users, 1)
	assert.Equal(t, "token-user", payload.Users[0].UserID)
	assert.Equal(t, "Token User", payload.Users[0].UserName)
}

func TestJWTModeRefusesAnonymousUpgrade(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.Mode = "jwt"

	_, ts := startTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	assert.Error(t, err)
}

func TestUnauthorizedJoinIsRefused(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "projects.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE projects (id TEXT PRIMARY KEY, owner_id TEXT NOT NULL, name TEXT NOT NULL DEFAULT '');
		INSERT INTO projects (id, owner_id) VALUES ('p1', 'owner-1');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := testConfig()
	cfg.Project.DatabasePath = dbPath
	app, ts := startTestServer(t, cfg)

	client := dial(t, ts, nil)
	sendEnvelope(t, client, router.Envelope{Type: router.TypeJoin, RoomID: "p1", UserID: "stranger", UserName: "Mallory"})

	// The server closes the connection; the rejection envelope itself is
	// best-effort and may or may not arrive first.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := client.Read(ctx)
		if err != nil {
			break
		}
	}

	assert.Empty(t, app.sessions.MembersOf("p1"))
}
