package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/server/internal/catalog"
	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/relay"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "movie-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "movie-a", "master.m3u8"), []byte("#EXTM3U\n"), 0o644))

	hub := relay.NewHub("v-test", nil)
	scanner := catalog.NewScanner(root, "/media")
	ctrl := NewController(hub, scanner, root, "v-test", nil)

	srv := httptest.NewServer(ctrl.GetMux())
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if room != "" {
		wsURL += "?room=" + room
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) domain.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env domain.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == msgType {
			return env
		}
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(domain.Envelope{Type: msgType, Payload: data}))
}

func TestConnectGreeting(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "")

	var welcome domain.WelcomePayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, domain.MsgWelcome).Payload, &welcome))
	assert.NotEmpty(t, welcome.ID)

	var version domain.ServerVersionPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, domain.MsgServerVersion).Payload, &version))
	assert.Equal(t, "v-test", version.Version)

	var info domain.RoomInfoPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, domain.MsgRoomInfo).Payload, &info))
	assert.Equal(t, 1, info.Count)
}

func TestStateForwardedToOtherPeer(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	readUntil(t, conn1, domain.MsgWelcome)
	readUntil(t, conn2, domain.MsgWelcome)

	sendEnvelope(t, conn1, domain.MsgState, domain.StatePayload{
		State: domain.PlaybackState{Video: "movie-a", Time: 12.5, PlaybackRate: 1, Reason: "seek"},
	})

	env := readUntil(t, conn2, domain.MsgState)
	var p domain.StatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "movie-a", p.State.Video)
	assert.Equal(t, 12.5, p.State.Time)
	assert.Equal(t, "seek", p.State.Reason)
}

func TestRequestStateReplyTargeting(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	conn3 := dialWS(t, srv, "watch")

	var w1, w2 domain.WelcomePayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn1, domain.MsgWelcome).Payload, &w1))
	require.NoError(t, json.Unmarshal(readUntil(t, conn2, domain.MsgWelcome).Payload, &w2))
	readUntil(t, conn3, domain.MsgWelcome)

	// Peer 2 asks; peer 1 answers directly to peer 2.
	sendEnvelope(t, conn2, domain.MsgRequestState, domain.RequestStatePayload{Requester: w2.ID})

	env := readUntil(t, conn1, domain.MsgRequestState)
	var req domain.RequestStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	assert.Equal(t, w2.ID, req.Requester)

	sendEnvelope(t, conn1, domain.MsgReplyState, domain.ReplyStatePayload{
		To:    req.Requester,
		State: domain.PlaybackState{Video: "movie-a", Time: 3, PlaybackRate: 1},
	})

	reply := readUntil(t, conn2, domain.MsgReplyState)
	var rp domain.ReplyStatePayload
	require.NoError(t, json.Unmarshal(reply.Payload, &rp))
	assert.Equal(t, "movie-a", rp.State.Video)

	// Peer 3 must never see the direct reply.
	require.NoError(t, conn3.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var env domain.Envelope
		if err := conn3.ReadJSON(&env); err != nil {
			break
		}
		assert.NotEqual(t, domain.MsgReplyState, env.Type)
	}
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	readUntil(t, conn1, domain.MsgWelcome)
	readUntil(t, conn2, domain.MsgWelcome)

	sendEnvelope(t, conn1, "bogus-type", map[string]any{"x": 1})

	// Connection survives garbage; normal traffic still flows.
	sendEnvelope(t, conn1, domain.MsgChat, domain.ChatPayload{Text: "still here", Sender: "p1"})
	env := readUntil(t, conn2, domain.MsgChat)
	var chat domain.ChatPayload
	require.NoError(t, json.Unmarshal(env.Payload, &chat))
	assert.Equal(t, "still here", chat.Text)
}

func TestGarbledFrameIgnored(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	readUntil(t, conn1, domain.MsgWelcome)
	readUntil(t, conn2, domain.MsgWelcome)

	require.NoError(t, conn1.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// A garbled frame must not disconnect the sender.
	sendEnvelope(t, conn1, domain.MsgChat, domain.ChatPayload{Text: "still here", Sender: "p1"})
	env := readUntil(t, conn2, domain.MsgChat)
	var chat domain.ChatPayload
	require.NoError(t, json.Unmarshal(env.Payload, &chat))
	assert.Equal(t, "still here", chat.Text)
}

func TestCallSignalingRelayedVerbatim(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	readUntil(t, conn1, domain.MsgWelcome)
	readUntil(t, conn2, domain.MsgWelcome)

	offer := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	require.NoError(t, conn1.WriteJSON(domain.Envelope{Type: domain.MsgCallOffer, Payload: offer}))

	env := readUntil(t, conn2, domain.MsgCallOffer)
	assert.JSONEq(t, string(offer), string(env.Payload))
}

func TestVideosEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/videos")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []domain.CatalogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "movie-a", entries[0].Name)
	assert.True(t, entries[0].HLSReady)
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload domain.ServerVersionPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "v-test", payload.Version)
}

func TestRoomEndpoint(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")

	var w1, w2 domain.WelcomePayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn1, domain.MsgWelcome).Payload, &w1))
	require.NoError(t, json.Unmarshal(readUntil(t, conn2, domain.MsgWelcome).Payload, &w2))

	resp, err := http.Get(srv.URL + "/api/rooms/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var room struct {
		Room  string   `json:"room"`
		Count int      `json:"count"`
		Peers []string `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	assert.Equal(t, "watch", room.Room)
	assert.Equal(t, 2, room.Count)
	assert.ElementsMatch(t, []string{w1.ID, w2.ID}, room.Peers)

	// An unknown room is just empty, not an error.
	resp2, err := http.Get(srv.URL + "/api/rooms/nobody-here")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var empty struct {
		Count int      `json:"count"`
		Peers []string `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&empty))
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.Peers)
}

func TestMediaMountServesFiles(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/media/movie-a/master.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDisconnectUpdatesRoomInfo(t *testing.T) {
	srv := newTestServer(t)
	conn1 := dialWS(t, srv, "watch")
	conn2 := dialWS(t, srv, "watch")
	readUntil(t, conn1, domain.MsgWelcome)
	readUntil(t, conn2, domain.MsgWelcome)

	// conn1 sees count grow to 2 on the second join.
	for {
		var info domain.RoomInfoPayload
		env := readUntil(t, conn1, domain.MsgRoomInfo)
		require.NoError(t, json.Unmarshal(env.Payload, &info))
		if info.Count == 2 {
			break
		}
	}

	conn2.Close()

	var info domain.RoomInfoPayload
	env := readUntil(t, conn1, domain.MsgRoomInfo)
	require.NoError(t, json.Unmarshal(env.Payload, &info))
	assert.Equal(t, 1, info.Count)
}
