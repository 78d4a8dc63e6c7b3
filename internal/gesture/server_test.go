package gesture

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFrames(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/frames"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestFrameServerRoundtrip(t *testing.T) {
	fs := NewFrameServer(DefaultServerConfig())
	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()

	conn := dialFrames(t, srv)
	defer conn.Close()

	sent := frameAt(0.42)
	sent.TimestampMs = 1234
	data, err := json.Marshal(sent)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case got := <-fs.Frames():
		assert.Equal(t, int64(1234), got.TimestampMs)
		assert.InDelta(t, 0.42, got.Landmarks[LandmarkLeftHip].Y, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestFrameServerDropsMalformedFrames(t *testing.T) {
	fs := NewFrameServer(DefaultServerConfig())
	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()

	conn := dialFrames(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	valid := frameAt(0.5)
	data, err := json.Marshal(valid)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case got := <-fs.Frames():
		assert.InDelta(t, 0.5, got.Landmarks[LandmarkLeftHip].Y, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed one never arrived")
	}
}

func TestPushEvictsStalestFrame(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.FrameBuffer = 2
	fs := NewFrameServer(cfg)

	for ts := int64(1); ts <= 5; ts++ {
		f := frameAt(0.5)
		f.TimestampMs = ts
		fs.push(f)
	}

	// Oldest frames were evicted; the newest two remain in order.
	first := <-fs.Frames()
	second := <-fs.Frames()
	assert.Equal(t, int64(4), first.TimestampMs)
	assert.Equal(t, int64(5), second.TimestampMs)
}
