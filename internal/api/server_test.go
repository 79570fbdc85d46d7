package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/config"
	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/execution"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/supervisor"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    types.ErrorCode `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T, apiKey string) (*Server, *telemetry.Hub) {
	t.Helper()
	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	hub := telemetry.NewHub(logger, telemetry.HubConfig{})
	factory := exchange.NewFactory(logger, exchange.AdapterConfig{Demo: true})
	engine := risk.NewEngine(logger, types.DefaultRiskConfig(), repo.Trades(), hub)
	manager := execution.NewManager(logger, repo.Trades(), hub)
	engine.AttachPositions(manager, manager)
	patternSvc := patterns.NewService(logger, repo.Patterns())
	sup := supervisor.New(logger, supervisor.DefaultMaxTraders, repo, factory, engine, manager, patternSvc, hub, nil)

	cfg := config.ServerConfig{
		Host:          "127.0.0.1",
		Port:          0,
		WebSocketPath: "/ws",
		APIKey:        apiKey,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
	return NewServer(logger, cfg, sup, engine, patternSvc, hub), hub
}

func traderBody(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "trader %s",
		"exchange": "PAPER",
		"symbol": "BTC/USDT",
		"maxStakeAmount": 500,
		"maxRiskLevel": 5,
		"maxTradingDurationSeconds": 3600,
		"strategy": "TREND_FOLLOWING",
		"candlestickInterval": "1m"
	}`, id, id)
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestCreateTraderReturnsID(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/traders", traderBody("t1"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, env.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "t1", data["id"])
}

func TestCreateTraderValidationError(t *testing.T) {
	s, _ := newTestServer(t, "")

	body := strings.Replace(traderBody("t1"), `"maxStakeAmount": 500`, `"maxStakeAmount": -100`, 1)
	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/traders", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeInvalidArgument, env.Error.Code)
	assert.Contains(t, env.Error.Message, "Max stake amount must be positive")
}

func TestCreateTraderFleetCap(t *testing.T) {
	s, _ := newTestServer(t, "")

	for i := 0; i < supervisor.DefaultMaxTraders; i++ {
		rec, _ := doRequest(t, s, http.MethodPost, "/api/v1/traders", traderBody(fmt.Sprintf("t%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/traders", traderBody("t-over"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeLimitExceeded, env.Error.Code)
}

func TestTraderLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec, _ := doRequest(t, s, http.MethodPost, "/api/v1/traders", traderBody("t1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = doRequest(t, s, http.MethodPost, "/api/v1/traders/t1/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := doRequest(t, s, http.MethodGet, "/api/v1/traders/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		State types.TraderState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Contains(t, []types.TraderState{types.StateStarting, types.StateRunning}, detail.State)

	rec, _ = doRequest(t, s, http.MethodPost, "/api/v1/traders/t1/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, s, http.MethodDelete, "/api/v1/traders/t1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = doRequest(t, s, http.MethodGet, "/api/v1/traders/t1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeNotFound, env.Error.Code)
}

func TestStartUnknownTraderReturns404(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/traders/ghost/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeNotFound, env.Error.Code)
}

func TestRiskScoreEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec, env := doRequest(t, s, http.MethodGet, "/api/v1/risk/score/any", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var score struct {
		Recommendation string `json:"recommendation"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &score))
	assert.NotEmpty(t, score.Recommendation)
}

func dialWS(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebSocketWelcomeAndEvents(t *testing.T) {
	s, hub := newTestServer(t, "")
	server := httptest.NewServer(s.Router())
	defer server.Close()

	conn, _, err := dialWS(t, server, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome serverMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome.Type)

	require.NoError(t, conn.WriteJSON(clientMessage{
		Action:   "subscribe",
		Channels: []string{string(telemetry.ChannelTraderStatus)},
	}))

	// the subscription registers asynchronously with the hub
	require.Eventually(t, func() bool {
		return len(hub.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(telemetry.ChannelTraderStatus, "t1", map[string]any{"state": "RUNNING"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, telemetry.ChannelTraderStatus, msg.Channel)
}

func TestWebSocketReplayMarker(t *testing.T) {
	s, hub := newTestServer(t, "")
	server := httptest.NewServer(s.Router())
	defer server.Close()

	hub.Publish(telemetry.ChannelTraderStatus, "t1", map[string]any{"state": "IDLE"})

	conn, _, err := dialWS(t, server, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome serverMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(clientMessage{
		Action:   "subscribe",
		Channels: []string{string(telemetry.ChannelTraderStatus)},
		Replay:   true,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.True(t, msg.Replay, "snapshot events carry the replay marker")
}

func TestWebSocketRejectsBadAPIKey(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	server := httptest.NewServer(s.Router())
	defer server.Close()

	conn, _, err := dialWS(t, server, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestWebSocketSendTearsDownStalledConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer peer.Close()

	conn := <-serverConns
	client := &wsClient{logger: zap.NewNop(), conn: conn}

	require.True(t, client.send(serverMessage{Type: "welcome", Timestamp: time.Now()}))

	// once the transport is gone, send must report failure so the write
	// loop stops forwarding instead of leaving the connection half-alive
	require.NoError(t, conn.UnderlyingConn().Close())
	assert.False(t, client.send(serverMessage{Type: "event", Timestamp: time.Now()}))
}

func TestWebSocketAcceptsAPIKeyHeader(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	server := httptest.NewServer(s.Router())
	defer server.Close()

	header := http.Header{"X-Api-Key": []string{"secret"}}
	conn, _, err := dialWS(t, server, header)
	require.NoError(t, err)
	defer conn.Close()

	var welcome serverMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome.Type)
}
