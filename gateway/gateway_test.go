package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellscope/relay/dispatch"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

const testSigningSecret = "unit-test-secret"

// testGatewayEnv one live gateway behind an httptest server
type testGatewayEnv struct {
	gateway  Gateway
	registry dispatch.ConnectionRegistry
	server   *httptest.Server
	wsURL    string
}

func startTestGateway(t *testing.T, clk clock.Clock) (*testGatewayEnv, func()) {
	registry, err := dispatch.GetConnectionRegistry("testing")
	require.Nil(t, err)
	dispatcher, err := dispatch.GetDispatcher(registry, "testing")
	require.Nil(t, err)
	verifier, err := GetJWTAuthVerifier(testSigningSecret)
	require.Nil(t, err)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	gw, err := GetGateway(
		GatewayParams{
			Heartbeat:         HeartbeatParams{Interval: time.Second, MaxMissed: 3},
			AuthVerifyTimeout: time.Second,
			DispatchWorkers:   2,
			DispatchBuffer:    16,
		},
		verifier,
		registry,
		dispatcher,
		metrics.NewNopReporter(),
		clk,
		"testing",
		ctxt,
		&wg,
	)
	require.Nil(t, err)
	require.Nil(t, gw.Start(&wg))

	server := httptest.NewServer(http.HandlerFunc(gw.ServeConnection))
	env := &testGatewayEnv{
		gateway:  gw,
		registry: registry,
		server:   server,
		wsURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
	cleanup := func() {
		server.Close()
		_ = gw.Stop()
		cancel()
		wg.Wait()
	}
	return env, cleanup
}

// dialAs open a client socket authenticated as the given identity
func (e *testGatewayEnv) dialAs(t *testing.T, identity Identity) *websocket.Conn {
	token, err := IssueJWT(testSigningSecret, identity, time.Minute)
	require.Nil(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL, header)
	require.Nil(t, err)
	return ws
}

// readFrame read one data frame as a generic JSON object
func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	require.Nil(t, ws.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, payload, err := ws.ReadMessage()
	require.Nil(t, err)
	var frame map[string]interface{}
	require.Nil(t, json.Unmarshal(payload, &frame))
	return frame
}

// expectNoFrame assert no data frame arrives within the window
func expectNoFrame(t *testing.T, ws *websocket.Conn, window time.Duration) {
	require.Nil(t, ws.SetReadDeadline(time.Now().Add(window)))
	_, _, err := ws.ReadMessage()
	require.NotNil(t, err)
}

// sendFrame write one client frame
func sendFrame(t *testing.T, ws *websocket.Conn, frame ClientFrame) {
	payload, err := json.Marshal(&frame)
	require.Nil(t, err)
	require.Nil(t, ws.WriteMessage(websocket.TextMessage, payload))
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	assert := assert.New(t)
	env, cleanup := startTestGateway(t, clock.New())
	defer cleanup()

	// The upgrade itself succeeds; the rejection arrives as an error frame
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	assert.Nil(err)
	frame := readFrame(t, ws)
	assert.Equal(FrameTypeError, frame["type"])
	assert.Equal(ErrorCodeAuthFailed, frame["code"])

	// The socket is torn down right after
	assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 2)))
	_, _, err = ws.ReadMessage()
	assert.NotNil(err)
	assert.Equal(0, env.gateway.ConnectionCount())
}

func TestGatewayRejectsBadToken(t *testing.T) {
	assert := assert.New(t)
	env, cleanup := startTestGateway(t, clock.New())
	defer cleanup()

	token, err := IssueJWT(
		"some-other-secret", Identity{TenantID: "tenant-a", UserID: "user-1"}, time.Minute,
	)
	assert.Nil(err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	assert.Nil(err)
	frame := readFrame(t, ws)
	assert.Equal(FrameTypeError, frame["type"])
	assert.Equal(ErrorCodeAuthFailed, frame["code"])
	assert.Equal(0, env.gateway.ConnectionCount())
}

func TestGatewayConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)
	env, cleanup := startTestGateway(t, clock.New())
	defer cleanup()

	ws := env.dialAs(t, Identity{TenantID: "tenant-a", UserID: "user-1", Role: "operator"})
	defer func() { _ = ws.Close() }()

	// Connected acknowledgement arrives first
	frame := readFrame(t, ws)
	assert.Equal(FrameTypeConnected, frame["type"])
	assert.Equal("tenant-a", frame["tenant_id"])
	assert.Equal(1, env.gateway.ConnectionCount())
	assert.Len(env.registry.TenantConnections("tenant-a"), 1)

	// Subscribe to a well
	sendFrame(t, ws, ClientFrame{Type: FrameTypeSubscribeWell, WellID: "well-7"})
	frame = readFrame(t, ws)
	assert.Equal(FrameTypeSubscribed, frame["type"])
	assert.Equal("well-7", frame["well_id"])
	assert.Len(env.registry.WellSubscribers("tenant-a", "well-7"), 1)

	// Unsubscribe again
	sendFrame(t, ws, ClientFrame{Type: FrameTypeUnsubscribeWell, WellID: "well-7"})
	frame = readFrame(t, ws)
	assert.Equal(FrameTypeUnsubscribed, frame["type"])
	assert.Empty(env.registry.WellSubscribers("tenant-a", "well-7"))

	// Unknown frame type is reported, not fatal
	sendFrame(t, ws, ClientFrame{Type: "make-coffee"})
	frame = readFrame(t, ws)
	assert.Equal(FrameTypeError, frame["type"])
	assert.Equal(ErrorCodeUnknownFrame, frame["code"])

	// Malformed frame is reported as a bad request
	assert.Nil(ws.WriteMessage(websocket.TextMessage, []byte(`{"type": "subscribe-well"}`)))
	frame = readFrame(t, ws)
	assert.Equal(FrameTypeError, frame["type"])
	assert.Equal(ErrorCodeBadRequest, frame["code"])

	// Client disconnect cleans the registry up
	assert.Nil(ws.Close())
	assert.Eventually(func() bool {
		return env.gateway.ConnectionCount() == 0 &&
			len(env.registry.TenantConnections("tenant-a")) == 0
	}, time.Second*3, time.Millisecond*20)
}

func TestGatewayFanOut(t *testing.T) {
	assert := assert.New(t)
	env, cleanup := startTestGateway(t, clock.New())
	defer cleanup()

	reading := func(tenantID, wellID string) telemetry.Reading {
		return telemetry.Reading{
			TenantID:           tenantID,
			WellID:             wellID,
			SourceConnectionID: "edge-07",
			TagName:            "pressure",
			Value:              1723.4,
			Quality:            telemetry.QualityGood,
			Timestamp:          time.Now().UTC(),
			SourceProtocol:     "opc-ua",
		}
	}

	c1 := env.dialAs(t, Identity{TenantID: "tenant-a", UserID: "user-1"})
	defer func() { _ = c1.Close() }()
	c2 := env.dialAs(t, Identity{TenantID: "tenant-a", UserID: "user-2"})
	defer func() { _ = c2.Close() }()
	c3 := env.dialAs(t, Identity{TenantID: "tenant-b", UserID: "user-3"})
	defer func() { _ = c3.Close() }()
	assert.Equal(FrameTypeConnected, readFrame(t, c1)["type"])
	assert.Equal(FrameTypeConnected, readFrame(t, c2)["type"])
	assert.Equal(FrameTypeConnected, readFrame(t, c3)["type"])

	// c1 watches well-7; the ack confirms the registry is updated
	sendFrame(t, c1, ClientFrame{Type: FrameTypeSubscribeWell, WellID: "well-7"})
	assert.Equal(FrameTypeSubscribed, readFrame(t, c1)["type"])

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 1: well watcher shadows the tenant fallback
	{
		assert.Nil(env.gateway.DispatchReading(ctxt, reading("tenant-a", "well-7")))
		frame := readFrame(t, c1)
		assert.Equal(FrameTypeReading, frame["type"])
		assert.Equal("well-7", frame["well_id"])
	}

	// Case 2: unwatched well falls back to the whole tenant. c2's first frame
	// being well-9 also proves the shadowed well-7 reading skipped it.
	{
		assert.Nil(env.gateway.DispatchReading(ctxt, reading("tenant-a", "well-9")))
		frame := readFrame(t, c1)
		assert.Equal(FrameTypeReading, frame["type"])
		assert.Equal("well-9", frame["well_id"])
		frame = readFrame(t, c2)
		assert.Equal(FrameTypeReading, frame["type"])
		assert.Equal("well-9", frame["well_id"])
	}

	// Case 3: readings never cross tenants. The trailing tenant-a marker
	// arriving next on c1 and c2 proves the tenant-b reading skipped them.
	{
		assert.Nil(env.gateway.DispatchReading(ctxt, reading("tenant-b", "well-7")))
		frame := readFrame(t, c3)
		assert.Equal(FrameTypeReading, frame["type"])
		assert.Equal("tenant-b", frame["tenant_id"])

		assert.Nil(env.gateway.DispatchReading(ctxt, reading("tenant-a", "well-10")))
		frame = readFrame(t, c1)
		assert.Equal("well-10", frame["well_id"])
		assert.Equal("tenant-a", frame["tenant_id"])
		frame = readFrame(t, c2)
		assert.Equal("well-10", frame["well_id"])
		assert.Equal("tenant-a", frame["tenant_id"])

		// c3 saw nothing of tenant-a's traffic
		expectNoFrame(t, c3, time.Millisecond*300)
	}
}

func TestGatewayHeartbeatTimeout(t *testing.T) {
	assert := assert.New(t)
	mock := clock.NewMock()
	env, cleanup := startTestGateway(t, mock)
	defer cleanup()

	ws := env.dialAs(t, Identity{TenantID: "tenant-a", UserID: "user-1"})
	defer func() { _ = ws.Close() }()
	// Swallow server pings so the connection never records a pong
	ws.SetPingHandler(func(string) error { return nil })
	assert.Equal(FrameTypeConnected, readFrame(t, ws)["type"])
	assert.Equal(1, env.gateway.ConnectionCount())

	// Keep reading so the swallowed pings are consumed; surface the close
	readFailed := make(chan error, 1)
	go func() {
		_ = ws.SetReadDeadline(time.Time{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				readFailed <- err
				return
			}
		}
	}()

	// Interval 1s with three tolerated misses; four silent intervals put the
	// connection past its deadline, and the sweep tears it down
	time.Sleep(time.Millisecond * 20)
	mock.Add(time.Second * 4)

	assert.Eventually(func() bool {
		return env.gateway.ConnectionCount() == 0
	}, time.Second*3, time.Millisecond*20)
	assert.Empty(env.registry.TenantConnections("tenant-a"))
	select {
	case <-readFailed:
	case <-time.After(time.Second * 2):
		assert.FailNow("Client socket still alive after heartbeat timeout")
	}
}

func TestGatewayStopClosesConnections(t *testing.T) {
	assert := assert.New(t)
	env, cleanup := startTestGateway(t, clock.New())
	defer cleanup()

	ws := env.dialAs(t, Identity{TenantID: "tenant-a", UserID: "user-1"})
	defer func() { _ = ws.Close() }()
	assert.Equal(FrameTypeConnected, readFrame(t, ws)["type"])
	assert.Equal(1, env.gateway.ConnectionCount())

	assert.Nil(env.gateway.Stop())
	assert.Equal(0, env.gateway.ConnectionCount())

	// The client side sees the socket die
	assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 2)))
	_, _, err := ws.ReadMessage()
	assert.NotNil(err)
}
