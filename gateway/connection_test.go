package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
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

// newSocketPair open one live websocket and return both ends
func newSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			serverSide <- ws
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Nil(t, err)
	serverWS := <-serverSide
	cleanup := func() {
		_ = clientWS.Close()
		_ = serverWS.Close()
		srv.Close()
	}
	return serverWS, clientWS, cleanup
}

// gaugeReporter counts connection open / close observations
type gaugeReporter struct {
	metrics.Reporter
	opened int32
	closed int32
}

func (r *gaugeReporter) ConnectionOpened(string) { atomic.AddInt32(&r.opened, 1) }
func (r *gaugeReporter) ConnectionClosed(string) { atomic.AddInt32(&r.closed, 1) }

func TestConnectionGaugeSymmetry(t *testing.T) {
	assert := assert.New(t)

	registry, err := dispatch.GetConnectionRegistry("testing")
	require.Nil(t, err)
	reporter := &gaugeReporter{Reporter: metrics.NewNopReporter()}
	heartbeat := HeartbeatParams{Interval: time.Second, MaxMissed: 3}

	// Case 0: a connection torn down before reaching Active never decrements
	// the active-connection gauge
	{
		serverWS, _, cleanup := newSocketPair(t)
		defer cleanup()
		uut := newClientConnection(
			"conn-0", Identity{TenantID: "tenant-a", UserID: "user-1"}, serverWS,
			registry, reporter, clock.New(), heartbeat, context.Background(), nil,
		)
		uut.close("registration failed")
		assert.Equal(StateClosed, uut.State())
		assert.Equal(int32(0), atomic.LoadInt32(&reporter.closed))
	}

	// Case 1: a connection which reached Active decrements exactly once
	{
		serverWS, _, cleanup := newSocketPair(t)
		defer cleanup()
		uut := newClientConnection(
			"conn-1", Identity{TenantID: "tenant-a", UserID: "user-1"}, serverWS,
			registry, reporter, clock.New(), heartbeat, context.Background(), nil,
		)
		uut.setState(StateActive)
		uut.close("client left")
		uut.close("client left")
		assert.Equal(int32(1), atomic.LoadInt32(&reporter.closed))
	}
}

func TestConnectionLogTagging(t *testing.T) {
	assert := assert.New(t)

	registry, err := dispatch.GetConnectionRegistry("testing")
	require.Nil(t, err)
	serverWS, _, cleanup := newSocketPair(t)
	defer cleanup()

	uut := newClientConnection(
		"conn-tags", Identity{TenantID: "tenant-a", UserID: "user-1"}, serverWS,
		registry, metrics.NewNopReporter(), clock.New(),
		HeartbeatParams{Interval: time.Second, MaxMissed: 3},
		context.Background(), nil,
	)
	defer uut.close("test over")

	// The identifiers flow from the connection's context into its log tags
	assert.Equal("conn-tags", uut.LogTags["connection_id"])
	assert.Equal("tenant-a", uut.LogTags["tenant_id"])
	assert.Equal("user-1", uut.LogTags["user_id"])
}

func TestSlowClientIsolation(t *testing.T) {
	assert := assert.New(t)

	registry, err := dispatch.GetConnectionRegistry("testing")
	require.Nil(t, err)
	dispatcher, err := dispatch.GetDispatcher(registry, "testing")
	require.Nil(t, err)
	verifier, err := GetJWTAuthVerifier(testSigningSecret)
	require.Nil(t, err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}
	gw, err := GetGateway(
		GatewayParams{
			Heartbeat:         HeartbeatParams{Interval: time.Second, MaxMissed: 3},
			AuthVerifyTimeout: time.Second,
			DispatchWorkers:   2,
			DispatchBuffer:    16,
		},
		verifier, registry, dispatcher, metrics.NewNopReporter(), clock.New(),
		"testing", ctxt, wg,
	)
	require.Nil(t, err)
	impl := gw.(*gatewayImpl)

	heartbeat := HeartbeatParams{Interval: time.Second, MaxMissed: 3}
	slowWS, slowPeer, slowCleanup := newSocketPair(t)
	defer slowCleanup()
	fastWS, _, fastCleanup := newSocketPair(t)
	defer fastCleanup()

	// Neither connection runs a write pump, so queued frames stay in the
	// send buffer exactly as they would behind a stalled socket
	slowConn := newClientConnection(
		"conn-slow", Identity{TenantID: "tenant-a", UserID: "user-slow"}, slowWS,
		registry, metrics.NewNopReporter(), clock.New(), heartbeat, ctxt,
		impl.dropConnection,
	)
	fastConn := newClientConnection(
		"conn-fast", Identity{TenantID: "tenant-a", UserID: "user-fast"}, fastWS,
		registry, metrics.NewNopReporter(), clock.New(), heartbeat, ctxt,
		impl.dropConnection,
	)
	for _, conn := range []*clientConnection{slowConn, fastConn} {
		require.Nil(t, registry.AddConnection(dispatch.ConnectionRecord{
			ConnectionID: conn.id,
			TenantID:     conn.identity.TenantID,
			UserID:       conn.identity.UserID,
			CreatedAt:    time.Now(),
		}))
		impl.connLock.Lock()
		impl.connections[conn.id] = conn
		impl.connLock.Unlock()
		conn.setState(StateActive)
	}

	// Saturate the slow connection's outbound buffer
	filler := []byte(`{"type":"noise"}`)
	for idx := 0; idx < sendBufferDepth; idx++ {
		require.Nil(t, slowConn.Send(filler))
	}

	reading := telemetry.Reading{
		TenantID:           "tenant-a",
		WellID:             "well-7",
		SourceConnectionID: "edge-07",
		TagName:            "pressure",
		Value:              1723.4,
		Quality:            telemetry.QualityGood,
		Timestamp:          time.Now().UTC(),
		SourceProtocol:     "opc-ua",
	}

	// The saturated client is force-closed; delivery to the healthy one
	// continues regardless
	assert.Nil(impl.fanOut(reading))

	var frame map[string]interface{}
	select {
	case payload := <-fastConn.send:
		require.Nil(t, json.Unmarshal(payload, &frame))
	case <-time.After(time.Second * 2):
		assert.FailNow("Healthy client never received the reading")
	}
	assert.Equal(FrameTypeReading, frame["type"])
	assert.Equal("well-7", frame["well_id"])

	assert.Eventually(func() bool {
		return slowConn.State() == StateClosed && gw.ConnectionCount() == 1
	}, time.Second*3, time.Millisecond*10)
	assert.Len(registry.TenantConnections("tenant-a"), 1)

	// The slow client's peer sees its socket die
	require.Nil(t, slowPeer.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, _, err = slowPeer.ReadMessage()
	assert.NotNil(err)
}
