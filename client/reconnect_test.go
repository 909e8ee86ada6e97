package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
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
	"github.com/wellscope/relay/gateway"
	"github.com/wellscope/relay/telemetry"
)

func testClientParams(wsURL string) RelayClientParams {
	return RelayClientParams{
		EndpointURL:          wsURL,
		BearerToken:          "unit-test-token",
		HandshakeTimeout:     time.Second,
		ReconnectBaseDelay:   time.Millisecond * 10,
		ReconnectMaxDelay:    time.Millisecond * 100,
		MaxReconnectAttempts: -1,
	}
}

func TestRelayClientResubscribeReplay(t *testing.T) {
	assert := assert.New(t)

	upgrader := websocket.Upgrader{}
	subsCh := make(chan string, 32)
	var lock sync.Mutex
	connCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		lock.Lock()
		connIdx := connCount
		connCount++
		lock.Unlock()
		received := 0
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame gateway.ClientFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			if frame.Type == gateway.FrameTypeSubscribeWell {
				received++
				subsCh <- fmt.Sprintf("%d:%s", connIdx, frame.WellID)
				// The first connection dies once both wells arrived, forcing
				// the client through a reconnect
				if connIdx == 0 && received == 2 {
					_ = ws.Close()
					return
				}
			}
		}
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	await := func() string {
		select {
		case got := <-subsCh:
			return got
		case <-time.After(time.Second * 3):
			assert.FailNow("Timed out waiting for subscribe frame")
			return ""
		}
	}

	uut, err := GetRelayClient(testClientParams(wsURL), clock.New(), nil, nil, "testing")
	assert.Nil(err)

	// Subscribed before connect; replayed on the first connect
	assert.Nil(uut.SubscribeWell("well-A"))
	require.Nil(t, uut.Connect(context.Background()))
	assert.Equal("0:well-A", await())

	// Subscribed while connected
	assert.Nil(uut.SubscribeWell("well-B"))
	assert.Equal("0:well-B", await())
	assert.ElementsMatch([]string{"well-A", "well-B"}, uut.SubscribedWells())

	// The server dropped the connection; the replay restores both wells on
	// the next connection in no particular order
	replayed := []string{await(), await()}
	assert.ElementsMatch([]string{"1:well-A", "1:well-B"}, replayed)

	assert.Eventually(func() bool {
		return uut.State() == StateConnected
	}, time.Second*3, time.Millisecond*10)

	assert.Nil(uut.Disconnect())
	assert.Equal(StateDisconnected, uut.State())
}

func TestRelayClientReadingDelivery(t *testing.T) {
	assert := assert.New(t)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		frame, err := gateway.NewReadingFrame(telemetry.Reading{
			TenantID:           "tenant-a",
			WellID:             "well-7",
			SourceConnectionID: "edge-07",
			TagName:            "pressure",
			Value:              1723.4,
			Quality:            telemetry.QualityGood,
			Timestamp:          time.Now().UTC(),
			SourceProtocol:     "opc-ua",
		})
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		// Hold the connection open until the client leaves
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	delivered := make(chan telemetry.Reading, 1)
	readingCB := func(reading telemetry.Reading) {
		delivered <- reading
	}

	uut, err := GetRelayClient(testClientParams(wsURL), clock.New(), readingCB, nil, "testing")
	assert.Nil(err)
	require.Nil(t, uut.Connect(context.Background()))
	defer func() { _ = uut.Disconnect() }()

	select {
	case reading := <-delivered:
		assert.Equal("tenant-a", reading.TenantID)
		assert.Equal("well-7", reading.WellID)
		assert.Equal(telemetry.QualityGood, reading.Quality)
	case <-time.After(time.Second * 3):
		assert.FailNow("Timed out waiting for reading")
	}
}

func TestRelayClientDisconnectCancelsReconnect(t *testing.T) {
	assert := assert.New(t)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection immediately to push the client into reconnect
		_ = ws.Close()
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	// The mock clock never advances, so any pending reconnect timer would
	// block forever unless Disconnect cancels it
	mock := clock.NewMock()
	params := testClientParams(wsURL)
	params.ReconnectBaseDelay = time.Minute
	params.ReconnectMaxDelay = time.Minute * 10

	states := make(chan State, 16)
	stateCB := func(previous, next State) {
		states <- next
	}

	uut, err := GetRelayClient(params, mock, nil, stateCB, "testing")
	assert.Nil(err)
	require.Nil(t, uut.Connect(context.Background()))

	assert.Eventually(func() bool {
		return uut.State() == StateReconnecting
	}, time.Second*3, time.Millisecond*10)

	done := make(chan bool)
	go func() {
		_ = uut.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 2):
		assert.FailNow("Disconnect did not cancel the pending reconnect")
	}
	assert.Equal(StateDisconnected, uut.State())
}

func TestRelayClientDisconnectDuringInitialConnect(t *testing.T) {
	assert := assert.New(t)

	// A listener which accepts but never answers the websocket handshake,
	// holding the client in Connecting
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer func() { _ = listener.Close() }()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	params := testClientParams("ws://" + listener.Addr().String())
	params.HandshakeTimeout = time.Second * 30

	uut, err := GetRelayClient(params, clock.New(), nil, nil, "testing")
	assert.Nil(err)

	connectReturned := make(chan error, 1)
	go func() { connectReturned <- uut.Connect(context.Background()) }()

	assert.Eventually(func() bool {
		return uut.State() == StateConnecting
	}, time.Second*3, time.Millisecond*10)

	// Disconnect while the dial is still in flight must return promptly
	disconnected := make(chan bool)
	go func() {
		_ = uut.Disconnect()
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(time.Second * 2):
		assert.FailNow("Disconnect blocked while the dial was in flight")
	}
	assert.Equal(StateDisconnected, uut.State())

	select {
	case err := <-connectReturned:
		assert.NotNil(err)
	case <-time.After(time.Second * 2):
		assert.FailNow("Connect never observed the cancellation")
	}
}

func TestRelayClientReplayFailureDropsSocket(t *testing.T) {
	assert := assert.New(t)

	// The server reads one replayed frame, then resets the connection so the
	// remaining replay writes fail mid-flight
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = ws.ReadMessage()
		if tcp, ok := ws.UnderlyingConn().(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = ws.Close()
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	uut, err := GetRelayClient(testClientParams(wsURL), clock.New(), nil, nil, "testing")
	assert.Nil(err)

	// Large well ids make the replay outgrow the kernel's socket buffers, so
	// a write is guaranteed to still be in flight when the reset lands
	wellStem := strings.Repeat("w", 64*1024)
	for idx := 0; idx < 256; idx++ {
		assert.Nil(uut.SubscribeWell(fmt.Sprintf("%s-%03d", wellStem, idx)))
	}

	err = uut.Connect(context.Background())
	require.NotNil(t, err)
	assert.Equal(StateDisconnected, uut.State())

	// The half-subscribed socket was closed and released, not leaked
	impl := uut.(*relayClientImpl)
	impl.connLock.Lock()
	assert.Nil(impl.ws)
	impl.connLock.Unlock()

	// The client is reusable after the failed attempt
	assert.Nil(uut.Disconnect())
}
