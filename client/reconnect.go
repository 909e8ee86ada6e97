package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/gateway"
	"github.com/wellscope/relay/telemetry"
)

// State connection state of the relay client
type State int

// Relay client connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

// ReadingHandlerCB callback invoked for each delivered reading
type ReadingHandlerCB func(reading telemetry.Reading)

// StateChangeCB callback invoked on client state transitions
type StateChangeCB func(previous, next State)

// RelayClientParams relay client connection parameters
type RelayClientParams struct {
	// EndpointURL the gateway stream endpoint, e.g. ws://host:3000/v1/stream
	EndpointURL string `validate:"required,uri"`
	// BearerToken credential presented during connection establishment
	BearerToken string `validate:"required"`
	// HandshakeTimeout max duration of one connection attempt
	HandshakeTimeout time.Duration
	// ReconnectBaseDelay initial wait before a reconnect attempt
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay cap on the wait between reconnect attempts
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts max consecutive reconnect attempts. "-1" means
	// unlimited, which is the default posture for user facing clients.
	MaxReconnectAttempts int
}

// RelayClient maintains a client's logical well subscription set across
// transport reconnects. On every successful connect the logical set is
// replayed so the server needs to persist nothing across the gap.
type RelayClient interface {
	// Connect establish the connection and begin the maintenance loop
	Connect(ctxt context.Context) error
	// Disconnect drop the connection and suppress any pending reconnect
	Disconnect() error
	// SubscribeWell add a well to the logical subscription set
	SubscribeWell(wellID string) error
	// UnsubscribeWell remove a well from the logical subscription set
	UnsubscribeWell(wellID string) error
	// SubscribedWells snapshot of the logical subscription set
	SubscribedWells() []string
	// State current connection state
	State() State
}

// relayClientImpl implements RelayClient
type relayClientImpl struct {
	common.Component
	params    RelayClientParams
	clock     clock.Clock
	readingCB ReadingHandlerCB
	stateCB   StateChangeCB

	state     State
	stateLock sync.Mutex

	wells     map[string]bool
	wellsLock sync.Mutex

	ws        *websocket.Conn
	writeLock sync.Mutex
	connLock  sync.Mutex

	operationContext context.Context
	contextCancel    context.CancelFunc
	started          bool
	loopRunning      bool
	loopDone         chan bool
}

// GetRelayClient define a new RelayClient
func GetRelayClient(
	params RelayClientParams,
	clk clock.Clock,
	readingCB ReadingHandlerCB,
	stateCB StateChangeCB,
	instance string,
) (RelayClient, error) {
	logTags := log.Fields{
		"module": "client", "component": "relay-client", "instance": instance,
	}
	return &relayClientImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		clock:     clk,
		readingCB: readingCB,
		stateCB:   stateCB,
		state:     StateDisconnected,
		wells:     make(map[string]bool),
	}, nil
}

// setState record a state transition and notify the observer
func (c *relayClientImpl) setState(next State) {
	c.stateLock.Lock()
	previous := c.state
	c.state = next
	c.stateLock.Unlock()
	if previous != next {
		log.WithFields(c.LogTags).Debugf("State %s -> %s", previous, next)
		if c.stateCB != nil {
			c.stateCB(previous, next)
		}
	}
}

// State current connection state
func (c *relayClientImpl) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// Connect establish the connection and begin the maintenance loop
func (c *relayClientImpl) Connect(ctxt context.Context) error {
	c.connLock.Lock()
	if c.started {
		c.connLock.Unlock()
		return fmt.Errorf("already connected")
	}
	opCtxt, cancel := context.WithCancel(ctxt)
	c.operationContext = opCtxt
	c.contextCancel = cancel
	c.started = true
	c.connLock.Unlock()

	c.setState(StateConnecting)
	if err := c.dialAndResubscribe(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Initial connect failed")
		c.connLock.Lock()
		c.started = false
		c.connLock.Unlock()
		cancel()
		c.setState(StateDisconnected)
		return err
	}
	c.connLock.Lock()
	done := make(chan bool, 1)
	c.loopDone = done
	c.loopRunning = true
	c.connLock.Unlock()
	go c.maintenanceLoop(done)
	return nil
}

// Disconnect drop the connection and suppress any pending reconnect.
// Safe from any state.
func (c *relayClientImpl) Disconnect() error {
	c.connLock.Lock()
	if !c.started {
		c.connLock.Unlock()
		return nil
	}
	c.started = false
	c.contextCancel()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	// Only wait for the maintenance loop if it was actually launched. A
	// disconnect issued while the initial dial is still in flight must not
	// wait on a loop which will never run.
	wasRunning := c.loopRunning
	c.loopRunning = false
	done := c.loopDone
	c.connLock.Unlock()
	if wasRunning {
		<-done
	}
	c.setState(StateDisconnected)
	log.WithFields(c.LogTags).Info("Disconnected")
	return nil
}

// SubscribeWell add a well to the logical subscription set
func (c *relayClientImpl) SubscribeWell(wellID string) error {
	if wellID == "" {
		return fmt.Errorf("well ID missing")
	}
	c.wellsLock.Lock()
	c.wells[wellID] = true
	c.wellsLock.Unlock()
	// Best effort while connected; the logical set is replayed on reconnect
	if c.State() == StateConnected {
		return c.sendFrame(gateway.ClientFrame{
			Type: gateway.FrameTypeSubscribeWell, WellID: wellID,
		})
	}
	return nil
}

// UnsubscribeWell remove a well from the logical subscription set
func (c *relayClientImpl) UnsubscribeWell(wellID string) error {
	c.wellsLock.Lock()
	delete(c.wells, wellID)
	c.wellsLock.Unlock()
	if c.State() == StateConnected {
		return c.sendFrame(gateway.ClientFrame{
			Type: gateway.FrameTypeUnsubscribeWell, WellID: wellID,
		})
	}
	return nil
}

// SubscribedWells snapshot of the logical subscription set
func (c *relayClientImpl) SubscribedWells() []string {
	c.wellsLock.Lock()
	defer c.wellsLock.Unlock()
	result := make([]string, 0, len(c.wells))
	for wellID := range c.wells {
		result = append(result, wellID)
	}
	return result
}

// ===============================================================================
// Transport maintenance

// dialAndResubscribe open the socket and replay the logical subscription set
func (c *relayClientImpl) dialAndResubscribe() error {
	dialer := websocket.Dialer{HandshakeTimeout: c.params.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.params.BearerToken)
	ws, _, err := dialer.DialContext(c.operationContext, c.params.EndpointURL, header)
	if err != nil {
		return err
	}
	c.connLock.Lock()
	if !c.started {
		// Disconnect won the race against the dial
		c.connLock.Unlock()
		_ = ws.Close()
		return fmt.Errorf("client disconnected")
	}
	c.ws = ws
	c.connLock.Unlock()
	ws.SetPingHandler(func(appData string) error {
		c.writeLock.Lock()
		defer c.writeLock.Unlock()
		return ws.WriteControl(
			websocket.PongMessage, []byte(appData), time.Now().Add(time.Second),
		)
	})
	c.setState(StateConnected)
	// Replaying the logical set restores the server side subscription state
	// without the server persisting anything across the gap
	c.wellsLock.Lock()
	wells := make([]string, 0, len(c.wells))
	for wellID := range c.wells {
		wells = append(wells, wellID)
	}
	c.wellsLock.Unlock()
	for _, wellID := range wells {
		if err := c.sendFrame(gateway.ClientFrame{
			Type: gateway.FrameTypeSubscribeWell, WellID: wellID,
		}); err != nil {
			// A half-subscribed socket is useless; drop it rather than leak it
			_ = ws.Close()
			c.connLock.Lock()
			c.ws = nil
			c.connLock.Unlock()
			return err
		}
	}
	log.WithFields(c.LogTags).Infof("Connected, replayed %d well subscriptions", len(wells))
	return nil
}

// maintenanceLoop read frames until the socket dies, then reconnect with backoff
func (c *relayClientImpl) maintenanceLoop(done chan bool) {
	defer func() { done <- true }()
	for {
		readErr := c.readFrames()
		if c.operationContext.Err() != nil {
			return
		}
		log.WithError(readErr).WithFields(c.LogTags).Warn("Connection lost. Reconnecting")
		c.setState(StateReconnecting)
		if err := c.reconnectWithBackoff(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Reconnect abandoned")
			c.setState(StateDisconnected)
			return
		}
	}
}

// readFrames consume server frames until the socket errors
func (c *relayClientImpl) readFrames() error {
	c.connLock.Lock()
	ws := c.ws
	c.connLock.Unlock()
	if ws == nil {
		return fmt.Errorf("no live socket")
	}
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handleServerFrame(payload)
	}
}

// handleServerFrame process one server frame
func (c *relayClientImpl) handleServerFrame(payload []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Dropping malformed server frame")
		return
	}
	switch envelope.Type {
	case gateway.FrameTypeReading:
		var frame gateway.ReadingFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Dropping malformed reading frame")
			return
		}
		if c.readingCB != nil {
			c.readingCB(frame.Reading)
		}
	case gateway.FrameTypeConnected, gateway.FrameTypeSubscribed, gateway.FrameTypeUnsubscribed:
		log.WithFields(c.LogTags).Debugf("Server ack '%s'", envelope.Type)
	case gateway.FrameTypeError:
		var frame gateway.ErrorFrame
		if err := json.Unmarshal(payload, &frame); err == nil {
			log.WithFields(c.LogTags).Warnf(
				"Server error [%s]: %s", frame.Code, frame.Message,
			)
		}
	default:
		log.WithFields(c.LogTags).Debugf("Ignoring unknown server frame '%s'", envelope.Type)
	}
}

// reconnectWithBackoff retry the connection until success, cancellation, or
// attempt exhaustion
func (c *relayClientImpl) reconnectWithBackoff() error {
	delay := c.params.ReconnectBaseDelay
	for attempt := 1; ; attempt++ {
		if c.params.MaxReconnectAttempts >= 0 && attempt > c.params.MaxReconnectAttempts {
			return fmt.Errorf("exhausted %d reconnect attempts", c.params.MaxReconnectAttempts)
		}
		// Jitter spreads reconnect storms across a restarted fleet
		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		log.WithFields(c.LogTags).Debugf("Reconnect attempt %d in %s", attempt, wait)
		timer := c.clock.Timer(wait)
		select {
		case <-c.operationContext.Done():
			timer.Stop()
			return c.operationContext.Err()
		case <-timer.C:
		}
		c.setState(StateConnecting)
		if err := c.dialAndResubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debugf(
				"Reconnect attempt %d failed", attempt,
			)
			c.setState(StateReconnecting)
			delay *= 2
			if delay > c.params.ReconnectMaxDelay {
				delay = c.params.ReconnectMaxDelay
			}
			continue
		}
		return nil
	}
}

// sendFrame write one client frame to the socket
func (c *relayClientImpl) sendFrame(frame gateway.ClientFrame) error {
	c.connLock.Lock()
	ws := c.ws
	c.connLock.Unlock()
	if ws == nil {
		return fmt.Errorf("no live socket")
	}
	payload, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return ws.WriteMessage(websocket.TextMessage, payload)
}
