package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/dispatch"
	"github.com/wellscope/relay/metrics"
)

// ConnectionState lifecycle state of one client connection
type ConnectionState int

// Client connection lifecycle states
const (
	StateHandshaking ConnectionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// String implements fmt.Stringer
func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateAuthenticated:
		return "Authenticated"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// HeartbeatParams client connection heartbeat parameters
type HeartbeatParams struct {
	// Interval duration between server pings
	Interval time.Duration
	// MaxMissed consecutive missed heartbeats before forced teardown
	MaxMissed int
}

// deadline max silence tolerated before a connection is considered dead
func (p HeartbeatParams) deadline() time.Duration {
	return p.Interval * time.Duration(p.MaxMissed)
}

// sendBufferDepth outbound frame buffer per connection. A client which lets
// this fill up is too slow to keep and is forcibly disconnected.
const sendBufferDepth = 256

// maxClientFrameSize inbound frames are tiny control messages; anything
// larger is a protocol violation
const maxClientFrameSize = 1024

// clientConnection one live client socket. Owned exclusively by the gateway
// which accepted it; the registry only ever sees its identifiers.
type clientConnection struct {
	common.Component
	id        string
	identity  Identity
	ws        *websocket.Conn
	send      chan []byte
	registry  dispatch.ConnectionRegistry
	reporter  metrics.Reporter
	clock     clock.Clock
	heartbeat HeartbeatParams

	state     ConnectionState
	wasActive bool
	stateLock sync.Mutex

	lastPong     time.Time
	lastPongLock sync.Mutex

	operationContext context.Context
	contextCancel    context.CancelFunc
	closeOnce        sync.Once
	onClosed         func(connectionID string)
}

// newClientConnection wrap one accepted socket
func newClientConnection(
	id string,
	identity Identity,
	ws *websocket.Conn,
	registry dispatch.ConnectionRegistry,
	reporter metrics.Reporter,
	clk clock.Clock,
	heartbeat HeartbeatParams,
	rootCtxt context.Context,
	onClosed func(connectionID string),
) *clientConnection {
	ctxt, cancel := context.WithCancel(rootCtxt)
	ctxt = context.WithValue(ctxt, common.ConnectionParam{}, common.ConnectionParam{
		ID: id, TenantID: identity.TenantID, UserID: identity.UserID,
	})
	logTags := common.UpdateLogTags(ctxt, log.Fields{
		"module":    "gateway",
		"component": "client-connection",
	})
	return &clientConnection{
		Component:        common.Component{LogTags: logTags},
		id:               id,
		identity:         identity,
		ws:               ws,
		send:             make(chan []byte, sendBufferDepth),
		registry:         registry,
		reporter:         reporter,
		clock:            clk,
		heartbeat:        heartbeat,
		state:            StateHandshaking,
		lastPong:         clk.Now(),
		operationContext: ctxt,
		contextCancel:    cancel,
		onClosed:         onClosed,
	}
}

// setState record a lifecycle transition
func (c *clientConnection) setState(next ConnectionState) {
	c.stateLock.Lock()
	prev := c.state
	c.state = next
	if next == StateActive {
		c.wasActive = true
	}
	c.stateLock.Unlock()
	if prev != next {
		log.WithFields(c.LogTags).Debugf("State %s -> %s", prev, next)
	}
}

// State current lifecycle state
func (c *clientConnection) State() ConnectionState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// recordPong note a heartbeat response from the client
func (c *clientConnection) recordPong() {
	c.lastPongLock.Lock()
	c.lastPong = c.clock.Now()
	c.lastPongLock.Unlock()
}

// heartbeatExpired whether the client has missed too many heartbeats
func (c *clientConnection) heartbeatExpired(now time.Time) bool {
	c.lastPongLock.Lock()
	defer c.lastPongLock.Unlock()
	return now.Sub(c.lastPong) > c.heartbeat.deadline()
}

// Send queue one outbound frame. A full buffer marks the client as too slow
// and forces teardown; the caller's fan-out continues regardless.
func (c *clientConnection) Send(payload []byte) error {
	select {
	case <-c.operationContext.Done():
		return &common.SocketWriteError{
			ConnectionID: c.id, Err: fmt.Errorf("connection is closing"),
		}
	case c.send <- payload:
		return nil
	default:
		log.WithFields(c.LogTags).Warn("Send buffer full. Disconnecting slow client")
		c.reporter.ReadingDropped(metrics.DropReasonSlowClient)
		go c.close("send buffer full")
		return &common.SocketWriteError{
			ConnectionID: c.id, Err: fmt.Errorf("send buffer full"),
		}
	}
}

// close tear the connection down. Idempotent; the registry removal runs
// exactly once no matter how many paths race into teardown.
func (c *clientConnection) close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		log.WithFields(c.LogTags).Infof("Closing connection: %s", reason)
		c.contextCancel()
		c.registry.RemoveConnection(c.id)
		_ = c.ws.Close()
		// The gauge only ever incremented for connections which reached
		// Active; a connection torn down before that must not decrement it
		c.stateLock.Lock()
		counted := c.wasActive
		c.stateLock.Unlock()
		if counted {
			c.reporter.ConnectionClosed(c.identity.TenantID)
		}
		c.setState(StateClosed)
		if c.onClosed != nil {
			c.onClosed(c.id)
		}
	})
}

// readPump read client frames until the socket dies
func (c *clientConnection) readPump(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close("read loop ended")
		c.ws.SetReadLimit(maxClientFrameSize)
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat.deadline()))
		c.ws.SetPongHandler(func(string) error {
			c.recordPong()
			return c.ws.SetReadDeadline(time.Now().Add(c.heartbeat.deadline()))
		})
		for {
			_, payload, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(
					err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				) {
					log.WithError(err).WithFields(c.LogTags).Debug("Socket read failed")
				}
				return
			}
			c.handleClientFrame(payload)
		}
	}()
}

// writePump write queued frames and heartbeat pings until torn down
func (c *clientConnection) writePump(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close("write loop ended")
		ticker := c.clock.Ticker(c.heartbeat.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.operationContext.Done():
				// Buffered outbound frames are discarded on teardown
				_ = c.ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return
			case payload := <-c.send:
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.heartbeat.Interval))
				if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Socket write failed")
					return
				}
			case <-ticker.C:
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.heartbeat.Interval))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Heartbeat ping failed")
					return
				}
			}
		}
	}()
}

// handleClientFrame process one inbound control frame
func (c *clientConnection) handleClientFrame(payload []byte) {
	frame, err := parseClientFrame(payload)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Rejected malformed client frame")
		c.sendError(err.Error(), ErrorCodeBadRequest)
		return
	}
	switch frame.Type {
	case FrameTypeSubscribeWell:
		if err := c.registry.SubscribeWell(c.id, frame.WellID); err != nil {
			c.sendError(err.Error(), ErrorCodeBadRequest)
			return
		}
		c.sendAck(FrameTypeSubscribed, frame.WellID)
	case FrameTypeUnsubscribeWell:
		if err := c.registry.UnsubscribeWell(c.id, frame.WellID); err != nil {
			c.sendError(err.Error(), ErrorCodeBadRequest)
			return
		}
		c.sendAck(FrameTypeUnsubscribed, frame.WellID)
	default:
		log.WithFields(c.LogTags).Debugf("Unknown client frame type '%s'", frame.Type)
		c.sendError(
			fmt.Sprintf("unknown frame type '%s'", frame.Type), ErrorCodeUnknownFrame,
		)
	}
}

// sendAck queue a subscription change acknowledgement
func (c *clientConnection) sendAck(frameType, wellID string) {
	payload, err := NewSubscriptionAckFrame(frameType, wellID, c.clock.Now())
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to build ack frame")
		return
	}
	_ = c.Send(payload)
}

// sendError queue an error frame
func (c *clientConnection) sendError(message, code string) {
	payload, err := NewErrorFrame(message, code)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to build error frame")
		return
	}
	_ = c.Send(payload)
}
