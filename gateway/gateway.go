package gateway

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/dispatch"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

// GatewayParams tunables for one gateway instance
type GatewayParams struct {
	// Heartbeat client heartbeat parameters
	Heartbeat HeartbeatParams
	// AuthVerifyTimeout max duration of one credential verification call
	AuthVerifyTimeout time.Duration
	// DispatchWorkers number of parallel fan-out workers
	DispatchWorkers int `validate:"gte=1"`
	// DispatchBuffer depth of the fan-out task queue
	DispatchBuffer int `validate:"gte=1"`
}

// Gateway owns client connection lifecycle and writes dispatched readings to
// the sockets it accepted. One gateway instance only ever sees the recipients
// it locally owns; broker-level fan-out covers the rest of the fleet.
type Gateway interface {
	// ServeConnection HTTP handler upgrading one request into a client connection
	ServeConnection(w http.ResponseWriter, r *http.Request)
	// DispatchReading fan one validated reading out to its local recipients.
	// Wired as the subscriber's forward callback.
	DispatchReading(ctxt context.Context, reading telemetry.Reading) error
	// ConnectionCount number of locally owned live connections
	ConnectionCount() int
	// Start begin background processing
	Start(wg *sync.WaitGroup) error
	// Stop tear down every owned connection and stop background processing
	Stop() error
}

// gatewayImpl implements Gateway
type gatewayImpl struct {
	common.Component
	params     GatewayParams
	upgrader   websocket.Upgrader
	verifier   AuthVerifier
	registry   dispatch.ConnectionRegistry
	dispatcher dispatch.Dispatcher
	reporter   metrics.Reporter
	clock      clock.Clock

	connections map[string]*clientConnection
	connLock    sync.RWMutex

	tp             common.TaskProcessor
	sweepTimer     common.IntervalTimer
	operationCtxt  context.Context
	contextCancel  context.CancelFunc
	connectionWG   sync.WaitGroup
}

// readingDispatchTask fan-out work item
type readingDispatchTask struct {
	reading telemetry.Reading
}

// GetGateway define a new Gateway
func GetGateway(
	params GatewayParams,
	verifier AuthVerifier,
	registry dispatch.ConnectionRegistry,
	dispatcher dispatch.Dispatcher,
	reporter metrics.Reporter,
	clk clock.Clock,
	instance string,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Gateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "gateway", "instance": instance,
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		"reading-dispatch", params.DispatchBuffer, params.DispatchWorkers, ctxt,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	sweepTimer, err := common.GetIntervalTimerInstance("heartbeat-sweep", clk, ctxt, wg)
	if err != nil {
		cancel()
		return nil, err
	}
	gw := &gatewayImpl{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		verifier:      verifier,
		registry:      registry,
		dispatcher:    dispatcher,
		reporter:      reporter,
		clock:         clk,
		connections:   make(map[string]*clientConnection),
		tp:            tp,
		sweepTimer:    sweepTimer,
		operationCtxt: ctxt,
		contextCancel: cancel,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(readingDispatchTask{}), gw.processDispatchTask,
	); err != nil {
		cancel()
		return nil, err
	}
	return gw, nil
}

// Start begin background processing
func (g *gatewayImpl) Start(wg *sync.WaitGroup) error {
	if err := g.tp.StartEventLoop(wg); err != nil {
		return err
	}
	return g.sweepTimer.Start(g.params.Heartbeat.Interval, g.sweepStaleConnections, false)
}

// Stop tear down every owned connection and stop background processing
func (g *gatewayImpl) Stop() error {
	log.WithFields(g.LogTags).Info("Stopping gateway")
	_ = g.sweepTimer.Stop()
	_ = g.tp.StopEventLoop()
	g.connLock.RLock()
	open := make([]*clientConnection, 0, len(g.connections))
	for _, conn := range g.connections {
		open = append(open, conn)
	}
	g.connLock.RUnlock()
	for _, conn := range open {
		conn.close("gateway shutdown")
	}
	g.contextCancel()
	g.connectionWG.Wait()
	return nil
}

// ConnectionCount number of locally owned live connections
func (g *gatewayImpl) ConnectionCount() int {
	g.connLock.RLock()
	defer g.connLock.RUnlock()
	return len(g.connections)
}

// ===============================================================================
// Connection lifecycle

// ServeConnection HTTP handler upgrading one request into a client connection
func (g *gatewayImpl) ServeConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Debug("Socket upgrade failed")
		return
	}

	// Handshaking: verify the bearer credential before anything else flows
	identity, err := g.authenticate(r)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Info("Rejected unauthenticated connection")
		g.reporter.AuthFailure()
		// The client gets one explicit error frame before teardown
		if frame, buildErr := NewErrorFrame(err.Error(), ErrorCodeAuthFailed); buildErr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		_ = ws.Close()
		return
	}

	connectionID := uuid.New().String()
	conn := newClientConnection(
		connectionID,
		identity,
		ws,
		g.registry,
		g.reporter,
		g.clock,
		g.params.Heartbeat,
		g.operationCtxt,
		g.dropConnection,
	)
	conn.setState(StateAuthenticated)

	// Authenticated -> Active once the registry accepts the connection
	record := dispatch.ConnectionRecord{
		ConnectionID: connectionID,
		TenantID:     identity.TenantID,
		UserID:       identity.UserID,
		Role:         identity.Role,
		CreatedAt:    g.clock.Now(),
	}
	if err := g.registry.AddConnection(record); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to register connection")
		conn.close("registration failed")
		return
	}

	g.connLock.Lock()
	g.connections[connectionID] = conn
	g.connLock.Unlock()

	conn.setState(StateActive)
	g.reporter.ConnectionOpened(identity.TenantID)
	log.WithFields(conn.LogTags).Info("Connection active")

	conn.readPump(&g.connectionWG)
	conn.writePump(&g.connectionWG)

	if frame, err := NewConnectedFrame(identity.TenantID, g.clock.Now()); err == nil {
		_ = conn.Send(frame)
	}
}

// authenticate verify the request's bearer credential within the configured timeout
func (g *gatewayImpl) authenticate(r *http.Request) (Identity, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	verifyCtxt, cancel := context.WithTimeout(g.operationCtxt, g.params.AuthVerifyTimeout)
	defer cancel()
	identity, err := g.verifier.Verify(verifyCtxt, token)
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// dropConnection forget one closed connection
func (g *gatewayImpl) dropConnection(connectionID string) {
	g.connLock.Lock()
	delete(g.connections, connectionID)
	g.connLock.Unlock()
}

// sweepStaleConnections force Closing on connections past their heartbeat deadline
func (g *gatewayImpl) sweepStaleConnections() error {
	now := g.clock.Now()
	g.connLock.RLock()
	stale := make([]*clientConnection, 0)
	for _, conn := range g.connections {
		if conn.heartbeatExpired(now) {
			stale = append(stale, conn)
		}
	}
	g.connLock.RUnlock()
	for _, conn := range stale {
		log.WithFields(conn.LogTags).Warn("Heartbeat timeout")
		conn.close("heartbeat timeout")
	}
	return nil
}

// ===============================================================================
// Fan-out

// DispatchReading fan one validated reading out to its local recipients
func (g *gatewayImpl) DispatchReading(
	ctxt context.Context, reading telemetry.Reading,
) error {
	if err := g.tp.Submit(ctxt, readingDispatchTask{reading: reading}); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to submit dispatch task")
		g.reporter.ReadingDropped(metrics.DropReasonDispatchFull)
		return err
	}
	return nil
}

// processDispatchTask TaskProcessor handler for one fan-out
func (g *gatewayImpl) processDispatchTask(param interface{}) error {
	task, ok := param.(readingDispatchTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for dispatch", reflect.TypeOf(param))
	}
	return g.fanOut(task.reading)
}

// fanOut write one reading to every locally owned recipient. Per-socket
// failures never abort delivery to the remaining recipients.
func (g *gatewayImpl) fanOut(reading telemetry.Reading) error {
	recipients := g.dispatcher.RecipientsFor(reading)
	if len(recipients) == 0 {
		return nil
	}
	frame, err := NewReadingFrame(reading)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to build reading frame")
		return err
	}
	delivered := 0
	for _, connectionID := range recipients {
		g.connLock.RLock()
		conn, owned := g.connections[connectionID]
		g.connLock.RUnlock()
		if !owned {
			// Another gateway instance owns this recipient
			continue
		}
		if err := conn.Send(frame); err != nil {
			log.WithError(err).WithFields(conn.LogTags).Debug("Fan-out write failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		g.reporter.ReadingDelivered(reading.TenantID, delivered)
	}
	return nil
}
