package apis

import (
	"net/http"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/core"
	"github.com/wellscope/relay/gateway"
)

// APIRestGatewayHandler REST handler for the telemetry gateway
type APIRestGatewayHandler struct {
	APIRestHandler
	gateway    gateway.Gateway
	natsClient *core.NatsClient
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	gw gateway.Gateway, natsClient *core.NatsClient, httpConfig *common.HTTPConfig,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		gateway:    gw,
		natsClient: natsClient,
	}, nil
}

// =======================================================================
// Client stream

// Stream upgrade the request into a long lived client telemetry stream.
// Credential verification happens after the upgrade so failures reach the
// client as an error frame instead of a bare HTTP status.
func (h APIRestGatewayHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	log.WithFields(localLogTags).Debug("New stream request")
	h.gateway.ServeConnection(w, r)
}

// StreamHandler Wrapper around Stream
func (h APIRestGatewayHandler) StreamHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready readiness check. The gateway is ready only while the broker
// connection is up, since readings can not flow without it.
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient.NATSConnection().Status() == nats.CONNECTED {
		h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
	} else {
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
