package core

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/wellscope/relay/common"
)

// NATSConnectParams NATS connection parameters
type NATSConnectParams struct {
	// ServerURI connect to the NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempts. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectBaseDelay initial wait between reconnect attempts. The wait
	// doubles per attempt.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay cap on the wait between reconnect attempts
	ReconnectMaxDelay time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient wrapper around the NATS transport used as the broker connection
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// NATSConnection fetch the underlying NATS connection
func (c NatsClient) NATSConnection() *nats.Conn {
	return c.nc
}

// Connected whether the broker connection is currently up
func (c NatsClient) Connected() bool {
	return c.nc.IsConnected()
}

// Close close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// reconnectDelay exponential backoff between reconnect attempts
func reconnectDelay(base, max time.Duration) nats.Option {
	return nats.CustomReconnectDelay(func(attempts int) time.Duration {
		delay := base
		for itr := 1; itr < attempts && delay < max; itr++ {
			delay *= 2
		}
		if delay > max {
			delay = max
		}
		return delay
	})
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		reconnectDelay(param.ReconnectBaseDelay, param.ReconnectMaxDelay),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
