package dispatch

import (
	"github.com/apex/log"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/telemetry"
)

// Dispatcher computes, for one inbound reading, the exact set of local
// connections eligible to receive it
type Dispatcher interface {
	// RecipientsFor compute the recipient connection IDs for a reading
	RecipientsFor(reading telemetry.Reading) []string
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry ConnectionRegistry
}

// GetDispatcher define a new Dispatcher working against a registry
func GetDispatcher(registry ConnectionRegistry, instance string) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	return &dispatcherImpl{
		Component: common.Component{LogTags: logTags}, registry: registry,
	}, nil
}

// RecipientsFor compute the recipient connection IDs for a reading.
//
// Two-tier routing: connections subscribed to the reading's well shadow
// tenant-wide delivery. An operator watching one well is not flooded with the
// rest of the tenant's traffic, and the two tiers are mutually exclusive on
// the emptiness of the well subscriber set.
func (d *dispatcherImpl) RecipientsFor(reading telemetry.Reading) []string {
	wellSubscribers := d.registry.WellSubscribers(reading.TenantID, reading.WellID)
	if len(wellSubscribers) > 0 {
		return wellSubscribers
	}
	return d.registry.TenantConnections(reading.TenantID)
}
