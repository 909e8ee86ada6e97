package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/wellscope/relay/common"
)

// ConnectionRecord identifying attributes of one live client connection. The
// registry holds identifiers and set membership only; the socket itself stays
// with the gateway task which accepted it.
type ConnectionRecord struct {
	// ConnectionID process-unique opaque connection ID
	ConnectionID string `validate:"required"`
	// TenantID tenant the connection belongs to. Immutable after registration.
	TenantID string `validate:"required"`
	// UserID authenticated user behind the connection
	UserID string `validate:"required"`
	// Role authenticated role of the user
	Role string
	// CreatedAt when the connection entered Active
	CreatedAt time.Time
}

// wellKey scopes well subscription sets per tenant. Well IDs are only unique
// within a tenant; a flat well index could leak readings across tenants when
// two tenants reuse a well ID.
type wellKey struct {
	tenantID string
	wellID   string
}

// ConnectionRegistry concurrent index of live client connections, tenant
// membership, and per-well subscription sets. Safe for concurrent use by
// connection handlers, the dispatch loop, and administrative readers.
type ConnectionRegistry interface {
	// AddConnection register a live connection under its tenant
	AddConnection(record ConnectionRecord) error
	// RemoveConnection drop a connection and purge its well subscriptions.
	// Idempotent; removing an unknown or already removed ID is a no-op.
	RemoveConnection(connectionID string)
	// SubscribeWell register a connection's interest in one well
	SubscribeWell(connectionID, wellID string) error
	// UnsubscribeWell drop a connection's interest in one well
	UnsubscribeWell(connectionID, wellID string) error
	// TenantConnections list the live connection IDs of a tenant
	TenantConnections(tenantID string) []string
	// WellSubscribers list the connection IDs subscribed to a tenant's well
	WellSubscribers(tenantID, wellID string) []string
	// ConnectionCount number of live connections
	ConnectionCount() int
}

// connectionEntry registry-internal state of one connection
type connectionEntry struct {
	record ConnectionRecord
	// wells the connection currently subscribes to. Tracked here so removal
	// only touches this connection's subscription sets.
	wells map[string]bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]*connectionEntry
	tenants     map[string]map[string]bool
	wells       map[wellKey]map[string]bool
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]*connectionEntry),
		tenants:     make(map[string]map[string]bool),
		wells:       make(map[wellKey]map[string]bool),
	}, nil
}

// AddConnection register a live connection under its tenant
func (r *connectionRegistryImpl) AddConnection(record ConnectionRecord) error {
	if record.ConnectionID == "" || record.TenantID == "" {
		return fmt.Errorf("connection record missing connection or tenant ID")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, exists := r.connections[record.ConnectionID]; exists {
		return fmt.Errorf("connection '%s' already registered", record.ConnectionID)
	}
	r.connections[record.ConnectionID] = &connectionEntry{
		record: record, wells: make(map[string]bool),
	}
	if _, exists := r.tenants[record.TenantID]; !exists {
		r.tenants[record.TenantID] = make(map[string]bool)
	}
	r.tenants[record.TenantID][record.ConnectionID] = true
	log.WithFields(r.LogTags).Debugf(
		"Registered connection %s for tenant %s", record.ConnectionID, record.TenantID,
	)
	return nil
}

// RemoveConnection drop a connection and purge its well subscriptions
func (r *connectionRegistryImpl) RemoveConnection(connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, exists := r.connections[connectionID]
	if !exists {
		return
	}
	tenantID := entry.record.TenantID
	if members, found := r.tenants[tenantID]; found {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.tenants, tenantID)
		}
	}
	// Only this connection's own subscription sets are touched
	for wellID := range entry.wells {
		key := wellKey{tenantID: tenantID, wellID: wellID}
		if subscribers, found := r.wells[key]; found {
			delete(subscribers, connectionID)
			if len(subscribers) == 0 {
				delete(r.wells, key)
			}
		}
	}
	delete(r.connections, connectionID)
	log.WithFields(r.LogTags).Debugf(
		"Removed connection %s of tenant %s", connectionID, tenantID,
	)
}

// SubscribeWell register a connection's interest in one well
func (r *connectionRegistryImpl) SubscribeWell(connectionID, wellID string) error {
	if wellID == "" {
		return fmt.Errorf("well ID missing")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, exists := r.connections[connectionID]
	if !exists {
		return fmt.Errorf("connection '%s' not registered", connectionID)
	}
	entry.wells[wellID] = true
	key := wellKey{tenantID: entry.record.TenantID, wellID: wellID}
	if _, found := r.wells[key]; !found {
		r.wells[key] = make(map[string]bool)
	}
	r.wells[key][connectionID] = true
	return nil
}

// UnsubscribeWell drop a connection's interest in one well
func (r *connectionRegistryImpl) UnsubscribeWell(connectionID, wellID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, exists := r.connections[connectionID]
	if !exists {
		return fmt.Errorf("connection '%s' not registered", connectionID)
	}
	delete(entry.wells, wellID)
	key := wellKey{tenantID: entry.record.TenantID, wellID: wellID}
	if subscribers, found := r.wells[key]; found {
		delete(subscribers, connectionID)
		if len(subscribers) == 0 {
			delete(r.wells, key)
		}
	}
	return nil
}

// TenantConnections list the live connection IDs of a tenant
func (r *connectionRegistryImpl) TenantConnections(tenantID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members, found := r.tenants[tenantID]
	if !found {
		return nil
	}
	result := make([]string, 0, len(members))
	for connectionID := range members {
		result = append(result, connectionID)
	}
	return result
}

// WellSubscribers list the connection IDs subscribed to a tenant's well
func (r *connectionRegistryImpl) WellSubscribers(tenantID, wellID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	subscribers, found := r.wells[wellKey{tenantID: tenantID, wellID: wellID}]
	if !found {
		return nil
	}
	result := make([]string, 0, len(subscribers))
	for connectionID := range subscribers {
		result = append(result, connectionID)
	}
	return result
}

// ConnectionCount number of live connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}
