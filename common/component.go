package common

import (
	"context"

	"github.com/apex/log"
)

// Component base structure for a component
type Component struct {
	LogTags log.Fields
}

// ConnectionParam is a helper object for logging a connection's parameters into its context
type ConnectionParam struct {
	// ID is the connection ID
	ID string `json:"id"`
	// TenantID is the tenant the connection belongs to
	TenantID string `json:"tenant_id"`
	// UserID is the authenticated user behind the connection
	UserID string `json:"user_id"`
}

// UpdateLogTags updates Apex log.Fields map with the connection's parameters
func (p *ConnectionParam) UpdateLogTags(tags log.Fields) {
	tags["connection_id"] = p.ID
	tags["tenant_id"] = p.TenantID
	tags["user_id"] = p.UserID
}

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with the request's parameters
func (p *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = p.ID
	tags["request_method"] = p.Method
	tags["request_uri"] = p.URI
}

// UpdateLogTags returns a new Apex log.Fields merging the base tags with any
// connection or request parameters recorded in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	result := log.Fields{}
	for field, value := range original {
		result[field] = value
	}
	if param, ok := ctxt.Value(ConnectionParam{}).(ConnectionParam); ok {
		param.UpdateLogTags(result)
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		param.UpdateLogTags(result)
	}
	return result
}
