package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the measurement quality reported by the field device
type Quality string

// Known measurement quality values
const (
	QualityGood      Quality = "Good"
	QualityBad       Quality = "Bad"
	QualityUncertain Quality = "Uncertain"
)

// Reading one field-device telemetry sample. Immutable after creation; the
// pipeline only ever reads it.
type Reading struct {
	// TenantID is the tenant the reading belongs to. Must match the tenant
	// encoded in the topic the reading arrives on.
	TenantID string `json:"tenant_id" validate:"required,topic_safe"`
	// WellID is the well the reading was measured at
	WellID string `json:"well_id" validate:"required,topic_safe"`
	// SourceConnectionID identifies the device connection which produced the reading
	SourceConnectionID string `json:"source_connection_id" validate:"required"`
	// TagName is the measurement tag, e.g. "pressure"
	TagName string `json:"tag_name" validate:"required"`
	// Value is the measured value
	Value float64 `json:"value"`
	// Quality is one of Good, Bad, Uncertain
	Quality Quality `json:"quality" validate:"required,oneof=Good Bad Uncertain"`
	// Timestamp is the UTC instant of the measurement
	Timestamp time.Time `json:"timestamp" validate:"required"`
	// SourceProtocol names the ingestion protocol, e.g. "opc-ua"
	SourceProtocol string `json:"source_protocol" validate:"required"`
}

// ===============================================================================
// Topic naming

// readingTopicPrefix is the prefix of all per-tenant reading topics
const readingTopicPrefix = "readings:"

// TopicForTenant derive the broker topic carrying a tenant's readings
func TopicForTenant(tenantID string) string {
	return readingTopicPrefix + tenantID
}

// AllReadingsPattern is the wildcard pattern matching every tenant's reading topic
func AllReadingsPattern() string {
	return readingTopicPrefix + "*"
}

// TenantFromTopic parse the tenant ID encoded in a reading topic
func TenantFromTopic(topic string) (string, error) {
	if !strings.HasPrefix(topic, readingTopicPrefix) {
		return "", fmt.Errorf("'%s' is not a reading topic", topic)
	}
	tenantID := strings.TrimPrefix(topic, readingTopicPrefix)
	if len(tenantID) == 0 {
		return "", fmt.Errorf("'%s' carries no tenant ID", topic)
	}
	return tenantID, nil
}
