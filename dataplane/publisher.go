package dataplane

import (
	"context"
	"encoding/json"

	"github.com/apex/log"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

// ReadingPublisher serializes validated readings and publishes them on their
// tenant's topic. Sits on the ingestion boundary; the protocol adapter which
// produced the reading decides retry or drop policy on failure.
type ReadingPublisher interface {
	// Publish validate and publish one reading
	Publish(ctxt context.Context, reading telemetry.Reading) error
	// PublishBatch validate and publish a set of readings, grouped by tenant
	// and issued as one pipelined broker call
	PublishBatch(ctxt context.Context, readings []telemetry.Reading) error
}

// readingPublisherImpl implements ReadingPublisher
type readingPublisherImpl struct {
	common.Component
	broker    BrokerClient
	validator telemetry.ReadingValidator
	reporter  metrics.Reporter
}

// GetReadingPublisher define a new ReadingPublisher
func GetReadingPublisher(
	broker BrokerClient,
	validator telemetry.ReadingValidator,
	reporter metrics.Reporter,
	instance string,
) (ReadingPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "reading-publisher", "instance": instance,
	}
	return &readingPublisherImpl{
		Component: common.Component{LogTags: logTags},
		broker:    broker,
		validator: validator,
		reporter:  reporter,
	}, nil
}

// Publish validate and publish one reading
func (p *readingPublisherImpl) Publish(ctxt context.Context, reading telemetry.Reading) error {
	localLogTags := common.UpdateLogTags(ctxt, p.LogTags)
	if err := p.validator.ValidateReading(reading); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Rejected invalid reading")
		p.reporter.ReadingDropped(metrics.DropReasonValidation)
		return err
	}
	payload, err := json.Marshal(&reading)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize reading")
		return err
	}
	topic := telemetry.TopicForTenant(reading.TenantID)
	if err := p.broker.Publish(ctxt, topic, payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Publish on %s failed", topic)
		return err
	}
	p.reporter.ReadingPublished(reading.TenantID)
	return nil
}

// PublishBatch validate and publish a set of readings, grouped by tenant and
// issued as one pipelined broker call. Every element is validated before any
// publish is attempted; a validation failure rejects the batch so no subset
// is silently dropped.
func (p *readingPublisherImpl) PublishBatch(
	ctxt context.Context, readings []telemetry.Reading,
) error {
	localLogTags := common.UpdateLogTags(ctxt, p.LogTags)
	if len(readings) == 0 {
		return nil
	}
	for _, reading := range readings {
		if err := p.validator.ValidateReading(reading); err != nil {
			log.WithError(err).WithFields(localLogTags).Warn("Rejected batch with invalid reading")
			p.reporter.ReadingDropped(metrics.DropReasonValidation)
			return err
		}
	}
	// Group by tenant so each tenant's readings land on one topic in sequence
	byTenant := map[string][]telemetry.Reading{}
	tenantOrder := []string{}
	for _, reading := range readings {
		if _, seen := byTenant[reading.TenantID]; !seen {
			tenantOrder = append(tenantOrder, reading.TenantID)
		}
		byTenant[reading.TenantID] = append(byTenant[reading.TenantID], reading)
	}
	batch := make([]TopicPayload, 0, len(readings))
	for _, tenantID := range tenantOrder {
		topic := telemetry.TopicForTenant(tenantID)
		for _, reading := range byTenant[tenantID] {
			payload, err := json.Marshal(&reading)
			if err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Unable to serialize reading")
				return err
			}
			batch = append(batch, TopicPayload{Topic: topic, Payload: payload})
		}
	}
	if err := p.broker.PublishBatch(ctxt, batch); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Batch publish failed")
		return err
	}
	for _, tenantID := range tenantOrder {
		for range byTenant[tenantID] {
			p.reporter.ReadingPublished(tenantID)
		}
	}
	return nil
}
