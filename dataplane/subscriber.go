package dataplane

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

// ForwardReadingCB callback used to forward validated readings to the dispatcher
type ForwardReadingCB func(ctxt context.Context, reading telemetry.Reading) error

// ReadingSubscriber holds the gateway-wide pattern subscription covering all
// tenant reading topics. Each inbound payload is re-validated and checked
// against the tenant encoded in its topic before being forwarded.
type ReadingSubscriber interface {
	// Start open the pattern subscription
	Start(ctxt context.Context) error
	// EnsureSubscribed re-issue the pattern subscription if it was lost.
	// Intended to run from the broker reconnect callback.
	EnsureSubscribed(ctxt context.Context) error
	// Stop tear the subscription down
	Stop() error
}

// readingSubscriberImpl implements ReadingSubscriber
type readingSubscriberImpl struct {
	common.Component
	broker    BrokerClient
	validator telemetry.ReadingValidator
	forwardCB ForwardReadingCB
	reporter  metrics.Reporter
	sub       BrokerSubscription
	lock      *sync.Mutex
}

// GetReadingSubscriber define a new ReadingSubscriber
func GetReadingSubscriber(
	broker BrokerClient,
	validator telemetry.ReadingValidator,
	forwardCB ForwardReadingCB,
	reporter metrics.Reporter,
	instance string,
) (ReadingSubscriber, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "reading-subscriber", "instance": instance,
	}
	return &readingSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		broker:    broker,
		validator: validator,
		forwardCB: forwardCB,
		reporter:  reporter,
		lock:      &sync.Mutex{},
	}, nil
}

// Start open the pattern subscription
func (s *readingSubscriberImpl) Start(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.broker.SubscribePattern(
		ctxt, telemetry.AllReadingsPattern(), s.handleMessage,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open pattern subscription")
		return err
	}
	s.sub = sub
	return nil
}

// EnsureSubscribed re-issue the pattern subscription if it was lost
func (s *readingSubscriberImpl) EnsureSubscribed(ctxt context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sub != nil && s.sub.Active() {
		return nil
	}
	log.WithFields(s.LogTags).Warn("Pattern subscription lost. Re-subscribing")
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
	sub, err := s.broker.SubscribePattern(
		ctxt, telemetry.AllReadingsPattern(), s.handleMessage,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to re-open pattern subscription")
		return err
	}
	s.sub = sub
	return nil
}

// Stop tear the subscription down
func (s *readingSubscriberImpl) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	s.sub = nil
	log.WithFields(s.LogTags).Info("Closed pattern subscription")
	return err
}

// handleMessage process one inbound (topic, payload) pair
func (s *readingSubscriberImpl) handleMessage(
	ctxt context.Context, topic string, payload []byte,
) {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	reading, err := s.validator.ParseAndValidate(payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Dropping malformed reading from %s", topic,
		)
		s.reporter.ReadingDropped(metrics.DropReasonValidation)
		return
	}
	topicTenant, err := telemetry.TenantFromTopic(topic)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Dropping reading from unparsable topic %s", topic,
		)
		s.reporter.ReadingDropped(metrics.DropReasonTenantMismatch)
		return
	}
	// A payload claiming another tenant than its topic is a forged or
	// misconfigured publisher. Never deliver it.
	if reading.TenantID != topicTenant {
		mismatch := &common.TenantMismatchError{
			Topic: topic, TopicTenant: topicTenant, PayloadTenant: reading.TenantID,
		}
		log.WithError(mismatch).WithFields(localLogTags).Warn(
			"SECURITY: dropping reading with forged tenant",
		)
		s.reporter.ReadingDropped(metrics.DropReasonTenantMismatch)
		return
	}
	if err := s.forwardCB(ctxt, reading); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to forward reading")
	}
}
