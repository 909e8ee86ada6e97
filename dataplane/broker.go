package dataplane

import (
	"context"
	"strings"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/core"
)

// TopicPayload one serialized payload bound for a topic
type TopicPayload struct {
	// Topic is the logical topic to publish on
	Topic string
	// Payload is the serialized message body
	Payload []byte
}

// MessageHandlerCB callback invoked for each message arriving on a pattern subscription
type MessageHandlerCB func(ctxt context.Context, topic string, payload []byte)

// BrokerSubscription handle on one live pattern subscription
type BrokerSubscription interface {
	// Pattern the topic pattern this subscription covers
	Pattern() string
	// Active whether the subscription is still live
	Active() bool
	// Close tear the subscription down
	Close() error
}

// BrokerClient capability interface over a topic based pub/sub transport
// supporting wildcard pattern subscription. No cross-publisher ordering is
// assumed or provided.
type BrokerClient interface {
	// Publish send one payload on a topic
	Publish(ctxt context.Context, topic string, payload []byte) error
	// PublishBatch send a set of payloads as one pipelined transport call.
	// On failure the returned BrokerConnectionError names the failed subset.
	PublishBatch(ctxt context.Context, batch []TopicPayload) error
	// SubscribePattern open a long-lived subscription covering every topic
	// matching the pattern
	SubscribePattern(
		ctxt context.Context, pattern string, handler MessageHandlerCB,
	) (BrokerSubscription, error)
}

// ===============================================================================
// NATS implementation

// natsSubjectFromTopic map a logical topic to a NATS subject. NATS wildcards
// operate per dot-separated token, so the ':' topic delimiter becomes '.'.
// The mapping is invertible because tenant IDs exclude '.', ':' and '*'.
func natsSubjectFromTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// topicFromNatsSubject invert natsSubjectFromTopic
func topicFromNatsSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}

// natsBrokerClient implements BrokerClient against NATS
type natsBrokerClient struct {
	common.Component
	nats *core.NatsClient
}

// GetNatsBrokerClient define a BrokerClient backed by NATS
func GetNatsBrokerClient(natsClient *core.NatsClient, instance string) (BrokerClient, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-broker-client", "instance": instance,
	}
	return &natsBrokerClient{
		Component: common.Component{LogTags: logTags}, nats: natsClient,
	}, nil
}

// Publish send one payload on a topic
func (c *natsBrokerClient) Publish(ctxt context.Context, topic string, payload []byte) error {
	localLogTags := common.UpdateLogTags(ctxt, c.LogTags)
	if err := c.nats.NATSConnection().Publish(natsSubjectFromTopic(topic), payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish on %s", topic)
		return &common.BrokerConnectionError{Op: "publish", FailedTopics: []string{topic}, Err: err}
	}
	log.WithFields(localLogTags).Debugf("Published %d bytes on %s", len(payload), topic)
	return nil
}

// PublishBatch send a set of payloads as one pipelined transport call
func (c *natsBrokerClient) PublishBatch(ctxt context.Context, batch []TopicPayload) error {
	localLogTags := common.UpdateLogTags(ctxt, c.LogTags)
	failedTopics := []string{}
	var firstErr error
	remaining := map[string]bool{}
	for _, entry := range batch {
		remaining[entry.Topic] = true
		if err := c.nats.NATSConnection().Publish(
			natsSubjectFromTopic(entry.Topic), entry.Payload,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to publish on %s", entry.Topic,
			)
			failedTopics = append(failedTopics, entry.Topic)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	// Writes so far are only buffered; the flush is the pipelined send
	if err := c.nats.NATSConnection().FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Batch flush failed")
		allTopics := make([]string, 0, len(remaining))
		for topic := range remaining {
			allTopics = append(allTopics, topic)
		}
		return &common.BrokerConnectionError{Op: "publish-batch", FailedTopics: allTopics, Err: err}
	}
	if firstErr != nil {
		return &common.BrokerConnectionError{
			Op: "publish-batch", FailedTopics: failedTopics, Err: firstErr,
		}
	}
	log.WithFields(localLogTags).Debugf("Published batch of %d", len(batch))
	return nil
}

// SubscribePattern open a long-lived subscription covering every topic
// matching the pattern
func (c *natsBrokerClient) SubscribePattern(
	ctxt context.Context, pattern string, handler MessageHandlerCB,
) (BrokerSubscription, error) {
	localLogTags := common.UpdateLogTags(ctxt, c.LogTags)
	sub, err := c.nats.NATSConnection().Subscribe(
		natsSubjectFromTopic(pattern), func(msg *nats.Msg) {
			handler(ctxt, topicFromNatsSubject(msg.Subject), msg.Data)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to subscribe to %s", pattern)
		return nil, &common.BrokerConnectionError{Op: "subscribe", Err: err}
	}
	log.WithFields(localLogTags).Infof("Subscribed to pattern %s", pattern)
	return &natsBrokerSubscription{pattern: pattern, sub: sub}, nil
}

// natsBrokerSubscription implements BrokerSubscription
type natsBrokerSubscription struct {
	pattern string
	sub     *nats.Subscription
}

// Pattern the topic pattern this subscription covers
func (s *natsBrokerSubscription) Pattern() string {
	return s.pattern
}

// Active whether the subscription is still live
func (s *natsBrokerSubscription) Active() bool {
	return s.sub.IsValid()
}

// Close tear the subscription down
func (s *natsBrokerSubscription) Close() error {
	return s.sub.Unsubscribe()
}
