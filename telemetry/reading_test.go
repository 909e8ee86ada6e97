package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicNaming(t *testing.T) {
	assert := assert.New(t)

	// Case 1: derive topic from tenant
	{
		assert.Equal("readings:tenant-a", TopicForTenant("tenant-a"))
		assert.Equal("readings:*", AllReadingsPattern())
	}

	// Case 2: invert the mapping
	{
		tenantID, err := TenantFromTopic("readings:tenant-a")
		assert.Nil(err)
		assert.Equal("tenant-a", tenantID)
	}

	// Case 3: not a reading topic
	{
		_, err := TenantFromTopic("commands:tenant-a")
		assert.NotNil(err)
	}

	// Case 4: no tenant ID
	{
		_, err := TenantFromTopic("readings:")
		assert.NotNil(err)
	}

	// Case 5: round trip
	{
		topic := TopicForTenant("t_0-9")
		tenantID, err := TenantFromTopic(topic)
		assert.Nil(err)
		assert.Equal("t_0-9", tenantID)
	}
}
