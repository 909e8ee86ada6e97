package dispatch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRecord(connectionID, tenantID string) ConnectionRecord {
	return ConnectionRecord{
		ConnectionID: connectionID,
		TenantID:     tenantID,
		UserID:       "user-" + connectionID,
		Role:         "operator",
		CreatedAt:    time.Now(),
	}
}

func TestRegistryConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("testing")
	assert.Nil(err)

	// Case 1: register connections
	{
		assert.Nil(uut.AddConnection(testRecord("c1", "tenant-a")))
		assert.Nil(uut.AddConnection(testRecord("c2", "tenant-a")))
		assert.Nil(uut.AddConnection(testRecord("c3", "tenant-b")))
		assert.Equal(3, uut.ConnectionCount())
	}

	// Case 2: duplicate registration rejected
	{
		assert.NotNil(uut.AddConnection(testRecord("c1", "tenant-a")))
		assert.Equal(3, uut.ConnectionCount())
	}

	// Case 3: tenant membership
	{
		assert.ElementsMatch([]string{"c1", "c2"}, uut.TenantConnections("tenant-a"))
		assert.ElementsMatch([]string{"c3"}, uut.TenantConnections("tenant-b"))
		assert.Empty(uut.TenantConnections("tenant-c"))
	}

	// Case 4: removal
	{
		uut.RemoveConnection("c2")
		assert.Equal(2, uut.ConnectionCount())
		assert.ElementsMatch([]string{"c1"}, uut.TenantConnections("tenant-a"))
	}

	// Case 5: removal is idempotent
	{
		uut.RemoveConnection("c2")
		uut.RemoveConnection("never-existed")
		assert.Equal(2, uut.ConnectionCount())
	}
}

func TestRegistryWellSubscriptions(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("testing")
	assert.Nil(err)

	assert.Nil(uut.AddConnection(testRecord("c1", "tenant-a")))
	assert.Nil(uut.AddConnection(testRecord("c2", "tenant-a")))
	assert.Nil(uut.AddConnection(testRecord("c3", "tenant-b")))

	// Case 1: subscribe
	{
		assert.Nil(uut.SubscribeWell("c1", "well-7"))
		assert.Nil(uut.SubscribeWell("c2", "well-7"))
		assert.ElementsMatch([]string{"c1", "c2"}, uut.WellSubscribers("tenant-a", "well-7"))
	}

	// Case 2: same well ID under another tenant is a different set
	{
		assert.Nil(uut.SubscribeWell("c3", "well-7"))
		assert.ElementsMatch([]string{"c3"}, uut.WellSubscribers("tenant-b", "well-7"))
		assert.ElementsMatch([]string{"c1", "c2"}, uut.WellSubscribers("tenant-a", "well-7"))
	}

	// Case 3: subscribe is idempotent per connection
	{
		assert.Nil(uut.SubscribeWell("c1", "well-7"))
		assert.ElementsMatch([]string{"c1", "c2"}, uut.WellSubscribers("tenant-a", "well-7"))
	}

	// Case 4: unknown connection rejected
	{
		assert.NotNil(uut.SubscribeWell("never-existed", "well-7"))
		assert.NotNil(uut.UnsubscribeWell("never-existed", "well-7"))
	}

	// Case 5: missing well ID rejected
	{
		assert.NotNil(uut.SubscribeWell("c1", ""))
	}

	// Case 6: unsubscribe
	{
		assert.Nil(uut.UnsubscribeWell("c2", "well-7"))
		assert.ElementsMatch([]string{"c1"}, uut.WellSubscribers("tenant-a", "well-7"))
		// unsubscribing a well never subscribed to is accepted
		assert.Nil(uut.UnsubscribeWell("c2", "well-9"))
	}

	// Case 7: removal purges the connection's subscriptions
	{
		assert.Nil(uut.SubscribeWell("c1", "well-8"))
		uut.RemoveConnection("c1")
		assert.Empty(uut.WellSubscribers("tenant-a", "well-7"))
		assert.Empty(uut.WellSubscribers("tenant-a", "well-8"))
		// c3's set under the other tenant is untouched
		assert.ElementsMatch([]string{"c3"}, uut.WellSubscribers("tenant-b", "well-7"))
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("testing")
	assert.Nil(err)

	workers := 8
	perWorker := 50
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for worker := 0; worker < workers; worker++ {
		go func(worker int) {
			defer wg.Done()
			tenantID := fmt.Sprintf("tenant-%d", worker%2)
			for itr := 0; itr < perWorker; itr++ {
				connectionID := fmt.Sprintf("c-%d-%d", worker, itr)
				if err := uut.AddConnection(testRecord(connectionID, tenantID)); err != nil {
					continue
				}
				_ = uut.SubscribeWell(connectionID, "well-1")
				_ = uut.TenantConnections(tenantID)
				_ = uut.WellSubscribers(tenantID, "well-1")
				if itr%2 == 0 {
					uut.RemoveConnection(connectionID)
				}
			}
		}(worker)
	}
	wg.Wait()

	// Odd iterations stay registered
	assert.Equal(workers*perWorker/2, uut.ConnectionCount())
}
