// Package testutil provides helpers shared by streamswitch tests.
//
// # Embedded NATS
//
// StartEmbeddedNATS runs an in-process nats-server on a random port and
// returns it together with a connected client. Both are shut down through
// t.Cleanup, so tests need no Docker and can run in parallel:
//
//	func TestPublish(t *testing.T) {
//	    ns, nc := testutil.StartEmbeddedNATS(t)
//	    // ns.ClientURL() for components that dial themselves
//	}
//
// # Collecting sink
//
// Collector records every item handed to its Sink method and offers the
// ordering checks most routing tests need:
//
//	c := testutil.NewCollector()
//	group, _ := routing.NewGroup(rt, "a", c.Sink, nil)
//	...
//	c.WaitForCount(t, 5, time.Second)
//	assert.True(t, c.StrictlyIncreasing("ticker"))
//
// Collector is safe for concurrent use, so one instance may back several
// groups.
package testutil
