/*
Package durability runs the periodic sweeps that keep stored envelopes moving.

ScheduledJobs promotes Scheduled envelopes whose execution time has passed.
Every node runs the sweep but the store's advisory lock lets only one of them
claim on a given tick; the others see an empty result.

NodeReassignment asks a cluster.LivenessSource which peers are gone, clears
their ownership in the store and claims a batch of unowned envelopes for this
node. Incoming envelopes go to the worker queue with a durable callback,
outgoing ones back to the sending agent.

Delivery stays at least once: a node that dies after handling an envelope but
before its store commit leaves the envelope to be handled again elsewhere.

	agent := durability.NewAgent(
		durability.NewScheduledJobs(store, queue, nodeID, durability.WithPollingInterval(5*time.Second)),
		durability.NewNodeReassignment(store, liveness, queue, sendingAgent, nodeID),
		logger,
	)
	go agent.Run(ctx)
*/
package durability
