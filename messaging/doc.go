// Package messaging moves envelopes from senders to handlers.
//
// The pieces are built leaf first and wired in one direction:
//
//	registry := serialization.NewRegistry()
//	graph := messaging.NewHandlerGraph(registry)
//	graph.HandleFunc("order-placed", handleOrder)
//
//	agent := messaging.NewSendingAgent(tcp.NewSocketSender(), retries)
//	watcher := messaging.NewReplyWatcher()
//	pipeline := messaging.NewReplyPipeline(graph.Build(), watcher, agent, logger)
//	queue := messaging.NewWorkerQueue(pipeline, retries, messaging.WithDeadLetterHook(pipeline))
//
//	router := messaging.NewRouter(registry)
//	router.SetRules(messaging.PublishingRule{MessageType: "order-placed", Destination: "tcp://orders:2201/orders"})
//	bus := messaging.NewBus(router, registry, queue, agent, watcher)
//
// Delivery is at least once. An envelope whose handler succeeded but whose
// completion could not be committed runs again.
package messaging
