// Package node implements the node-to-node protocol engine.
//
// A Transport binds one node id to one connection.Connection. It registers
// the id with the broker, sends requests and subscriptions to other nodes,
// correlates their replies through message ids and serves the requests
// other nodes send it from an operation.Registry.
//
//	b := broker.NewLocal(logger)
//	alice, _ := node.New("alice", connection.NewLocal(b, logger))
//	bob, _ := node.New("bob", connection.NewLocal(b, logger))
//
//	v, err := alice.Request("bob", operation.Op("sum", 40, 2)).Wait(ctx)
//
//	sub := alice.Listen("bob", operation.Op("ticker", "1s"), "tick", nil,
//	    func(this any, args []any) { ... })
//	defer sub.Cancel()
//
// Every failure reaches the caller through the returned Future as an
// *errors.Error: validation problems before anything is sent, routing
// errors when the target is not registered, remote execution errors from
// the target's handler, and timeouts when WithRequestTimeout is set.
package node
