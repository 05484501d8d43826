// Package broker routes messages between nodes.
//
// Local keeps the registry of node id to connections and delivers copies of
// each message, synchronously and in registration order, to every connection
// registered under the destination id. A request for an id nobody has
// registered is answered with an error reply, so the caller's future fails
// instead of hanging.
//
// Hub serves a Local over WebSocket for nodes in other processes:
//
//	b := broker.NewLocal(logger)
//	http.Handle("/nodelink", broker.NewHub(b, connection.DefaultWebSocketConfig(), logger))
package broker
