// Package connection provides the channels a node uses to exchange messages.
//
// # Overview
//
// A Connection carries message.Message values to and from one node. The
// protocol engine (package node) only ever talks to this interface, so every
// backend behaves the same from the protocol's point of view.
//
// # Available Connections
//
//   - Local: talks to an in-process router (broker.Local); used for tests,
//     loopback and same-process nodes
//   - WebSocket: talks to a broker.Hub over a persistent WebSocket,
//     buffering sends until the socket is open
//   - NATS: maps node ids to NATS subjects for deployments that already
//     run a NATS server
//
// # Usage
//
//	conn := connection.DialWebSocket("ws://localhost:8740/nodelink",
//	    connection.DefaultWebSocketConfig(), logger)
//	conn.OnReceive(func(m *message.Message) { ... })
//	conn.Send(msg)
//
// # Thread Safety
//
// All connections are safe for concurrent use. Listeners are invoked from the
// goroutine that delivers the message: the sender's goroutine for Local, the
// socket reader for WebSocket and the subscription goroutine for NATS.
package connection
