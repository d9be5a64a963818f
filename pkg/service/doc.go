// Package service exposes a capability broker on a local Unix domain socket.
//
// A Service owns one broker.Broker and one transport.Server. Every client
// connection gets a ProtocolHandler that decodes requests in arrival order
// and dispatches them to the broker:
//
//	Hello        protocol version check (same major version)
//	List         capability registry
//	Acquire      create a handle
//	Release      destroy a handle
//	Invoke       run a capability operation through a handle
//	Subscribe    open a push stream of repeated reads
//	Unsubscribe  close a stream
//
// When a connection ends, for whatever reason, the service releases every
// handle it owned before the connection is forgotten. Actuators of those
// handles fall back to their safe defaults.
//
// Example usage:
//
//	b, _ := broker.New(ctx, broker.Config{Name: "controller", Driver: drv})
//	svc, _ := service.New(b, service.Config{SocketPath: "/run/rovekit/controller.sock"})
//	svc.Start(ctx)
//	defer svc.Stop()
package service
