// Package health implements the server side of the grpc.health.v1.Health
// protocol.
//
// A Registry records the serving status of named services; the empty name is
// the overall server and is always present. Every status transition is
// appended to a Broadcaster, an unbounded log that each subscriber walks with
// its own cursor, so publishers never wait for watchers and watchers never
// wait for each other. A Watcher filters that log for one service name and
// hands the matching statuses to the stream through a small bounded queue.
//
// Server adapts a Registry to grpc_health_v1.HealthServer.
package health
