// Package server is the real-time synchronization core: the room
// registry, the per-connection session state machine, and the
// HTTP/WebSocket surface that binds them together.
//
// One RoomManager is constructed per process and passed by reference
// to every connection handler; there is no ambient global state. Each
// connection runs a receive loop plus a heartbeat task and a
// periodic-save task, all cancelled and awaited during teardown.
package server
