// Package channel binds session keys to live duplex client connections.
//
// # Registry
//
// The Registry maps an opaque session key (conversation id + side) to at
// most one open Conn:
//
//	reg := channel.NewRegistry(channel.RegistryConfig{Logger: logger})
//	reg.Bind("left_0192...", conn)
//	reg.Send("left_0192...", channel.Content("Hel"))
//
// Binding a key that is already occupied evicts the previous connection
// first (a "Connection closed" notice is sent, then it is closed).
//
// # Close Observers
//
// Every binding starts one watcher goroutine that waits on Conn.Done().
// When the transport closes, the binding is removed and the key enters a
// grace period (default 5 minutes) during which Disconnected reports true.
// Unbind detaches the watcher so no goroutine outlives its binding.
//
// # Sweep
//
// A background loop calls Sweep on a fixed interval (default 5 minutes) and
// unbinds any connection whose transport is no longer open. Shutdown stops
// the loop, cancels grace timers and closes every bound connection.
//
// # Transport
//
// WSConn adapts a github.com/coder/websocket connection to Conn. Writes are
// serialized and bounded by a timeout; ReadLoop decodes ClientMessage values
// until the peer goes away.
package channel
