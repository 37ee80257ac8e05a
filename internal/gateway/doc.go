// Package gateway serves the h2h-gateway HTTP surface.
//
// # Overview
//
// A Gateway owns the components of a running server: the conversation
// service, the channel registry that holds one websocket per conversation
// side, the in-memory transcript store, the persona catalog, the event
// broadcaster and, when enabled, the Prometheus registry.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// # Control API
//
//   - POST /h2h/init - {leftPersonality, rightPersonality, topic} returns {conversationId}
//   - POST /h2h/start - {conversationId} begins the turn sequence
//   - POST /h2h/stop - {conversationId} stops it and closes both channels
//
// A personality is {name, prompt}, or {id} naming a catalog persona whose
// fields the inline name and prompt override.
//
// # Channels
//
// GET /ws?conversationId=ID&side=left|right upgrades to a websocket bound
// to that side. The server sends {"type":"connected","side":...} first,
// then content fragments, "thinking" and "completion" notices as turns
// run. A client frame {"type":"response","content":...} tells the gateway
// that side's message is final, and runs the other side's turn right away
// if the conversation is waiting on it.
//
// # Inspection API
//
//   - GET /api/personalities - persona catalog
//   - GET /api/conversations - snapshots, oldest first
//   - GET /api/conversations/{id} - one snapshot
//   - GET /api/conversations/{id}/transcript - recorded turns; ?format=html renders markdown
//   - GET /api/conversations/{id}/events - turn events as server-sent events
//
// # Errors
//
// Errors are JSON objects {"error": "..."}. Invalid input maps to 400,
// unknown conversations to 404, turn conflicts to 409 and upstream
// failures to 502.
//
// # Authentication
//
// With auth.jwt_secret set, every route except the health checks and
// metrics requires an HS256 bearer token. Browser websocket clients may
// pass it as the token query parameter.
//
// # Listeners
//
// The server listens on server.http_addr, or on a Tailscale node when
// tailscale.enabled is set (plain HTTP on :80, HTTPS with tailnet
// certificates, or Funnel on :443).
//
// # Shutdown
//
// Shutdown stops the HTTP server, then the conversation service (pending
// turns and in-flight streams), the channel registry, the broadcaster and
// the stores.
package gateway
