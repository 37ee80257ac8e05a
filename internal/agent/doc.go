// Package agent streams generated text from the upstream model endpoint.
//
// # Overview
//
// A Client turns a prompt into a stream of Fragments:
//
//	c := agent.NewClient(creds, agent.Config{Endpoint: endpoint, Model: model})
//	frags, err := c.Send(ctx, prompt, "left_0192...")
//
// The endpoint speaks the OpenAI chat completions protocol. Each call sends
// a single user message and sets the request's user field to the session
// key.
//
// # Credentials
//
// Every Send asks its CredentialSource for a bearer token first. Failures
// are reported as ErrAuth. StaticToken serves fixed keys; the auth package
// provides the refreshing provider.
//
// # Fragments
//
// Fragments carry incremental Text (possibly empty), a terminal Done marker,
// or an Err. Consumers should treat a closed channel as completion even if
// no Done fragment arrived.
//
// # Errors
//
// Nothing is retried. Errors that happen before the first chunk come back
// from Send wrapped in ErrUpstream; later ones arrive as a Fragment whose
// Err wraps ErrUpstream.
package agent
