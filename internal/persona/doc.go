// Package persona provides the catalog of conversation personas.
//
// The builtin catalog is embedded from builtin.toml. Operators can add or
// replace entries with their own file:
//
//	[[persona]]
//	id = "pirate"
//	name = "Captain Flint"
//	prompt = "You are a pirate captain..."
//
// Initialization requests may name a persona by id instead of sending the
// name and prompt inline.
package persona
