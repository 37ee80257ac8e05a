// Package dedupe drops repeated client turn signals using a time-based cache.
//
// A client that reconnects, or a page open in two tabs, may report the same
// finished message more than once. The conversation service builds a key
// with SignalKey and calls CheckAndMark; a hit inside the TTL means the
// signal is a repeat and is discarded.
package dedupe
