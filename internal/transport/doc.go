// Package transport carries wire-encoded samples and frames over WebSocket
// connections: an ingest endpoint feeding the delay simulator, a hub that
// fans predictor output out to receivers, and a small client used by the
// origin and receiver processes.
package transport
