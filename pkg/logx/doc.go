// Package logx is the bridge's structured logging.
//
// Logger wraps zerolog. The Service owns the outputs: a readable console, an
// optional JSON file and an optional chat channel sink that forwards
// warnings through a gateway session with rate limiting.
package logx
