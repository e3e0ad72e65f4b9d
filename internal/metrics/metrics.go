// Package metrics provides interfaces and implementations for collecting
// proxy metrics. This package defines the Collector interface for recording
// metrics and the Server interface for exposing them over HTTP.
package metrics

import "context"

// Collector defines the interface for recording proxy metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()
	UpstreamDialFailure()

	// Command metrics: one call per framed command, keyed by the
	// classified keyword (e.g. "LIST", "UID FETCH", "__DATA__").
	CommandProcessed(command string)

	// BytesProxied records raw bytes forwarded in one direction
	// ("client-to-server" or "server-to-client").
	BytesProxied(direction string, n int64)

	// CapabilityRewritten records one CAPABILITY response line (bare
	// untagged or an OK completion's bracketed code) that had
	// COMPRESS=DEFLATE stripped from it.
	CapabilityRewritten()

	// ListingFiltered records one LIST/LSUB/XLIST response that had
	// mailboxes removed by the folder filter. The folder filter passes
	// the listing command ("LIST", "LSUB" or "XLIST") as the label value.
	ListingFiltered(folderType string)

	// WorkerCrashed records a pre-fork worker exiting abnormally and
	// being respawned.
	WorkerCrashed()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
