// Package lsp bridges an editor to an external language analysis process
// speaking the Language Server Protocol over stdio.
//
// The bridge turns the asynchronous wire protocol into a synchronous API:
// the editor opens and edits documents, asks for completion, hover, and
// definitions, and receives diagnostics through callbacks, without ever
// touching framing, request correlation, or process lifecycle.
//
// Architecture:
//
//	Client      editor-facing facade, safe for concurrent use
//	Session     lifecycle state machine and message dispatch
//	Loop        single goroutine owning all mutable protocol state
//	Transport   Content-Length framing over the process pipes
//	Registry    request id correlation with exactly-once resolution
//	DocumentStore  tracked documents with monotonic versions
//	Supervisor  bounded automatic restart with exponential backoff
//
// Every state mutation funnels through the Loop, so ordering guarantees
// fall out of queue order: a didChange posted before a completion request
// reaches the analysis process first.
package lsp
