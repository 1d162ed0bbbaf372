// Package core is the transport-facing service of gridsync.
//
// It owns the loaded documents, each an [ot.Server] over a storage backend,
// and is used by the HTTP handlers, the websocket sessions and tests alike.
//
// # Documents
//
// A document is loaded on first use: its committed log is read from the
// [Backend] and replayed into a fresh server. Submissions to one document
// are serialized; different documents proceed in parallel. Idle documents
// without subscribers are unloaded by [Service.StartEviction].
//
// # Fan-out
//
// Every accepted operation is published through a [broadcast.Broadcaster]
// with the submitting session as origin. Sessions treat their own messages
// as acknowledgements and everyone else's as remote operations, so acks and
// remote operations reach each session in log order.
//
// # Import and export
//
// [Service.ImportCSV] turns a CSV upload into one operation that inserts the
// header's columns and one row per record. Uploads are streamed through a
// BOM-skipping, UTF-8 sanitizing reader with a size limit, and a [Limiter]
// bounds concurrent imports.
//
// # Error Handling
//
// Errors are mapped to user-facing messages with support codes by
// [MapError]: OT00x for protocol errors, DOC00x, SES001 and IMP001 for the
// service, FILE00x for uploads, DB00x for PostgreSQL and ERR000 otherwise.
package core
