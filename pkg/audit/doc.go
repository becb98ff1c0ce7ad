// Package audit provides the append-only audit trail written by the
// permission engine.
//
// # Overview
//
// Every mutation of roles, permissions and assignments produces one or more
// Records that are appended to a Sink inside the same transaction as the
// mutation. If the append fails the mutation is rolled back. Access checks
// produce access-checked records outside of any transaction.
//
// # Sinks
//
// DBSink: audit_records table, joins the transaction carried by the context
//
//	sink, _ := audit.NewDBSink(db)
//	_ = sink.EnsureSchema(ctx)
//
// MemorySink: in-process, used by tests and database-less deployments
//
// FileSink: rotating NDJSON files, used as a best-effort mirror through a
// Fanout after the mutation has committed.
//
// # Export and archive
//
// Export writes records as JSON, NDJSON or CSV. S3Archiver uploads a time
// window of the trail to object storage and can purge it afterwards.
package audit
