// Package telemetry traces workflow commands with OpenTelemetry and keeps an
// audit trail of committed events.
//
// Tracing: InitProvider wires an OTLP exporter (grpc or http) and installs a
// global Tracer. Each command runs in a span named "command.<Name>" carrying
// task, actor and transition attributes; gateway calls get a client span of
// their own. Without a provider every span is a no-op.
//
// Auditing: an AuditExporter receives every committed ledger.Event. The file
// exporter appends JSON lines, the HTTP exporter batches POSTs, and the noop
// exporter discards.
package telemetry
