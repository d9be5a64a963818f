// Package log provides protocol event capture for brokers and clients.
//
// This is separate from operational logging (slog). Protocol capture records
// a machine-readable trace of what crossed each connection: raw frames,
// decoded messages, handle lifecycle and control traffic.
//
// # Basic Usage
//
//	// Development: protocol events on the console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Field capture: CBOR file, readable with `brokerctl log`
//	fl, _ := log.NewFileLogger("/var/log/rovekit/controller.rlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Capture files are a plain sequence of CBOR-encoded Event values.
package log
