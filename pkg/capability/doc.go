// Package capability defines the closed set of hardware capabilities a broker
// can expose, their descriptors, and the error taxonomy shared by brokers and
// clients.
//
// # Kinds
//
// Every capability belongs to exactly one Kind. A Kind fixes the capability's
// name, device family, default sharing mode, lifecycle policy and operation
// table. Brokers never dispatch on names they do not know: a probe result that
// names an unknown kind is rejected at startup, and requests naming an unknown
// capability are rejected with ErrNotFound.
//
// # Sharing
//
// Exclusive capabilities have at most one live handle per broker. Shared
// capabilities allow up to MaxHolders concurrent handles.
//
// # Errors
//
// The sentinel errors in this package are the only failure categories a broker
// reports. Match them with errors.Is.
package capability
