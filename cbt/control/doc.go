// Package control exposes the tracking service over gRPC on a unix socket
// and maps its errors to POSIX status codes.
//
// Messages are plain Go structs carried by a JSON codec registered under
// the "json" content subtype, so no generated code is involved. The
// service descriptor is written out by hand in service.go.
//
// Errors cross the wire as gRPC statuses. The status code follows the
// error kind, and an ErrorInfo detail carries the exact kind so the client
// rebuilds a *types.Error that errors.Is matches against the pkg/types
// sentinels. Errno turns any such error into the status a command-line
// caller exits with.
package control
