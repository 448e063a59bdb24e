package abi

// Canonical address-family constants for the wire-facing C ABI (spec.md
// §6). These intentionally do not reuse the host platform's AF_INET /
// AF_INET6 values (2 and 10 only coincide with Linux's by construction
// here, not by assumption) so that a binding built against this core gets
// the same numbers on every host OS it cross-compiles to.
const (
	FamilyINET  = 2
	FamilyINET6 = 10
)

// SockAddrStorage mirrors struct sockaddr_storage's layout closely enough
// for a cgo-facing binding to copy it byte-for-byte: family tag first,
// then the port in network byte order, then the address bytes (4 or 16).
// This package only defines the shape; marshalling to/from it is the
// binding layer's job; nothing in the core's own Go-to-Go call paths uses
// this type, they pass netip.AddrPort.
type SockAddrStorage struct {
	Family uint16
	Port   uint16
	Addr   [16]byte
}
