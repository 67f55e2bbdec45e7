// Package smb3 implements the client-side connection runtime for the
// SMB2/3 remote file-sharing protocol (dialects 3.0, 3.0.2, and 3.1.1).
//
// # Overview
//
// A Connection owns a single transport socket to an SMB server,
// multiplexes outbound requests and inbound responses over it, applies
// the protocol's signing/encryption/compression envelope to every
// frame, and tracks per-request state until a matching reply arrives.
// Higher layers (session setup, tree connect, file operations) build
// on top of Connection.Send / Connection.SendMany; this package does
// not itself know about OPEN/CLOSE/READ/WRITE packet bodies.
//
// # Basic usage
//
//	cfg := smb3.Config{
//	    Endpoint:  "fileserver.example.com:445",
//	    Transport: smb3.TransportTCP,
//	    Backend:   smb3.BackendMultiThreaded,
//	}
//	conn, err := smb3.Dial(context.Background(), &cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	reply, err := conn.Send(ctx, smb3.Request{
//	    Command: smb3.CommandEcho,
//	    Body:    nil,
//	}, smb3.SendOptions{})
//
// # Backends
//
// Three Backend implementations share one contract (see backend.go):
// single-threaded (inline, caller drives the receive loop), multi-
// threaded (dedicated send/receive goroutines), and cooperative (a
// shared bounded worker pool runs many connections' receive tasks;
// sends are written inline on the caller's goroutine). Pick one with
// Config.Backend; the Connection logic above it
// is identical regardless of which runs underneath.
//
// # Security and encryption
//
// Authentication token production (NTLM/Kerberos) is delegated to a
// SecurityContext supplied by the caller; this package only forwards
// opaque tokens during SESSION_SETUP and, once a session key is
// established, derives signing/sealing keys from it (crypto.go,
// kdf.go). A guestSecurityContext is provided for anonymous access; a
// kerberosSecurityContext backed by gokrb5 is provided for domain
// authentication.
//
// # Connection string
//
// Alternatively, parse an endpoint string:
//
//	cfg, err := smb3.ParseEndpoint("smb://fileserver.example.com:445")
//
// Pure Go implementation with no CGO dependencies.
package smb3
