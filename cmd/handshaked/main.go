// Command handshaked runs the trusted handshake between a law firm's
// documents and a remote language model.
//
// Documents submitted on the local API are anonymized in-process, only the
// anonymized text is sent to the remote text service, and the returned draft
// is rehydrated before it is handed back. The token maps that make
// rehydration possible never leave memory.
//
// Upstream proxy chaining (e.g. a corporate egress proxy) is automatic: Go's
// net/http reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
//
// Usage:
//
//	# Start with handshake.yaml from the working or XDG config directory
//	handshaked serve
//
//	# Explicit config file, custom API port
//	HANDSHAKE_API_PORT=9480 handshaked serve --config /etc/handshake.yaml
//
//	# Dry run against the echo service
//	HANDSHAKE_REMOTE_KIND=echo HANDSHAKE_FIRMS=demo handshaked serve
package main

func main() {
	Execute()
}
