package wire

import "time"

const (
	// MTU limits: real BLE starts at 23 bytes (20 bytes data + 3 byte ATT header)
	DefaultMTU = 23
	MaxMTU     = 512

	// DefaultHandshakeTimeout bounds the identity/auth exchange on a new connection
	DefaultHandshakeTimeout = 5 * time.Second

	// readBufferSize is the chunk size of stream reads
	readBufferSize = 4096

	// maxIDLen caps the identity string a peer may announce
	maxIDLen = 1024
)
