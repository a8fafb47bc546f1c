package ir

// Version constants for the wire protocol and server.
const (
	// ProtocolVersion is stamped on every Transaction sent to the editor.
	ProtocolVersion = 1

	// ServerVersion is the scenebridge server version.
	ServerVersion = "0.1.0"
)
