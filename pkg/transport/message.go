package transport

// ReceivedMessage represents an incoming datagram from the network.
// The Data field contains the raw bytes as received from the wire.
// Higher layers are responsible for parsing and processing the message.
type ReceivedMessage struct {
	// Data contains the raw datagram bytes.
	Data []byte
	// PeerAddr identifies the source of the datagram.
	PeerAddr PeerAddress
	// LocalAddr identifies the local endpoint the datagram arrived on.
	LocalAddr PeerAddress
}

// MessageHandler is called for each received datagram.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)
