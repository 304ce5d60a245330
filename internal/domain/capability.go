package domain

import (
	"net/url"
	"strconv"
)

// DefaultProtocolVersion is assumed when a client does not advertise one.
const DefaultProtocolVersion = 1

// Capabilities records what a client advertised during the connection
// handshake. Stored once at connect time and never renegotiated.
type Capabilities struct {
	SupportsCompression bool
	SupportsBinary      bool
	ProtocolVersion     int
}

// ParseCapabilities reads capability advertisement from handshake query
// parameters: compression=gzip, binary=1, protocol=N.
func ParseCapabilities(query url.Values) Capabilities {
	caps := Capabilities{
		SupportsCompression: query.Get("compression") == "gzip",
		SupportsBinary:      query.Get("binary") == "1" || query.Get("binary") == "true",
		ProtocolVersion:     DefaultProtocolVersion,
	}

	if v, err := strconv.Atoi(query.Get("protocol")); err == nil && v > 0 {
		caps.ProtocolVersion = v
	}

	return caps
}
