// Package control implements the line-oriented control channel a camera uses
// to announce its stream address.
package control

import (
	"errors"
	"strings"

	"hls-bridge/internal/session"
)

// Replies sent to the announcer, each terminated by LineTerminator.
const (
	AckMessage          = "ACK: RTSP URL received and transcoding started!"
	NackMessage         = "NACK: Invalid data format. Expecting rtsp://..."
	LaunchFailedMessage = "NACK: Transcoder failed to start"
	ShuttingDownMessage = "NACK: Bridge is shutting down"
	LineTerminator      = "\r\n"
)

// DefaultPrefixes are the accepted source address schemes.
var DefaultPrefixes = []string{"rtsp://"}

// ErrMalformedAnnouncement is returned for a message that is not a source address.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Grammar classifies inbound messages. A message is an announcement when,
// after trimming surrounding whitespace, it starts with one of Prefixes.
type Grammar struct {
	Prefixes []string
}

// Parse returns the announced address or ErrMalformedAnnouncement.
func (g Grammar) Parse(message string) (session.SourceAddress, error) {
	msg := strings.TrimSpace(message)
	prefixes := g.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p) {
			return session.SourceAddress(msg), nil
		}
	}
	return "", ErrMalformedAnnouncement
}
