package segstore

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Segment is one entry of the live playlist window.
type Segment struct {
	Sequence int64   `json:"sequence"`
	Duration float64 `json:"duration"`
	Path     string  `json:"path"`
}

// Manifest is the parsed view of the rolling playlist: the window of recent
// segments plus the media sequence of the first one (the playback pointer).
type Manifest struct {
	MediaSequence  int64     `json:"media_sequence"`
	TargetDuration int       `json:"target_duration"`
	Segments       []Segment `json:"segments"`
	Ended          bool      `json:"ended"`
}

// ParseManifest reads a media playlist. Unknown tags are ignored; a segment
// URI without a preceding #EXTINF gets duration 0.
func ParseManifest(r io.Reader) (Manifest, error) {
	var (
		m       Manifest
		pending float64
		seq     int64
		sawHead bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "#EXTM3U":
			sawHead = true
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return Manifest{}, fmt.Errorf("media sequence: %w", err)
			}
			m.MediaSequence = n
			seq = n
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return Manifest{}, fmt.Errorf("target duration: %w", err)
			}
			m.TargetDuration = n
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Manifest{}, fmt.Errorf("segment duration: %w", err)
			}
			pending = d
		case line == "#EXT-X-ENDLIST":
			m.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			m.Segments = append(m.Segments, Segment{Sequence: seq, Duration: pending, Path: line})
			seq++
			pending = 0
		}
	}
	if err := sc.Err(); err != nil {
		return Manifest{}, err
	}
	if !sawHead {
		return Manifest{}, fmt.Errorf("missing #EXTM3U header")
	}
	return m, nil
}

// placeholderPlaylist is a valid live playlist with no segments.
const placeholderPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:1\n" +
	"#EXT-X-MEDIA-SEQUENCE:0\n"

// PlaceholderPlaylist is served while no transcoder has written a manifest.
// It carries no #EXT-X-ENDLIST so players keep polling.
func PlaceholderPlaylist() string {
	return placeholderPlaylist
}
