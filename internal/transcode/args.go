package transcode

import (
	"path/filepath"
	"strconv"

	"hls-bridge/internal/segstore"
)

// Options controls the transcoder binary and HLS segmenting.
type Options struct {
	BinaryPath     string
	SegmentSeconds int
	PlaylistSize   int
}

func (o Options) withDefaults() Options {
	if o.BinaryPath == "" {
		o.BinaryPath = "ffmpeg"
	}
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = 2
	}
	if o.PlaylistSize <= 0 {
		o.PlaylistSize = 3
	}
	return o
}

// BuildArgs returns the ffmpeg arguments that read address, copy video,
// re-encode audio to mono 128k AAC at 44.1kHz and write a rolling HLS window
// into outputDir.
func BuildArgs(address, outputDir string, opts Options) []string {
	opts = opts.withDefaults()
	return []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "warning",
		"-i", address,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "1",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(opts.PlaylistSize),
		"-hls_flags", "delete_segments",
		"-start_number", "1",
		"-hls_segment_filename", filepath.Join(outputDir, segstore.SegmentPattern),
		filepath.Join(outputDir, segstore.ManifestName),
	}
}
