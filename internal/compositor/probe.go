package compositor

import (
	"context"
	"fmt"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

const probeTimeout = 30 * time.Second

// ProbeDuration returns a local media file's duration in seconds, via
// go-ffprobe's structured wrapper instead of the teacher's hand-parsed
// `ffprobe -show_entries format=duration` stdout scrape. Exported for the
// orchestrator's audio-sync validation step, which needs narration
// duration before the compositor pass runs.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	data, err := ffprobe.ProbeURL(probeCtx, path)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}
	if data.Format == nil {
		return 0, fmt.Errorf("no format data for %s", path)
	}
	return data.Format.DurationSeconds, nil
}
