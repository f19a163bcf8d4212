package compositor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// srtEntry is one parsed subtitle cue.
type srtEntry struct {
	index      int
	start, end float64 // seconds
	text       string
}

// parseSRT reads a global SRT file into ordered cues.
func parseSRT(path string) ([]srtEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open subtitles: %w", err)
	}
	defer f.Close()

	var entries []srtEntry
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			continue
		}

		if !scanner.Scan() {
			break
		}
		timing := strings.TrimSpace(scanner.Text())
		start, end, err := parseSRTTiming(timing)
		if err != nil {
			return nil, fmt.Errorf("parse timing for cue %d: %w", idx, err)
		}

		var textLines []string
		for scanner.Scan() {
			textLine := scanner.Text()
			if strings.TrimSpace(textLine) == "" {
				break
			}
			textLines = append(textLines, textLine)
		}

		entries = append(entries, srtEntry{
			index: idx,
			start: start,
			end:   end,
			text:  strings.Join(textLines, "\n"),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning subtitles: %w", err)
	}
	return entries, nil
}

func parseSRTTiming(line string) (float64, float64, error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	start, err := parseSRTTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err := parseSRTTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseSRTTimestamp(ts string) (float64, error) {
	ts = strings.ReplaceAll(ts, ",", ".")
	var h, m int
	var s float64
	if _, err := fmt.Sscanf(ts, "%d:%d:%f", &h, &m, &s); err != nil {
		return 0, fmt.Errorf("parsing timestamp %q: %w", ts, err)
	}
	return float64(h)*3600 + float64(m)*60 + s, nil
}

// formatSRTTimestamp converts seconds to SRT's HH:MM:SS,mmm format, adapted
// from the teacher's ASS H:MM:SS.CC formatter with comma-millisecond
// precision instead of centiseconds.
func formatSRTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// extractSceneSubtitles pulls the cues overlapping [offset, offset+duration)
// from the global subtitle file and rewrites their timestamps relative to
// the scene's own start, so the scene clip can burn them in independently.
func extractSceneSubtitles(entries []srtEntry, offset, duration float64) []srtEntry {
	var out []srtEntry
	end := offset + duration
	n := 1
	for _, e := range entries {
		if e.end <= offset || e.start >= end {
			continue
		}
		shifted := srtEntry{
			index: n,
			start: clampFloat(e.start-offset, 0, duration),
			end:   clampFloat(e.end-offset, 0, duration),
			text:  e.text,
		}
		out = append(out, shifted)
		n++
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// writeSRT serializes cues back to SRT text.
func writeSRT(path string, entries []srtEntry) error {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("%d\n%s --> %s\n%s\n\n",
			e.index, formatSRTTimestamp(e.start), formatSRTTimestamp(e.end), e.text))
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// subtitleFilter returns the ffmpeg subtitles= filter fragment with a fixed
// style (font size 18, white primary, black outline, margin-V 25) per
// spec.md §4.7, escaping the path the way the teacher escapes ASS paths.
func subtitleFilter(srtPath string) string {
	escaped := escapeFFmpegFilterPath(srtPath)
	style := "FontSize=18,PrimaryColour=&H00FFFFFF,OutlineColour=&H00000000,MarginV=25"
	return fmt.Sprintf("subtitles='%s':force_style='%s'", escaped, style)
}

func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}
