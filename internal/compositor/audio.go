package compositor

import (
	"context"
	"fmt"
	"os/exec"
)

// syncAudio trims narration (and optional music) to totalDuration with a
// 1s fade-out, mixing music under narration via side-chain ducking when
// both are present. Adapted from MixBackgroundMusic's amix pipeline,
// generalized with the duck filter spec.md §4.7 requires.
func syncAudio(ctx context.Context, narrationPath, musicPath, outputPath string, totalDuration float64) error {
	fadeStart := totalDuration - 1
	if fadeStart < 0 {
		fadeStart = 0
	}

	if musicPath == "" {
		args := []string{
			"-i", narrationPath,
			"-t", ffSeconds(totalDuration),
			"-af", fmt.Sprintf("afade=t=out:st=%s:d=1", ffSeconds(fadeStart)),
			"-y", outputPath,
		}
		return runFFmpeg(ctx, args)
	}

	// [0:a] narration at full volume, faded; [1:a] music looped, trimmed,
	// volume 0.3, side-chain ducked against the narration, then amixed.
	filterComplex := fmt.Sprintf(
		"[0:a]afade=t=out:st=%s:d=1,asplit=2[narr][narrsc];"+
			"[1:a]volume=0.3[music_vol];"+
			"[music_vol][narrsc]sidechaincompress=threshold=0.05:ratio=6:attack=5:release=300[ducked];"+
			"[narr][ducked]amix=inputs=2:duration=first[aout]",
		ffSeconds(fadeStart),
	)

	args := []string{
		"-i", narrationPath,
		"-stream_loop", "-1",
		"-i", musicPath,
		"-t", ffSeconds(totalDuration),
		"-filter_complex", filterComplex,
		"-map", "[aout]",
		"-y", outputPath,
	}
	return runFFmpeg(ctx, args)
}

func ffSeconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %v failed: %w: %s", args, err, truncateOutput(out))
	}
	return nil
}

func truncateOutput(b []byte) string {
	const maxLen = 500
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[len(b)-maxLen:])
}
