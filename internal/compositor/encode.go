package compositor

import "github.com/bobarin/renderforge/internal/models"

// encodeProfile is a fixed (preset, crf, profile, level, bitrate) tuple
// per export preset, matched to the teacher's libx264 flag set in
// RenderClipWithEffect/RenderClipFromVideo but parameterized per preset
// instead of hardcoded.
type encodeProfile struct {
	preset  string
	crf     string
	profile string
	level   string
	bitrate string
}

var encodeProfiles = map[models.ExportPreset]encodeProfile{
	models.ExportYouTube: {preset: "slow", crf: "18", profile: "high", level: "4.1", bitrate: "8M"},
	models.ExportTikTok:  {preset: "medium", crf: "20", profile: "main", level: "4.0", bitrate: "5M"},
	models.ExportSquare:  {preset: "medium", crf: "22", profile: "main", level: "3.1", bitrate: "4M"},
	models.ExportCustom:  {preset: "medium", crf: "22"},
}

func profileFor(p models.ExportPreset) encodeProfile {
	if prof, ok := encodeProfiles[p]; ok {
		return prof
	}
	return encodeProfiles[models.ExportCustom]
}

// x264Args renders the encodeProfile into the trailing ffmpeg CLI flags,
// omitting profile/level/bitrate when unset (the custom preset).
func (p encodeProfile) x264Args() []string {
	args := []string{"-preset", p.preset, "-crf", p.crf}
	if p.profile != "" {
		args = append(args, "-profile:v", p.profile)
	}
	if p.level != "" {
		args = append(args, "-level", p.level)
	}
	if p.bitrate != "" {
		args = append(args, "-maxrate", p.bitrate, "-bufsize", doubleBitrate(p.bitrate))
	}
	return args
}

func doubleBitrate(b string) string {
	// "8M" -> "16M"; bitrate strings here are always a small integer + "M".
	n := len(b) - 1
	if n <= 0 {
		return b
	}
	val := 0
	for _, c := range b[:n] {
		if c < '0' || c > '9' {
			return b
		}
		val = val*10 + int(c-'0')
	}
	return itoa(val*2) + "M"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// planLimit is the resolution ceiling for a plan tier, per spec.md §4.7.
// "studio" has no reachable UserTier in the three-value enum (see
// DESIGN.md's Open Question decisions) and is intentionally absent.
type planLimit struct {
	maxWidth, maxHeight int
}

var tierResolutionLimits = map[models.UserTier]planLimit{
	models.TierFree:    {854, 480},
	models.TierBasic:   {1280, 720},
	models.TierPremium: {1920, 1080},
}

// ClampResolution reduces width/height to the plan's ceiling, preserving
// aspect ratio by scaling both dimensions by the smaller of the two
// limit/actual ratios, then rounding each down to even. Exported so the
// orchestrator can compute the manifest's resolution fields (which must
// match what Compose will actually render) before the cache-probe hash.
func ClampResolution(tier models.UserTier, width, height int) (int, int) {
	limit, ok := tierResolutionLimits[tier]
	if !ok {
		limit = tierResolutionLimits[models.TierFree]
	}

	if width <= limit.maxWidth && height <= limit.maxHeight {
		return width, height
	}

	widthRatio := float64(limit.maxWidth) / float64(width)
	heightRatio := float64(limit.maxHeight) / float64(height)
	ratio := widthRatio
	if heightRatio < ratio {
		ratio = heightRatio
	}

	newWidth := int(float64(width) * ratio)
	newHeight := int(float64(height) * ratio)
	// Even dimensions keep libx264 happy (yuv420p requires even width/height).
	if newWidth%2 != 0 {
		newWidth--
	}
	if newHeight%2 != 0 {
		newHeight--
	}
	return newWidth, newHeight
}
