package compositor

import (
	"fmt"

	"github.com/bobarin/renderforge/internal/models"
)

// buildMotionFilter constructs the -vf zoompan expression for a still-image
// fallback scene, adapted from the teacher's ten-effect pool trimmed to the
// five cameras the spec defines.
func buildMotionFilter(camera models.Camera, durationSec, fps, width, height int) string {
	totalFrames := durationSec*fps + fps
	if totalFrames < fps {
		totalFrames = fps
	}

	var zExpr, xExpr, yExpr string

	switch camera {
	case models.CameraZoomIn:
		// z grows 1.0 → 1.3 linearly
		zExpr = fmt.Sprintf("1.0+0.3*on/%d", totalFrames)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case models.CameraZoomOut:
		// z shrinks 1.3 → 1.0 linearly
		zExpr = fmt.Sprintf("1.3-0.3*on/%d", totalFrames)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case models.CameraPanLeft:
		// z=1.1, horizontal offset -50*sin(t)
		zExpr = "1.1"
		xExpr = fmt.Sprintf("iw/2-(iw/zoom/2) - 50*sin(on/%d*PI)", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	case models.CameraPanRight:
		// z=1.1, horizontal offset +50*sin(t)
		zExpr = "1.1"
		xExpr = fmt.Sprintf("iw/2-(iw/zoom/2) + 50*sin(on/%d*PI)", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	default: // CameraStatic: scale only, no zoompan motion
		zExpr = "1.0"
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"
	}

	return fmt.Sprintf(
		"zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		zExpr, xExpr, yExpr, totalFrames, width, height, fps,
	)
}
