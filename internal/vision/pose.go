package vision

import "math"

// neutral position of the nose between the eye line (0) and the mouth line (1)
const noseNeutral = 0.5

// EstimatePose derives head pitch, yaw and roll in degrees from the five
// RetinaFace landmarks. Yaw is measured along the eye line and pitch across
// it, so both are independent of in-plane rotation. Positive yaw means the
// subject turned to their left; positive pitch means they looked up.
func EstimatePose(lm [5][2]float32) (pitch, yaw, roll float32) {
	eyeL, eyeR := lm[0], lm[1]
	nose := lm[2]
	mouthL, mouthR := lm[3], lm[4]

	dx := float64(eyeR[0] - eyeL[0])
	dy := float64(eyeR[1] - eyeL[1])
	eyeDist := math.Hypot(dx, dy)
	if eyeDist == 0 {
		return 0, 0, 0
	}
	roll = float32(degrees(math.Atan2(dy, dx)))

	// unit vectors along and across the eye line
	ux, uy := dx/eyeDist, dy/eyeDist
	nx, ny := -uy, ux

	eyeMidX := float64(eyeL[0]+eyeR[0]) / 2
	eyeMidY := float64(eyeL[1]+eyeR[1]) / 2
	noseX := float64(nose[0]) - eyeMidX
	noseY := float64(nose[1]) - eyeMidY

	along := noseX*ux + noseY*uy
	yaw = float32(degrees(math.Asin(clamp64(along/(eyeDist/2), -1, 1))))

	mouthX := float64(mouthL[0]+mouthR[0])/2 - eyeMidX
	mouthY := float64(mouthL[1]+mouthR[1])/2 - eyeMidY
	faceHeight := mouthX*nx + mouthY*ny
	if faceHeight <= 0 {
		return 0, yaw, roll
	}
	across := (noseX*nx + noseY*ny) / faceHeight
	pitch = float32(degrees(math.Asin(clamp64((noseNeutral-across)*2, -1, 1))))

	return pitch, yaw, roll
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func clamp64(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
