package dataset

import (
	"testing"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func straightLine(n int) []sensor.Pose {
	out := make([]sensor.Pose, n)
	for i := range out {
		out[i] = sensor.Pose{Position: mgl32.Vec3{float32(i), 0, 0}, Rotation: mgl32.QuatIdent()}
	}
	return out
}

func mats(poses []sensor.Pose) []mgl32.Mat4 {
	out := make([]mgl32.Mat4, len(poses))
	for i, p := range poses {
		out[i] = p.Mat4()
	}
	return out
}

func TestRelativePoseErrors_IgnoresGlobalOffset(t *testing.T) {
	gt := straightLine(4)
	gt[2].Rotation = mgl32.QuatRotate(0.4, mgl32.Vec3{0, 1, 0})
	offset := sensor.Pose{Position: mgl32.Vec3{3, -1, 2}, Rotation: mgl32.QuatRotate(1.2, mgl32.Vec3{0, 0, 1})}

	est := make([]mgl32.Mat4, len(gt))
	for i, p := range gt {
		est[i] = offset.Compose(p).Mat4()
	}

	errs := RelativePoseErrors(gt, est)
	require.Len(t, errs, 3)
	for i, e := range errs {
		assert.InDelta(t, 0, e.Translation, 1e-4, "frame %d", i+1)
		assert.InDelta(t, 0, e.Rotation, 1e-3, "frame %d", i+1)
	}
}

func TestRelativePoseErrors_Drift(t *testing.T) {
	gt := straightLine(3)
	est := mats(gt)
	est[2] = mgl32.Translate3D(2.1, 0, 0)

	errs := RelativePoseErrors(gt, est)
	require.Len(t, errs, 2)
	assert.InDelta(t, 0, errs[0].Translation, 1e-6)
	assert.InDelta(t, 0.1, errs[1].Translation, 1e-4)

	still := []sensor.Pose{sensor.IdentityPose(), sensor.IdentityPose(), sensor.IdentityPose()}
	est = mats(still)
	est[1] = mgl32.HomogRotate3DY(mgl32.DegToRad(10))
	errs = RelativePoseErrors(still, est)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.InDelta(t, 10, mgl32.RadToDeg(e.Rotation), 1e-2)
		assert.InDelta(t, 0, e.Translation, 1e-6)
	}
}

func TestRelativePoseErrors_CommonPrefix(t *testing.T) {
	assert.Len(t, RelativePoseErrors(straightLine(5), mats(straightLine(3))), 2)
	assert.Nil(t, RelativePoseErrors(straightLine(5), mats(straightLine(1))))
	assert.Nil(t, RelativePoseErrors(nil, mats(straightLine(3))))
}

func TestSummarizePoseErrors(t *testing.T) {
	s := SummarizePoseErrors([]PoseError{
		{Translation: 0.3},
		{Translation: 0.4, Rotation: mgl32.DegToRad(2)},
	})
	assert.Equal(t, 2, s.Frames)
	assert.InDelta(t, 0.35355, s.TranslationRMSE, 1e-4)
	assert.InDelta(t, 0.4, s.MaxTranslation, 1e-6)
	assert.InDelta(t, 1, s.MeanRotationDegrees, 1e-4)
	assert.Contains(t, s.String(), "over 2 frames")

	assert.Equal(t, PoseErrorSummary{}, SummarizePoseErrors(nil))
}
