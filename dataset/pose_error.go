package dataset

import (
	"fmt"
	"math"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PoseError is the discrepancy between a reference and an estimated rigid
// transform.
type PoseError struct {
	Translation float32 // metres
	Rotation    float32 // radians
}

// NewPoseError measures reference^-1 * estimate.
func NewPoseError(reference, estimate sensor.Pose) PoseError {
	d := sensor.Relative(reference, estimate)
	// atan2 stays accurate for the small angles of consecutive frames.
	angle := 2 * math.Atan2(float64(d.Rotation.V.Len()), math.Abs(float64(d.Rotation.W)))
	return PoseError{
		Translation: d.Position.Len(),
		Rotation:    float32(angle),
	}
}

// RelativePoseErrors compares the frame-to-frame motion of an estimated
// trajectory with the ground truth. Entry i is the error of the motion from
// frame i to frame i+1; only the common prefix is compared.
func RelativePoseErrors(groundTruth []sensor.Pose, estimated []mgl32.Mat4) []PoseError {
	n := min(len(groundTruth), len(estimated))
	if n < 2 {
		return nil
	}
	out := make([]PoseError, 0, n-1)
	prev := sensor.PoseFromMat4(estimated[0])
	for i := 1; i < n; i++ {
		cur := sensor.PoseFromMat4(estimated[i])
		out = append(out, NewPoseError(
			sensor.Relative(groundTruth[i-1], groundTruth[i]),
			sensor.Relative(prev, cur),
		))
		prev = cur
	}
	return out
}

// PoseErrorSummary aggregates a sequence of pose errors.
type PoseErrorSummary struct {
	Frames              int
	TranslationRMSE     float64
	MeanRotationDegrees float64
	MaxTranslation      float64
}

func SummarizePoseErrors(errs []PoseError) PoseErrorSummary {
	if len(errs) == 0 {
		return PoseErrorSummary{}
	}
	trans := make([]float64, len(errs))
	rot := make([]float64, len(errs))
	for i, e := range errs {
		trans[i] = float64(e.Translation)
		rot[i] = float64(mgl32.RadToDeg(e.Rotation))
	}
	return PoseErrorSummary{
		Frames:              len(errs),
		TranslationRMSE:     math.Sqrt(stat.Mean(squares(trans), nil)),
		MeanRotationDegrees: stat.Mean(rot, nil),
		MaxTranslation:      floats.Max(trans),
	}
}

func squares(xs []float64) []float64 {
	out := make([]float64, len(xs))
	floats.MulTo(out, xs, xs)
	return out
}

func (s PoseErrorSummary) String() string {
	return fmt.Sprintf("relative pose error over %d frames: translation rmse %.4f m (max %.4f m), rotation mean %.3f deg",
		s.Frames, s.TranslationRMSE, s.MaxTranslation, s.MeanRotationDegrees)
}
