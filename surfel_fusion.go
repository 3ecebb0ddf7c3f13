package surfelrec

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
)

// Frustum planes used by the staleness sweep.
const (
	sweepNear = 0.01
	sweepFar  = 1e4
)

type fusionOptions struct {
	builder  SurfelBuilderParameters
	logger   Logger
	metrics  *Metrics
	profiler *Profiler
}

type FusionOption func(*fusionOptions)

func WithBuilderParameters(p SurfelBuilderParameters) FusionOption {
	return func(o *fusionOptions) { o.builder = p }
}

func WithFusionLogger(l Logger) FusionOption {
	return func(o *fusionOptions) { o.logger = l }
}

func WithFusionMetrics(m *Metrics) FusionOption {
	return func(o *fusionOptions) { o.metrics = m }
}

// WithProfiler records per-stage timings of every Integrate call.
func WithProfiler(p *Profiler) FusionOption {
	return func(o *fusionOptions) { o.profiler = p }
}

// SurfelFusion integrates range images of a fixed resolution into a
// SurfelModel. It keeps only scratch buffers between calls and must be used
// from one goroutine.
type SurfelFusion struct {
	width, height int
	params        SurfelFusionParameters
	builder       *SurfelBuilder
	logger        Logger
	metrics       *Metrics
	profiler      *Profiler

	candidates []Correspondence
	sweep      []SlotId
	retire     retirementQueue
}

func NewSurfelFusion(width, height int, params SurfelFusionParameters, opts ...FusionOption) (*SurfelFusion, error) {
	if width <= 0 || height <= 0 {
		return nil, invalidArgument("invalid input resolution %dx%d", width, height)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	o := fusionOptions{builder: DefaultSurfelBuilderParameters(), logger: NopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	// Each pyramid level rounds down on its own.
	w, h := width, height
	for level := 1; level <= params.PyramidLevels; level++ {
		w, h = int(float32(w)*params.ScaleFactor), int(float32(h)*params.ScaleFactor)
		if w == 0 || h == 0 {
			return nil, invalidArgument("pyramid level %d at factor %v leaves nothing of %dx%d",
				level, params.ScaleFactor, width, height)
		}
	}
	builder, err := NewSurfelBuilder(o.builder)
	if err != nil {
		return nil, err
	}
	return &SurfelFusion{
		width:    width,
		height:   height,
		params:   params,
		builder:  builder,
		logger:   o.logger,
		metrics:  o.metrics,
		profiler: o.profiler,
	}, nil
}

func (f *SurfelFusion) Parameters() SurfelFusionParameters { return f.params }

// Integrate fuses one frame into model and publishes the result. features may
// be nil. Per-sample failures are counted in the returned stats; only invalid
// arguments produce an error, in which case the model is left untouched.
func (f *SurfelFusion) Integrate(model *SurfelModel, ri *sensor.RangeImage, camera sensor.PinholeCamera, features sensor.Features) (FusionStats, error) {
	var stats FusionStats
	if model == nil {
		return stats, invalidArgument("nil model")
	}
	if err := ri.Validate(); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if ri.Width != f.width || ri.Height != f.height {
		return stats, invalidArgument("range image is %dx%d, fusion expects %dx%d", ri.Width, ri.Height, f.width, f.height)
	}
	in := camera.Intrinsics
	if err := in.Validate(); err != nil {
		return stats, fmt.Errorf("%w: camera: %v", ErrInvalidArgument, err)
	}
	if in.Width != f.width || in.Height != f.height {
		return stats, invalidArgument("camera is %dx%d, fusion expects %dx%d", in.Width, in.Height, f.width, f.height)
	}

	start := time.Now()
	f.profiler.BeginScope("downsample")
	img, cam, feats, err := f.downsample(ri, camera, features)
	f.profiler.EndScope("downsample")
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	frame := model.nextFrame()
	f.retire.reset()

	f.profiler.BeginScope("associate")
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			f.integrateSample(model, img, cam, feats, x, y, frame, &stats)
		}
	}
	f.profiler.EndScope("associate")

	f.profiler.BeginScope("sweep")
	f.sweepStale(model, img, cam, frame, &stats)
	f.profiler.EndScope("sweep")

	f.profiler.BeginScope("publish")
	model.SetRenderCamera(camera)
	model.Publish()
	f.profiler.EndScope("publish")

	f.profiler.SetCount("surfels", model.Len())
	f.profiler.SetCount("matched", stats.Matched)
	f.profiler.SetCount("created", stats.Created)
	f.profiler.SetCount("retired", stats.Retired)

	elapsed := time.Since(start)
	if f.metrics != nil {
		f.metrics.observeFusion(stats, elapsed)
	}
	if f.logger.DebugEnabled() {
		f.logger.Debugf("frame %d: %s, %d/%d live, %v", frame, stats, model.Len(), model.Capacity(), elapsed)
	}
	return stats, nil
}

func (f *SurfelFusion) downsample(ri *sensor.RangeImage, camera sensor.PinholeCamera, features sensor.Features) (*sensor.RangeImage, sensor.PinholeCamera, sensor.Features, error) {
	if f.params.PyramidLevels == 0 {
		return ri, camera, features, nil
	}
	levels, err := ri.Pyramid(f.params.PyramidLevels, f.params.ScaleFactor)
	if err != nil {
		return nil, camera, nil, err
	}
	for range f.params.PyramidLevels {
		camera = camera.Scale(f.params.ScaleFactor)
		features = features.Scaled(f.params.ScaleFactor)
	}
	return levels[len(levels)-1], camera, features, nil
}

func (f *SurfelFusion) integrateSample(model *SurfelModel, img *sensor.RangeImage, cam sensor.PinholeCamera, feats sensor.Features, x, y, frame int, stats *FusionStats) {
	sample := img.Sample(x, y)
	if !sample.Valid {
		return
	}
	cand, err := f.builder.Build(sample, cam, frame)
	if err != nil {
		stats.Invalid++
		return
	}
	desc, hasFeature := feats.Lookup(x, y)

	if id, ok := f.findMatch(model, &cand, desc, hasFeature, frame); ok {
		if err := model.Update(id, func(s *Surfel) {
			f.merge(s, &cand, desc, hasFeature, frame)
		}); err != nil {
			// The merge of two valid surfels is valid; anything else is a
			// broken sample that slipped past the builder.
			f.logger.Warnf("merging into slot %d: %v", id, err)
			stats.Invalid++
			return
		}
		stats.Matched++
		return
	}

	if stats.Created >= f.params.MaxSurfelsPerFrame {
		stats.OverBudget++
		return
	}
	if model.Free() == 0 {
		victim, ok := f.retire.pop(model, frame, f.params.StabilityWindow)
		if !ok {
			stats.DroppedForCapacity++
			return
		}
		if err := model.Remove(victim); err != nil {
			f.logger.Errorf("retiring slot %d: %v", victim, err)
			stats.DroppedForCapacity++
			return
		}
		stats.Retired++
	}
	if hasFeature {
		cand.Feature, cand.HasFeature = desc, true
	}
	if _, err := model.Insert(cand); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			stats.DroppedForCapacity++
		} else {
			stats.Invalid++
		}
		return
	}
	stats.Created++
}

// findMatch picks the closest compatible surfel. Surfels created in this
// frame are not matched. A sample with a descriptor prefers a surfel carrying
// the same feature and never matches one carrying a different feature.
func (f *SurfelFusion) findMatch(model *SurfelModel, cand *Surfel, desc sensor.Descriptor, hasFeature bool, frame int) (SlotId, bool) {
	f.candidates = model.Correspondences(cand.Position, cand.Normal,
		f.params.MatchDistanceTolerance, f.params.MatchAngleTolerance, f.candidates[:0])

	best := NoSlot
	for _, c := range f.candidates {
		s := &model.surfels[c.Slot]
		if s.CreatedAt == frame {
			continue
		}
		if !hasFeature {
			return c.Slot, true
		}
		if s.FeatureMatches(desc, f.params.FeatureMatchThreshold) {
			return c.Slot, true
		}
		if !s.HasFeature && best == NoSlot {
			best = c.Slot
		}
	}
	return best, best != NoSlot
}

// merge folds an observation into s with weight proportional to confidence.
func (f *SurfelFusion) merge(s *Surfel, obs *Surfel, desc sensor.Descriptor, hasFeature bool, frame int) {
	t := obs.Confidence / (s.Confidence + obs.Confidence)

	s.Position = s.Position.Add(obs.Position.Sub(s.Position).Mul(t))
	if n := s.Normal.Add(obs.Normal.Sub(s.Normal).Mul(t)); n.Len() > 1e-6 {
		s.Normal = n.Normalize()
	}
	s.Color = s.Color.BlendLinearRgb(obs.Color, float64(t)).Clamped()
	if obs.Radius < s.Radius {
		s.Radius += (obs.Radius - s.Radius) * t
	}
	// Never lowers a confidence that already exceeds the cap.
	s.Confidence = max(s.Confidence, min(s.Confidence+obs.Confidence, f.params.ConfidenceCap))
	s.LastSeen = frame
	s.UnseenFrames = 0
	if hasFeature {
		s.Feature, s.HasFeature = desc, true
	}
}

// sweepStale advances the staleness counter of every surfel that the camera
// should have observed this frame but did not match, and retires those past
// StalenessLimit. A surfel is expected when it projects onto a valid pixel
// and is not behind the observed surface.
func (f *SurfelFusion) sweepStale(model *SurfelModel, img *sensor.RangeImage, cam sensor.PinholeCamera, frame int, stats *FusionStats) {
	frustum := cam.Frustum(sweepNear, sweepFar)
	worldToCamera := cam.WorldToCamera()
	in := cam.Intrinsics

	f.sweep = f.sweep[:0]
	model.ForEach(func(id SlotId, s Surfel) bool {
		if s.LastSeen == frame || !frustum.ContainsSphere(s.Position, s.Radius) {
			return true
		}
		pc := mgl32.TransformCoordinate(s.Position, worldToCamera)
		u, v, ok := in.Project(pc)
		if !ok {
			return true
		}
		px, py := int(math.Round(float64(u))), int(math.Round(float64(v)))
		if px < 0 || py < 0 || px >= img.Width || py >= img.Height {
			return true
		}
		i := img.Idx(px, py)
		if !img.Mask[i] || pc.Z() > img.Points[i].Z()+f.params.OcclusionTolerance {
			return true
		}
		f.sweep = append(f.sweep, id)
		return true
	})

	for _, id := range f.sweep {
		s := &model.surfels[id]
		if s.UnseenFrames+1 >= f.params.StalenessLimit && s.Age(frame) >= f.params.StabilityWindow {
			if err := model.Remove(id); err != nil {
				f.logger.Errorf("retiring stale slot %d: %v", id, err)
				continue
			}
			stats.Retired++
			stats.RetiredStale++
			continue
		}
		if err := model.Update(id, func(s *Surfel) { s.UnseenFrames++ }); err != nil {
			f.logger.Errorf("marking slot %d unseen: %v", id, err)
		}
	}
}
