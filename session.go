package surfelrec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Frame is one preprocessed sensor frame.
type Frame struct {
	Index     int
	Timestamp float64
	Image     *sensor.RangeImage
	Camera    sensor.PinholeCamera
	Features  sensor.Features
}

// FrameSource yields frames in order and returns io.EOF when exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// RenderConsumer receives published snapshots. The snapshot is released after
// Render returns unless the consumer retains it.
type RenderConsumer interface {
	Render(ctx context.Context, s *Snapshot) error
}

type RenderFunc func(ctx context.Context, s *Snapshot) error

func (f RenderFunc) Render(ctx context.Context, s *Snapshot) error { return f(ctx, s) }

// CheckpointFunc persists a snapshot. It runs on the fusion goroutine.
type CheckpointFunc func(ctx context.Context, sessionID uuid.UUID, s *Snapshot) error

// TrackingTarget is the model as seen from a predicted pose, rendered as a
// range image pyramid (finest level first).
type TrackingTarget struct {
	Camera sensor.PinholeCamera
	Levels []*sensor.RangeImage
}

// NewTrackingTarget renders model from camera and builds levels coarser
// images by factor.
func NewTrackingTarget(model *SurfelModel, camera sensor.PinholeCamera, levels int, factor float32) (*TrackingTarget, error) {
	img := model.RenderToRangeImage(camera)
	pyr, err := img.Pyramid(levels, factor)
	if err != nil {
		return nil, fmt.Errorf("tracking target: %w", err)
	}
	return &TrackingTarget{Camera: camera, Levels: pyr}, nil
}

// Tracker refines the camera-to-world pose of a frame against the model.
type Tracker interface {
	Track(ctx context.Context, frame Frame, target *TrackingTarget) (mgl32.Mat4, error)
}

type SessionOptions struct {
	// MaxFrames stops the session after that many frames; 0 means no limit.
	MaxFrames int
	// RenderInterval is the render consumer cadence.
	RenderInterval time.Duration
	// CheckpointInterval saves a checkpoint every that many frames; 0 only
	// saves once at the end.
	CheckpointInterval int
	Checkpoint         CheckpointFunc

	Tracker        Tracker
	TrackingLevels int

	Consumer RenderConsumer
	Logger   Logger
	Profiler *Profiler
}

// Session drives one reconstruction: a fusion goroutine that integrates
// frames from a source, and an optional render goroutine that consumes
// snapshots on its own cadence.
type Session struct {
	id     uuid.UUID
	model  *SurfelModel
	fusion *SurfelFusion
	source FrameSource
	opts   SessionOptions
	logger Logger

	mu         sync.Mutex
	frames     int
	stats      FusionStats
	trajectory []mgl32.Mat4
	rendered   uint64
}

const defaultRenderInterval = 33 * time.Millisecond

func NewSession(model *SurfelModel, fusion *SurfelFusion, source FrameSource, opts SessionOptions) (*Session, error) {
	if model == nil || fusion == nil || source == nil {
		return nil, invalidArgument("session needs a model, a fusion step and a frame source")
	}
	if opts.MaxFrames < 0 || opts.CheckpointInterval < 0 || opts.TrackingLevels < 0 {
		return nil, invalidArgument("negative session option")
	}
	if opts.RenderInterval <= 0 {
		opts.RenderInterval = defaultRenderInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	return &Session{
		id:     uuid.New(),
		model:  model,
		fusion: fusion,
		source: source,
		opts:   opts,
		logger: logger,
	}, nil
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) Model() *SurfelModel { return s.model }

// Frames returns the number of integrated frames.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Stats returns the cumulative fusion statistics.
func (s *Session) Stats() FusionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Trajectory returns the camera-to-world pose used for every integrated frame.
func (s *Session) Trajectory() []mgl32.Mat4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mgl32.Mat4(nil), s.trajectory...)
}

// Rendered returns how many snapshots the consumer received.
func (s *Session) Rendered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Run integrates frames until the source is exhausted, MaxFrames is reached
// or ctx is cancelled. Cancellation is observed between frames only. A
// cancelled context is a normal stop and returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Infof("session %s started (model %s, capacity %d)", s.id, s.model.ID(), s.model.Capacity())
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return s.fuseLoop(gctx)
	})
	if s.opts.Consumer != nil {
		g.Go(func() error {
			return s.renderLoop(gctx, done)
		})
	}
	err := g.Wait()
	stats := s.Stats()
	s.logger.Infof("session %s finished after %d frames: %s", s.id, s.Frames(), stats)
	return err
}

func (s *Session) fuseLoop(ctx context.Context) error {
	sinceCheckpoint := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if s.opts.MaxFrames > 0 && s.Frames() >= s.opts.MaxFrames {
			break
		}
		frame, err := s.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("reading frame %d: %w", s.Frames(), err)
		}
		if err := s.processFrame(ctx, frame); err != nil {
			return err
		}
		sinceCheckpoint++
		if s.opts.Checkpoint != nil && s.opts.CheckpointInterval > 0 && sinceCheckpoint >= s.opts.CheckpointInterval {
			if err := s.checkpoint(ctx); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}
	if s.opts.Checkpoint != nil && sinceCheckpoint > 0 {
		// The session is over; save even when the stop was a cancellation.
		return s.checkpoint(context.WithoutCancel(ctx))
	}
	return nil
}

func (s *Session) processFrame(ctx context.Context, frame Frame) error {
	camera := frame.Camera
	if s.opts.Tracker != nil && s.model.Len() > 0 {
		predicted := s.model.RenderCamera()
		predicted.Intrinsics = camera.Intrinsics
		target, err := NewTrackingTarget(s.model, predicted, s.opts.TrackingLevels, 0.5)
		if err != nil {
			return err
		}
		pose, err := s.opts.Tracker.Track(ctx, frame, target)
		if err != nil {
			return fmt.Errorf("tracking frame %d: %w", frame.Index, err)
		}
		camera.CameraToWorld = pose
	}

	s.opts.Profiler.BeginScope("integrate")
	stats, err := s.fusion.Integrate(s.model, frame.Image, camera, frame.Features)
	s.opts.Profiler.EndScope("integrate")
	if err != nil {
		return fmt.Errorf("integrating frame %d: %w", frame.Index, err)
	}

	s.mu.Lock()
	s.frames++
	s.stats.Add(stats)
	s.trajectory = append(s.trajectory, camera.CameraToWorld)
	s.mu.Unlock()

	if s.logger.DebugEnabled() && s.opts.Profiler != nil {
		s.logger.Debugf("frame %d\n%s", frame.Index, s.opts.Profiler)
	}
	return nil
}

func (s *Session) checkpoint(ctx context.Context) error {
	snap := s.model.SnapshotForRender()
	defer snap.Release()
	if err := s.opts.Checkpoint(ctx, s.id, snap); err != nil {
		return fmt.Errorf("checkpoint at frame %d: %w", snap.Frame, err)
	}
	s.logger.Infof("checkpoint saved at frame %d (%d surfels)", snap.Frame, snap.Count)
	return nil
}

// renderLoop hands every new snapshot version to the consumer. When nothing
// new was published the previous one stays current and the tick is skipped.
func (s *Session) renderLoop(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(s.opts.RenderInterval)
	defer ticker.Stop()
	var last uint64
	present := func() error {
		snap := s.model.SnapshotForRender()
		defer snap.Release()
		if snap.Version == last {
			return nil
		}
		if err := s.opts.Consumer.Render(ctx, snap); err != nil {
			return fmt.Errorf("render consumer: %w", err)
		}
		last = snap.Version
		s.mu.Lock()
		s.rendered++
		s.mu.Unlock()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			// Show the final state once.
			return present()
		case <-ticker.C:
			if err := present(); err != nil {
				return err
			}
		}
	}
}
