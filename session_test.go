package surfelrec

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	frames []Frame
	next   int
	onNext func(i int)
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if s.next >= len(s.frames) {
		if s.err != nil {
			return Frame{}, s.err
		}
		return Frame{}, io.EOF
	}
	i := s.next
	s.next++
	if s.onNext != nil {
		s.onNext(i)
	}
	return s.frames[i], nil
}

func testFrames(n int) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = Frame{
			Index:  i,
			Image:  frontalImage(testIntrinsics(), pixel{4, 4, 1}),
			Camera: testCamera(),
		}
	}
	return frames
}

type checkpointRecorder struct {
	mu       sync.Mutex
	versions []uint64
	frames   []int
	ctxErrs  []error
}

func (r *checkpointRecorder) save(ctx context.Context, _ uuid.UUID, s *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = append(r.versions, s.Version)
	r.frames = append(r.frames, s.Frame)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return nil
}

func newTestSession(t *testing.T, source FrameSource, opts SessionOptions) *Session {
	t.Helper()
	m, err := NewSurfelModel(16)
	require.NoError(t, err)
	s, err := NewSession(m, newTestFusion(t, testFusionParams()), source, opts)
	require.NoError(t, err)
	return s
}

func TestSession_RunsUntilSourceIsExhausted(t *testing.T) {
	rec := &checkpointRecorder{}
	s := newTestSession(t, &sliceSource{frames: testFrames(3)}, SessionOptions{Checkpoint: rec.save})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, s.Frames())
	assert.Equal(t, FusionStats{Created: 1, Matched: 2}, s.Stats())
	assert.Len(t, s.Trajectory(), 3)
	assert.Equal(t, []uint64{3}, rec.versions)
	assert.Equal(t, []int{3}, rec.frames)
}

func TestSession_MaxFramesAndCheckpointInterval(t *testing.T) {
	rec := &checkpointRecorder{}
	s := newTestSession(t, &sliceSource{frames: testFrames(10)}, SessionOptions{
		MaxFrames:          5,
		CheckpointInterval: 2,
		Checkpoint:         rec.save,
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 5, s.Frames())
	assert.Equal(t, []int{2, 4, 5}, rec.frames)
}

func TestSession_CancellationStopsBetweenFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &checkpointRecorder{}
	source := &sliceSource{frames: testFrames(10), onNext: func(i int) {
		if i == 1 {
			cancel()
		}
	}}
	s := newTestSession(t, source, SessionOptions{Checkpoint: rec.save})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 2, s.Frames())
	require.Len(t, rec.ctxErrs, 1)
	assert.NoError(t, rec.ctxErrs[0], "the final checkpoint runs with a live context")
}

func TestSession_SourceErrorFailsRun(t *testing.T) {
	boom := errors.New("boom")
	s := newTestSession(t, &sliceSource{frames: testFrames(1), err: boom}, SessionOptions{})
	assert.ErrorIs(t, s.Run(context.Background()), boom)
	assert.Equal(t, 1, s.Frames())
}

func TestSession_CheckpointErrorFailsRun(t *testing.T) {
	boom := errors.New("disk full")
	s := newTestSession(t, &sliceSource{frames: testFrames(2)}, SessionOptions{
		CheckpointInterval: 1,
		Checkpoint: func(context.Context, uuid.UUID, *Snapshot) error {
			return boom
		},
	})
	assert.ErrorIs(t, s.Run(context.Background()), boom)
	assert.Equal(t, 1, s.Frames())
}

func TestSession_RenderConsumerSeesFinalVersion(t *testing.T) {
	var mu sync.Mutex
	var versions []uint64
	consumer := RenderFunc(func(_ context.Context, snap *Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
		return nil
	})
	s := newTestSession(t, &sliceSource{frames: testFrames(4)}, SessionOptions{
		Consumer:       consumer,
		RenderInterval: time.Millisecond,
	})

	require.NoError(t, s.Run(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	assert.Equal(t, s.Model().Version(), versions[len(versions)-1])
	assert.IsIncreasing(t, versions)
	assert.Equal(t, uint64(len(versions)), s.Rendered())
}

func TestSession_RenderConsumerErrorFailsRun(t *testing.T) {
	boom := errors.New("device lost")
	s := newTestSession(t, &sliceSource{frames: testFrames(2)}, SessionOptions{
		Consumer: RenderFunc(func(context.Context, *Snapshot) error { return boom }),
	})
	assert.ErrorIs(t, s.Run(context.Background()), boom)
}

type fixedTracker struct {
	pose    mgl32.Mat4
	calls   int
	targets []*TrackingTarget
}

func (f *fixedTracker) Track(_ context.Context, _ Frame, target *TrackingTarget) (mgl32.Mat4, error) {
	f.calls++
	f.targets = append(f.targets, target)
	return f.pose, nil
}

func TestSession_TrackerRefinesPose(t *testing.T) {
	tracker := &fixedTracker{pose: mgl32.Translate3D(0, 0, 0.001)}
	s := newTestSession(t, &sliceSource{frames: testFrames(3)}, SessionOptions{
		Tracker:        tracker,
		TrackingLevels: 1,
	})

	require.NoError(t, s.Run(context.Background()))
	// The first frame has nothing to track against.
	assert.Equal(t, 2, tracker.calls)
	traj := s.Trajectory()
	assert.Equal(t, mgl32.Ident4(), traj[0])
	assert.Equal(t, tracker.pose, traj[1])
	require.Len(t, tracker.targets[0].Levels, 2)
	assert.Equal(t, 4, tracker.targets[0].Levels[1].Width)
	assert.Positive(t, tracker.targets[0].Levels[0].ValidCount())
}

func TestNewSession_Validation(t *testing.T) {
	m, err := NewSurfelModel(1)
	require.NoError(t, err)
	f := newTestFusion(t, testFusionParams())
	src := &sliceSource{}

	_, err = NewSession(nil, f, src, SessionOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewSession(m, nil, src, SessionOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewSession(m, f, nil, SessionOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewSession(m, f, src, SessionOptions{MaxFrames: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
