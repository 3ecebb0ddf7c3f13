package gpu

import (
	"context"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/surfelrec"
)

// NewHeadlessDevice opens the default adapter without a surface. The returned
// function releases the device.
func NewHeadlessDevice() (*wgpu.Device, func(), error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, nil, fmt.Errorf("failed to request device: %w", err)
	}
	release := func() {
		device.Release()
		adapter.Release()
		instance.Release()
	}
	return device, release, nil
}

// dirtyMergeGap is the number of clean records tolerated between two dirty
// ones before the upload is split into separate writes.
const dirtyMergeGap = 16

// SurfelUploader mirrors render snapshots into a storage buffer with one
// RecordSize record per slot. Only records that changed since the previous
// upload are written.
type SurfelUploader struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	buffer *wgpu.Buffer

	shadow  []byte
	scratch []byte
	version uint64
	writes  int
}

func NewSurfelUploader(device *wgpu.Device, capacity int) (*SurfelUploader, error) {
	buf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Surfels",
		Size:  uint64(capacity * RecordSize),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageVertex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create surfel buffer: %w", err)
	}
	return &SurfelUploader{
		device: device,
		queue:  device.GetQueue(),
		buffer: buf,
		shadow: make([]byte, capacity*RecordSize),
	}, nil
}

func (u *SurfelUploader) Buffer() *wgpu.Buffer { return u.buffer }

// Version is the snapshot version currently in the buffer.
func (u *SurfelUploader) Version() uint64 { return u.version }

// Render uploads the records of s that differ from the buffer contents.
func (u *SurfelUploader) Render(_ context.Context, s *surfelrec.Snapshot) error {
	if len(s.Live)*RecordSize != len(u.shadow) {
		return fmt.Errorf("snapshot has %d slots, buffer holds %d", len(s.Live), len(u.shadow)/RecordSize)
	}
	u.scratch = EncodeSnapshot(s, u.scratch)
	for _, r := range DirtyRanges(u.shadow, u.scratch, dirtyMergeGap) {
		if err := u.queue.WriteBuffer(u.buffer, r.Offset, u.scratch[r.Offset:r.Offset+r.Size]); err != nil {
			return fmt.Errorf("failed to write surfel records at %d: %w", r.Offset, err)
		}
		u.writes++
	}
	u.shadow, u.scratch = u.scratch, u.shadow
	u.version = s.Version
	return nil
}

func (u *SurfelUploader) Release() {
	if u.buffer != nil {
		u.buffer.Release()
		u.buffer = nil
	}
}
