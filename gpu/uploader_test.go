package gpu

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a WebGPU adapter; run with SURFELREC_GPU_TESTS=1.
func TestSurfelUploader_WritesOnlyChangedRecords(t *testing.T) {
	if os.Getenv("SURFELREC_GPU_TESTS") == "" {
		t.Skip("SURFELREC_GPU_TESTS not set")
	}
	device, release, err := NewHeadlessDevice()
	if err != nil {
		t.Skipf("no adapter: %v", err)
	}
	defer release()

	m := testModel(t, 64)
	for i := 0; i < 64; i++ {
		_, err := m.Insert(testSurfel(float32(i)))
		require.NoError(t, err)
	}
	m.Publish()

	u, err := NewSurfelUploader(device, m.Capacity())
	require.NoError(t, err)
	defer u.Release()

	render := func() {
		s := m.SnapshotForRender()
		defer s.Release()
		require.NoError(t, u.Render(context.Background(), s))
	}
	render()
	assert.Equal(t, 1, u.writes)
	assert.Equal(t, m.Version(), u.Version())

	require.NoError(t, m.Remove(10))
	require.NoError(t, m.Remove(60))
	m.Publish()
	render()
	assert.Equal(t, 3, u.writes)

	other := testModel(t, 8)
	s := other.SnapshotForRender()
	defer s.Release()
	assert.Error(t, u.Render(context.Background(), s))
}
