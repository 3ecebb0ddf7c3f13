package dataset

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	// TUMDepthScale converts 16-bit depth PNG values to meters.
	TUMDepthScale = 5000
	// tumMaxTimeDiff is the association window (seconds) between streams.
	tumMaxTimeDiff = 0.02
)

// TUMDefaultIntrinsics are the ROS default Kinect intrinsics recommended for
// the TUM RGB-D sequences.
var TUMDefaultIntrinsics = sensor.Intrinsics{
	Width: 640, Height: 480,
	Fx: 525, Fy: 525,
	Cx: 319.5, Cy: 239.5,
}

type tumEntry struct {
	timestamp float64
	fields    []string
}

type tumFrame struct {
	timestamp float64
	depthPath string
	rgbPath   string
	pose      sensor.Pose
	hasPose   bool
}

// TUM is a sequence in the TUM RGB-D benchmark layout: rgb.txt, depth.txt
// and an optional groundtruth.txt next to the image folders.
type TUM struct {
	root       string
	intrinsics sensor.Intrinsics
	frames     []tumFrame
	hasPoses   bool
}

func LoadTUM(root string) (*TUM, error) {
	rgb, err := readTUMList(filepath.Join(root, "rgb.txt"), 1)
	if err != nil {
		return nil, err
	}
	depth, err := readTUMList(filepath.Join(root, "depth.txt"), 1)
	if err != nil {
		return nil, err
	}
	var gt []tumEntry
	if _, err := os.Stat(filepath.Join(root, "groundtruth.txt")); err == nil {
		if gt, err = readTUMList(filepath.Join(root, "groundtruth.txt"), 7); err != nil {
			return nil, err
		}
	}

	ds := &TUM{root: root, intrinsics: TUMDefaultIntrinsics, hasPoses: len(gt) > 0}
	for _, d := range depth {
		c, ok := nearestEntry(rgb, d.timestamp)
		if !ok {
			continue
		}
		f := tumFrame{
			timestamp: d.timestamp,
			depthPath: filepath.Join(root, d.fields[0]),
			rgbPath:   filepath.Join(root, c.fields[0]),
		}
		if p, ok := nearestEntry(gt, d.timestamp); ok {
			pose, err := parseTUMPose(p.fields)
			if err != nil {
				return nil, fmt.Errorf("groundtruth at %.4f: %w", p.timestamp, err)
			}
			f.pose, f.hasPose = pose, true
		}
		ds.frames = append(ds.frames, f)
	}
	if len(ds.frames) == 0 {
		return nil, fmt.Errorf("no associated depth/rgb pairs in %s", root)
	}
	return ds, nil
}

// readTUMList parses "timestamp field..." lines, skipping '#' comments.
func readTUMList(path string, minFields int) ([]tumEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []tumEntry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Fields(text)
		if len(parts) < 1+minFields {
			return nil, fmt.Errorf("%s:%d: expected %d fields, got %d", path, line, 1+minFields, len(parts))
		}
		ts, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad timestamp: %w", path, line, err)
		}
		out = append(out, tumEntry{timestamp: ts, fields: parts[1:]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].timestamp < out[j].timestamp })
	return out, nil
}

// nearestEntry finds the entry closest in time to ts within tumMaxTimeDiff.
func nearestEntry(entries []tumEntry, ts float64) (tumEntry, bool) {
	if len(entries) == 0 {
		return tumEntry{}, false
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].timestamp >= ts })
	best := -1
	bestDiff := math.Inf(1)
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(entries) {
			continue
		}
		if d := math.Abs(entries[j].timestamp - ts); d < bestDiff {
			best, bestDiff = j, d
		}
	}
	if best < 0 || bestDiff > tumMaxTimeDiff {
		return tumEntry{}, false
	}
	return entries[best], true
}

// parseTUMPose reads "tx ty tz qx qy qz qw".
func parseTUMPose(fields []string) (sensor.Pose, error) {
	var v [7]float32
	for i := range v {
		f, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return sensor.Pose{}, err
		}
		v[i] = float32(f)
	}
	return sensor.Pose{
		Position: mgl32.Vec3{v[0], v[1], v[2]},
		Rotation: mgl32.Quat{W: v[6], V: mgl32.Vec3{v[3], v[4], v[5]}}.Normalize(),
	}, nil
}

func (t *TUM) Len() int { return len(t.frames) }

func (t *TUM) Camera(i int) (sensor.Intrinsics, mgl32.Mat4, bool) {
	f := t.frames[i]
	if !f.hasPose {
		return t.intrinsics, mgl32.Ident4(), false
	}
	return t.intrinsics, f.pose.Mat4(), true
}

func (t *TUM) Trajectory() []sensor.Pose {
	if !t.hasPoses {
		return nil
	}
	out := make([]sensor.Pose, len(t.frames))
	for i, f := range t.frames {
		out[i] = f.pose
	}
	return out
}

func (t *TUM) Get(i int) (RGBDFrame, error) {
	if i < 0 || i >= len(t.frames) {
		return RGBDFrame{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(t.frames))
	}
	f := t.frames[i]
	depthImg, err := readPNG(f.depthPath)
	if err != nil {
		return RGBDFrame{}, err
	}
	depth, err := DepthFromImage(depthImg, TUMDepthScale)
	if err != nil {
		return RGBDFrame{}, fmt.Errorf("%s: %w", f.depthPath, err)
	}
	b := depthImg.Bounds()
	if b.Dx() != t.intrinsics.Width || b.Dy() != t.intrinsics.Height {
		return RGBDFrame{}, fmt.Errorf("%s is %dx%d, intrinsics are %dx%d", f.depthPath,
			b.Dx(), b.Dy(), t.intrinsics.Width, t.intrinsics.Height)
	}
	rgb, err := readPNG(f.rgbPath)
	if err != nil {
		return RGBDFrame{}, err
	}
	_, pose, hasPose := t.Camera(i)
	return RGBDFrame{
		Timestamp:     f.timestamp,
		Intrinsics:    t.intrinsics,
		Depth:         depth,
		Color:         rgb,
		CameraToWorld: pose,
		HasPose:       hasPose,
	}, nil
}

func readPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// DepthFromImage converts a 16-bit depth image to meters.
func DepthFromImage(img image.Image, scale float32) ([]float32, error) {
	g, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("depth image must be 16-bit grayscale, got %T", img)
	}
	b := g.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, float32(g.Gray16At(x, y).Y)/scale)
		}
	}
	return out, nil
}
