package frame

import (
	"fmt"

	"github.com/itohio/rgbdslam/pkg/core/logger"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
	"gocv.io/x/gocv"
)

var Log = logger.Log

// DatasetEntry pairs one rgb/depth image path with its recorded timestamp,
// the unit a TUM-RGBD-style association file already provides.
type DatasetEntry struct {
	Timestamp float64
	RGBPath   string
	DepthPath string
}

// Dataset is a gocv-backed Source reading a pre-associated sequence of
// rgb/depth image pairs from disk, grounded on the teacher's
// pkg/vision/reader/reader.gocv.go (gocv.IMRead dispatch by file
// extension, sequential index-based Read, repeat-vs-EOS branch).
type Dataset struct {
	entries    []DatasetEntry
	index      int
	intrinsics sensor.Intrinsics
	scale      sensor.DepthScale
	startPose  geometry.SE3
}

// NewDataset builds a Dataset source. entries must be ordered by
// increasing timestamp; intrinsics/scale are shared across every frame as
// spec.md section 4.9 assumes ("intrinsics: 3x3, depth_scale: f64" per
// stream, not per frame, in this single-sensor deployment).
func NewDataset(entries []DatasetEntry, intrinsics sensor.Intrinsics, scale sensor.DepthScale, startPose geometry.SE3) (*Dataset, error) {
	if !intrinsics.Valid() {
		return nil, fmt.Errorf("frame: invalid calibration intrinsics: %+v", intrinsics)
	}
	if scale <= 0 {
		return nil, fmt.Errorf("frame: invalid depth scale: %v", scale)
	}
	return &Dataset{
		entries:    entries,
		intrinsics: intrinsics,
		scale:      scale,
		startPose:  startPose,
	}, nil
}

func (d *Dataset) Grab() (Frame, error) {
	if d.index >= len(d.entries) {
		return Frame{}, ErrEndOfStream
	}
	e := d.entries[d.index]
	d.index++

	rgb := gocv.IMRead(e.RGBPath, gocv.IMReadColor)
	if rgb.Empty() {
		Log.Error().Str("path", e.RGBPath).Msg("frame: failed to read rgb image")
		return Frame{}, fmt.Errorf("frame: unreadable rgb image %q", e.RGBPath)
	}
	depth := gocv.IMRead(e.DepthPath, gocv.IMReadAnyDepth)
	if depth.Empty() {
		rgb.Close()
		Log.Error().Str("path", e.DepthPath).Msg("frame: failed to read depth image")
		return Frame{}, fmt.Errorf("frame: unreadable depth image %q", e.DepthPath)
	}

	return Frame{
		Timestamp:  e.Timestamp,
		RGB:        rgb,
		Depth:      depth,
		Intrinsics: d.intrinsics,
		DepthScale: d.scale,
	}, nil
}

func (d *Dataset) Intrinsics() sensor.Intrinsics { return d.intrinsics }
func (d *Dataset) DepthScale() sensor.DepthScale { return d.scale }
func (d *Dataset) StartingPose() geometry.SE3    { return d.startPose }

func (d *Dataset) Close() error {
	d.index = len(d.entries)
	return nil
}

// Reset rewinds the dataset to its first entry, mirroring the teacher
// reader's Reset/Repeat semantics for replayable test fixtures.
func (d *Dataset) Reset() {
	d.index = 0
}
