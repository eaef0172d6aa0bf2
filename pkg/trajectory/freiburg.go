// Package trajectory writes and reads the Freiburg (TUM-RGBD) trajectory
// format this pipeline's two output streams use, per spec.md section 6:
// "timestamp tx ty tz qx qy qz qw", one pose per line.
package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/itohio/rgbdslam/pkg/geometry"
)

// Entry is one timestamped pose in a Freiburg trajectory file.
type Entry struct {
	Timestamp float64
	Pose      geometry.SE3
}

// Writer appends Freiburg-format lines to an underlying stream, grounded
// on PUTSLAM::saveTrajectoryFreiburgFormat in original_source (17-digit
// timestamp precision, Hamilton scalar-last quaternion).
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for Freiburg-format output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one pose at timestamp, translating it to a Hamilton
// scalar-last quaternion.
func (fw *Writer) Write(timestamp float64, pose geometry.SE3) error {
	q := pose.Quaternion()
	_, err := fmt.Fprintf(fw.w, "%.17f %g %g %g %g %g %g %g\n",
		timestamp, pose.T.X, pose.T.Y, pose.T.Z, q.X, q.Y, q.Z, q.W)
	return err
}

// Flush must be called once writing is complete.
func (fw *Writer) Flush() error {
	return fw.w.Flush()
}

// ReadAll parses a Freiburg-format trajectory file, skipping blank lines
// and lines beginning with '#' (the format's comment convention).
func ReadAll(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 8 {
			return nil, fmt.Errorf("trajectory: line %d: expected 8 fields, got %d", lineNo, len(fields))
		}
		values := make([]float64, 8)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("trajectory: line %d: field %d: %w", lineNo, i, err)
			}
			values[i] = v
		}
		q := geometry.Quaternion{X: values[4], Y: values[5], Z: values[6], W: values[7]}
		t := geometry.Vec3{X: values[1], Y: values[2], Z: values[3]}
		entries = append(entries, Entry{
			Timestamp: values[0],
			Pose:      geometry.FromQuaternion(q, t),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
