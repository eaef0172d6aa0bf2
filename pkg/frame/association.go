package frame

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadAssociation parses a TUM-RGBD-style association file: lines of
// "timestamp rgb_path timestamp depth_path", blank lines and lines starting
// with '#' ignored. Paths are resolved relative to dir.
func LoadAssociation(r io.Reader, dir string) ([]DatasetEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []DatasetEntry
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return nil, fmt.Errorf("frame: association line %d: expected 4 fields, got %d", line, len(fields))
		}
		ts, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("frame: association line %d: bad timestamp %q: %w", line, fields[0], err)
		}
		entries = append(entries, DatasetEntry{
			Timestamp: ts,
			RGBPath:   filepath.Join(dir, fields[1]),
			DepthPath: filepath.Join(dir, fields[3]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame: reading association file: %w", err)
	}
	return entries, nil
}
