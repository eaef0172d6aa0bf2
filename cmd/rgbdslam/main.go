// Command rgbdslam runs the RGB-D tracking-and-mapping pipeline against a
// TUM-RGBD-style association file and writes the VO and optimized-graph
// trajectories in Freiburg format, per spec.md section 4.1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/itohio/rgbdslam/pkg/core/logger"
	"github.com/itohio/rgbdslam/pkg/feature"
	"github.com/itohio/rgbdslam/pkg/frame"
	"github.com/itohio/rgbdslam/pkg/geometry"
	"github.com/itohio/rgbdslam/pkg/sensor"
	"github.com/itohio/rgbdslam/pkg/slam"
	"github.com/itohio/rgbdslam/pkg/trajectory"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config overlaying the recognized-options defaults")
	datasetDir := flag.String("dataset", "", "Directory containing an association.txt and the rgb/depth images it references")
	associationFile := flag.String("association", "association.txt", "Association file name, relative to -dataset")
	fx := flag.Float64("fx", 525.0, "Focal length x")
	fy := flag.Float64("fy", 525.0, "Focal length y")
	cx := flag.Float64("cx", 319.5, "Principal point x")
	cy := flag.Float64("cy", 239.5, "Principal point y")
	depthScale := flag.Float64("depth-scale", 5000.0, "Raw-to-metric depth scale factor")
	outDir := flag.String("out", ".", "Directory to write VO_trajectory.res and graph_trajectory.res into")
	flag.Parse()

	log := logger.Log

	if *datasetDir == "" {
		fmt.Fprintln(os.Stderr, "rgbdslam: -dataset is required")
		os.Exit(2)
	}

	cfg := slam.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = slam.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	intr := sensor.Intrinsics{Fx: float32(*fx), Fy: float32(*fy), Cx: float32(*cx), Cy: float32(*cy)}
	scale := sensor.DepthScale(*depthScale)

	assocPath := filepath.Join(*datasetDir, *associationFile)
	f, err := os.Open(assocPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", assocPath).Msg("cannot open association file")
	}
	entries, err := frame.LoadAssociation(f, *datasetDir)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse association file")
	}

	source, err := frame.NewDataset(entries, intr, scale, geometry.IdentitySE3)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid calibration")
	}
	defer source.Close()

	engine := feature.NewORBEngine(feature.DefaultRANSACParams)
	defer engine.Close()

	pipe := slam.NewPipeline(cfg, source, engine)
	if err := pipe.Configure(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe.Initialize(ctx)
	if err := pipe.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("pipeline run failed")
	}
	pipe.Finalize()

	if err := writeTrajectories(*outDir, pipe); err != nil {
		log.Fatal().Err(err).Msg("failed writing trajectories")
	}

	stats := pipe.Stats()
	log.Info().
		Int("frames", stats.FramesProcessed).
		Int("keyframes", stats.Keyframes).
		Int("landmarks", stats.Landmarks).
		Str("failures", stats.Failures.String()).
		Msg("job finished")
}

// writeTrajectories emits VO_trajectory.res (the per-keyframe pose as
// composed online during Run, before any optimizer correction) and
// graph_trajectory.res (the final Map snapshot after Finalize), per
// spec.md section 6's two distinct output streams.
func writeTrajectories(outDir string, pipe *slam.Pipeline) error {
	voPath := filepath.Join(outDir, "VO_trajectory.res")
	graphPath := filepath.Join(outDir, "graph_trajectory.res")

	voFile, err := os.Create(voPath)
	if err != nil {
		return err
	}
	defer voFile.Close()
	graphFile, err := os.Create(graphPath)
	if err != nil {
		return err
	}
	defer graphFile.Close()

	voWriter := trajectory.NewWriter(voFile)
	graphWriter := trajectory.NewWriter(graphFile)

	for _, entry := range pipe.RawTrajectory() {
		if err := voWriter.Write(entry.Timestamp, entry.Pose); err != nil {
			return err
		}
	}

	m := pipe.Map()
	for _, id := range m.AllKeyframeIDs() {
		kf, ok := m.Keyframe(id)
		if !ok {
			continue
		}
		if err := graphWriter.Write(kf.Timestamp, kf.Twc); err != nil {
			return err
		}
	}

	if err := voWriter.Flush(); err != nil {
		return err
	}
	return graphWriter.Flush()
}
