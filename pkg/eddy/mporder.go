// Package eddy derives the slice-to-volume motion correction settings handed
// to FSL eddy: mporder, output resolution, scanner shell overrides and the
// eddy parameter document itself.
package eddy

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"dwiqc/internal/models"
	"dwiqc/pkg/nifti"
)

// DefaultOutputResolution is the voxel size in mm used when neither the
// caller nor an anatomical reference provides one
const DefaultOutputResolution = 2.0

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// ComputeMPOrder returns the temporal order of the slice-to-volume movement
// model. Without a GPU the slice-to-volume mode is unavailable and the order
// is pinned to 1. Otherwise it is floor(numSlices / multiband / 3).
func ComputeMPOrder(numSlices, multiband int, noGPU bool, logger *zap.Logger) int {
	logger = nopIfNil(logger)
	if noGPU {
		return 1
	}
	if multiband <= 0 {
		logger.Warn("multiband factor missing, assuming 1",
			zap.Int("numSlices", numSlices),
			zap.Int("multiband", multiband))
		multiband = 1
	}
	order := int(math.Floor(float64(numSlices) / float64(multiband) / 3))
	if order < 1 {
		logger.Warn("too few slice groups for slice-to-volume correction, using mporder 1",
			zap.Int("numSlices", numSlices),
			zap.Int("multiband", multiband))
		return 1
	}
	return order
}

// CheckOutputResolution picks the output voxel size. A pinned value wins;
// otherwise the in-plane spacing of the anatomical reference is used, and
// without one the fallback is returned with a warning.
func CheckOutputResolution(pinned float64, anatomical *models.Acquisition, fallback float64, logger *zap.Logger) (float64, error) {
	logger = nopIfNil(logger)
	if pinned > 0 {
		return pinned, nil
	}
	if fallback <= 0 {
		fallback = DefaultOutputResolution
	}
	if anatomical == nil {
		logger.Warn("no anatomical reference to derive output resolution from, using default",
			zap.Float64("resolution", fallback))
		return fallback, nil
	}
	h, _, err := nifti.ReadHeader(anatomical.ImagePath)
	if err != nil {
		return 0, fmt.Errorf("error reading anatomical header: %w", err)
	}
	res := nifti.VoxelSize(h)[0]
	if res <= 0 {
		logger.Warn("anatomical reference has no voxel spacing, using default",
			zap.String("image", anatomical.ImagePath),
			zap.Float64("resolution", fallback))
		return fallback, nil
	}
	logger.Debug("output resolution from anatomical reference",
		zap.String("image", anatomical.ImagePath),
		zap.Float64("resolution", res))
	return res, nil
}
