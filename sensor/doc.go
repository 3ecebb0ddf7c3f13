// Package sensor defines the data contracts of the depth/color sensor side of
// the reconstruction pipeline: pinhole intrinsics, camera poses, range images
// and sparse keypoint descriptors.
package sensor
