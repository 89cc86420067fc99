package models

import "fmt"

// ImageStack holds registered, deconvolved intensity images for every
// (round, channel) pair of an experiment. Each plane is stored as a 1D
// array in row-major order (z, then y, then x), the same flattened
// layout used for volumes throughout the module.
type ImageStack struct {
	// Rounds is the number of imaging rounds
	Rounds int

	// Channels is the number of colour channels acquired per round
	Channels int

	// Depth, Height, Width are the spatial dimensions shared by every plane.
	// Depth is 1 for 2D data.
	Depth, Height, Width int

	// Planes holds one intensity array per bit, ordered round-major:
	// plane index = round*Channels + channel. This order must match the
	// codebook's bit order exactly.
	Planes [][]float64
}

// NewImageStack allocates a zero-filled stack with the given layout
func NewImageStack(rounds, channels, depth, height, width int) *ImageStack {
	s := &ImageStack{
		Rounds:   rounds,
		Channels: channels,
		Depth:    depth,
		Height:   height,
		Width:    width,
		Planes:   make([][]float64, rounds*channels),
	}
	n := depth * height * width
	for i := range s.Planes {
		s.Planes[i] = make([]float64, n)
	}
	return s
}

// NumBits returns the number of (round, channel) planes in the stack
func (s *ImageStack) NumBits() int {
	return s.Rounds * s.Channels
}

// NumPixels returns the number of spatial pixels (voxels) per plane
func (s *ImageStack) NumPixels() int {
	return s.Depth * s.Height * s.Width
}

// PlaneIndex returns the bit position of a (round, channel) pair
func (s *ImageStack) PlaneIndex(round, channel int) int {
	return round*s.Channels + channel
}

// Plane returns the intensity array for a (round, channel) pair
func (s *ImageStack) Plane(round, channel int) []float64 {
	return s.Planes[s.PlaneIndex(round, channel)]
}

// Index converts spatial coordinates to a flat pixel index
func (s *ImageStack) Index(z, y, x int) int {
	return z*s.Height*s.Width + y*s.Width + x
}

// Coordinate converts a flat pixel index back to (z, y, x)
func (s *ImageStack) Coordinate(idx int) (z, y, x int) {
	plane := s.Height * s.Width
	z = idx / plane
	rem := idx % plane
	return z, rem / s.Width, rem % s.Width
}

// Set writes a single intensity value
func (s *ImageStack) Set(round, channel, z, y, x int, value float64) {
	s.Planes[s.PlaneIndex(round, channel)][s.Index(z, y, x)] = value
}

// Validate checks that the stack layout is internally consistent: positive
// dimensions, one plane per bit and equal plane sizes.
func (s *ImageStack) Validate() error {
	if s == nil {
		return &InputShapeError{Detail: "image stack is nil"}
	}
	if s.Rounds <= 0 || s.Channels <= 0 {
		return &InputShapeError{
			Detail: "rounds and channels must be positive",
		}
	}
	if s.Depth <= 0 || s.Height <= 0 || s.Width <= 0 {
		return &InputShapeError{
			Detail: "spatial dimensions must be positive",
		}
	}
	if len(s.Planes) != s.NumBits() {
		return &InputShapeError{
			Expected: s.NumBits(),
			Got:      len(s.Planes),
			Detail:   "plane count does not match rounds x channels",
		}
	}
	n := s.NumPixels()
	for i, p := range s.Planes {
		if len(p) != n {
			return &InputShapeError{
				Expected: n,
				Got:      len(p),
				Detail:   fmt.Sprintf("plane %d has wrong pixel count", i),
			}
		}
	}
	return nil
}
