package stackio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"merfishdecode/internal/models"
)

// planeName matches image names such as "r0_c1.tif" or "R2-C0-Z5.png"
var planeName = regexp.MustCompile(`(?i)r(\d+)[_-]?c(\d+)(?:[_-]?z(\d+))?`)

// SupportedFormats returns the image extensions accepted in stack directories
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat checks if the given path has a supported image format
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

// planeFile is one image of a stack directory
type planeFile struct {
	name                  string
	round, channel, slice int
}

// parsePlaneName extracts round, channel and z slice from a file name
func parsePlaneName(name string) (planeFile, bool) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	m := planeName.FindStringSubmatch(base)
	if m == nil {
		return planeFile{}, false
	}
	pf := planeFile{name: name}
	pf.round, _ = strconv.Atoi(m[1])
	pf.channel, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		pf.slice, _ = strconv.Atoi(m[3])
	}
	return pf, true
}

// LoadImageDir assembles a stack from a directory holding one single-plane
// image per (round, channel, z). Zero rounds or channels are inferred from
// the largest index found. Pixel values are scaled to [0, 1].
func LoadImageDir(dir string, rounds, channels int) (*models.ImageStack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []planeFile
	maxRound, maxChannel, maxSlice := -1, -1, -1
	for _, e := range entries {
		if e.IsDir() || !IsSupportedFormat(e.Name()) {
			continue
		}
		pf, ok := parsePlaneName(e.Name())
		if !ok {
			continue
		}
		files = append(files, pf)
		maxRound = max(maxRound, pf.round)
		maxChannel = max(maxChannel, pf.channel)
		maxSlice = max(maxSlice, pf.slice)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no round/channel images found in %s", dir)
	}

	if rounds == 0 {
		rounds = maxRound + 1
	}
	if channels == 0 {
		channels = maxChannel + 1
	}
	depth := maxSlice + 1

	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.round != b.round {
			return a.round < b.round
		}
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		return a.slice < b.slice
	})

	var s *models.ImageStack
	seen := make(map[[3]int]bool, len(files))
	for _, pf := range files {
		if pf.round >= rounds || pf.channel >= channels {
			return nil, &models.InputShapeError{
				Detail: fmt.Sprintf("%s is outside %d rounds x %d channels", pf.name, rounds, channels),
			}
		}
		key := [3]int{pf.round, pf.channel, pf.slice}
		if seen[key] {
			return nil, fmt.Errorf("duplicate image for round %d channel %d z %d: %s", pf.round, pf.channel, pf.slice, pf.name)
		}
		seen[key] = true

		img, err := loadImage(filepath.Join(dir, pf.name))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", pf.name, err)
		}
		b := img.Bounds()
		if s == nil {
			s = models.NewImageStack(rounds, channels, depth, b.Dy(), b.Dx())
		}
		if b.Dx() != s.Width || b.Dy() != s.Height {
			return nil, &models.InputShapeError{
				Expected: s.Width * s.Height,
				Got:      b.Dx() * b.Dy(),
				Detail:   fmt.Sprintf("%s is %dx%d, stack is %dx%d", pf.name, b.Dx(), b.Dy(), s.Width, s.Height),
			}
		}
		imageToPlane(img, s.Plane(pf.round, pf.channel), s.Index(pf.slice, 0, 0))
	}

	if want := rounds * channels * depth; len(seen) != want {
		return nil, &models.InputShapeError{
			Expected: want,
			Got:      len(seen),
			Detail:   "missing images in stack directory",
		}
	}
	return s, nil
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// imageToPlane writes one image into plane starting at offset, converting
// to 16-bit grey and scaling to the [0, 1] range
func imageToPlane(img image.Image, plane []float64, offset int) {
	b := img.Bounds()
	width := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			plane[offset+y*width+x] = float64(g.Y) / 65535.0
		}
	}
}
