package testutil

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"kiosk-go/internal/biometric"
)

// FrameSize is the width and height of synthetic frames.
const FrameSize = 400

// Checkerboard returns a FrameSize square image of 1px black and white squares:
// maximal sharpness, mid-grey mean.
func Checkerboard() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, FrameSize, FrameSize))
	for y := 0; y < FrameSize; y++ {
		for x := 0; x < FrameSize; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// Flat returns a FrameSize square image of a single grey level.
func Flat(level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, FrameSize, FrameSize))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

// CenteredFace is a well-sized, centred, frontal face for a FrameSize frame.
func CenteredFace() biometric.Face {
	return FaceAt(image.Rect(120, 120, 280, 280))
}

// FaceAt returns a face with symmetric landmarks inside box.
func FaceAt(box image.Rectangle) biometric.Face {
	cx := (box.Min.X + box.Max.X) / 2
	eyeY := box.Min.Y + box.Dy()/3
	spread := box.Dx() / 4
	return biometric.Face{
		Box: box,
		Landmarks: &biometric.Landmarks{
			LeftEye:  image.Pt(cx-spread, eyeY),
			RightEye: image.Pt(cx+spread, eyeY),
			Nose:     image.Pt(cx, box.Min.Y+box.Dy()/2),
		},
	}
}

// GoodFrame returns a frame the quality gate scores 100.
func GoodFrame() biometric.Frame {
	return biometric.Frame{Image: Checkerboard(), Faces: []biometric.Face{CenteredFace()}}
}

// StubEncoder is a biometric Detector and Encoder driven by the image's top-left
// pixel: each registered marker maps to faces and a vector. Safe for concurrent use.
type StubEncoder struct {
	mu      sync.Mutex
	faces   map[uint8][]biometric.Face
	vectors map[uint8][]float64
	calls   int
}

func NewStubEncoder() *StubEncoder {
	return &StubEncoder{
		faces:   make(map[uint8][]biometric.Face),
		vectors: make(map[uint8][]float64),
	}
}

// Register makes images whose top-left grey level is marker detect as faces and
// encode to vector.
func (s *StubEncoder) Register(marker uint8, faces []biometric.Face, vector []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faces[marker] = faces
	s.vectors[marker] = vector
}

// Calls returns how many times Encode ran.
func (s *StubEncoder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubEncoder) Detect(_ context.Context, img image.Image) ([]biometric.Face, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faces[marker(img)], nil
}

func (s *StubEncoder) Encode(_ context.Context, img image.Image) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	m := marker(img)
	switch n := len(s.faces[m]); {
	case n == 0:
		return nil, biometric.ErrNoFace
	case n > 1:
		return nil, biometric.ErrMultipleFaces
	}
	v, ok := s.vectors[m]
	if !ok {
		return nil, fmt.Errorf("stub encoder: no vector for marker %d", m)
	}
	return v, nil
}

// Marked returns a copy of img whose top-left pixel is set to marker.
func Marked(img *image.Gray, marker uint8) *image.Gray {
	out := image.NewGray(img.Rect)
	copy(out.Pix, img.Pix)
	out.SetGray(img.Rect.Min.X, img.Rect.Min.Y, color.Gray{Y: marker})
	return out
}

func marker(img image.Image) uint8 {
	b := img.Bounds()
	return color.GrayModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.Gray).Y
}
