// Package biometric holds on-device capture checks and identity matching.
// Feature extraction itself is done by an external encoder.
package biometric

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

var (
	// ErrNoFace is returned by an Encoder when the image contains no face.
	ErrNoFace = errors.New("no face detected")
	// ErrMultipleFaces is returned by an Encoder when the image contains more than one face.
	ErrMultipleFaces = errors.New("multiple faces detected")
)

// Landmarks are the face points the pose heuristic needs, in image coordinates.
// LeftEye is the eye nearer the image's left edge.
type Landmarks struct {
	LeftEye  image.Point
	RightEye image.Point
	Nose     image.Point
}

// Face is one detected face.
type Face struct {
	Box       image.Rectangle
	Landmarks *Landmarks // nil when landmark extraction failed
}

// Frame is a captured image together with the faces detected in it.
type Frame struct {
	Image image.Image
	Faces []Face
}

// Detector finds faces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Face, error)
}

// Encoder turns an image holding exactly one face into a feature vector.
// It returns ErrNoFace or ErrMultipleFaces otherwise and is never retried.
type Encoder interface {
	Encode(ctx context.Context, img image.Image) ([]float64, error)
}

// DecodeImage decodes a JPEG or PNG capture, applying EXIF orientation.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// EncodePNG renders img as PNG, the format evidence is stored in.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
