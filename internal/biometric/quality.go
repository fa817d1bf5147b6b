package biometric

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"kiosk-go/internal/model"
)

// DefaultMinScore is the lowest total score an acceptable capture can have.
const DefaultMinScore = 70

// analysisWidth bounds the face region the pixel heuristics look at.
const analysisWidth = 320

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue types.
const (
	IssueNoFace        = "no_face"
	IssueMultipleFaces = "multiple_faces"
	IssueFocus         = "focus"
	IssueTooDark       = "too_dark"
	IssueTooBright     = "too_bright"
	IssueTooFar        = "too_far"
	IssueTooClose      = "too_close"
	IssueCentering     = "centering"
	IssueAngle         = "angle"
)

// Issue is one finding of the quality gate.
type Issue struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Hint     string   `json:"hint,omitempty"`
}

// Assessment is the gate's verdict on a frame.
type Assessment struct {
	Accepted bool    `json:"accepted"`
	Score    int     `json:"score"`
	Issues   []Issue `json:"issues"`
}

// Outcome classifies the assessment for callers.
func (a *Assessment) Outcome() model.Outcome {
	switch {
	case a.Accepted:
		return model.OutcomeAccepted
	case a.hasIssue(IssueNoFace) || a.hasIssue(IssueMultipleFaces):
		return model.OutcomeAmbiguousCapture
	default:
		return model.OutcomeQualityRejected
	}
}

func (a *Assessment) hasIssue(typ string) bool {
	for _, is := range a.Issues {
		if is.Type == typ {
			return true
		}
	}
	return false
}

// QualityGate scores captures before they are encoded. It is advisory and has
// no side effects.
type QualityGate struct {
	minScore int
}

// NewQualityGate creates a gate. A non-positive minScore selects DefaultMinScore.
func NewQualityGate(minScore int) *QualityGate {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &QualityGate{minScore: minScore}
}

// Evaluate scores frame out of 100. Zero or several faces score 0 without
// further checks.
func (g *QualityGate) Evaluate(frame Frame) Assessment {
	switch len(frame.Faces) {
	case 0:
		return Assessment{Issues: []Issue{{Type: IssueNoFace, Severity: SeverityError}}}
	case 1:
	default:
		return Assessment{Issues: []Issue{{Type: IssueMultipleFaces, Severity: SeverityError}}}
	}

	face := frame.Faces[0]
	bounds := frame.Image.Bounds()
	box := face.Box.Intersect(bounds)
	if box.Empty() {
		return Assessment{Issues: []Issue{{Type: IssueNoFace, Severity: SeverityError}}}
	}

	gray := faceRegion(frame.Image, box)

	var issues []Issue
	score := 0
	for _, h := range []func() (int, *Issue){
		func() (int, *Issue) { return scoreFocus(gray) },
		func() (int, *Issue) { return scoreBrightness(gray) },
		func() (int, *Issue) { return scoreSize(box, bounds) },
		func() (int, *Issue) { return scoreCentering(box, bounds) },
		func() (int, *Issue) { return scorePose(face.Landmarks) },
	} {
		pts, issue := h()
		score += pts
		if issue != nil {
			issues = append(issues, *issue)
		}
	}

	accepted := score >= g.minScore
	for _, is := range issues {
		if is.Severity == SeverityError {
			accepted = false
		}
	}
	return Assessment{Accepted: accepted, Score: score, Issues: issues}
}

// faceRegion crops the face, shrinks it to analysisWidth and converts to grayscale.
func faceRegion(img image.Image, box image.Rectangle) *image.NRGBA {
	region := imaging.Crop(img, box)
	if region.Bounds().Dx() > analysisWidth {
		region = imaging.Resize(region, analysisWidth, 0, imaging.Box)
	}
	return imaging.Grayscale(region)
}

// luminance returns the grey level at (x, y) of a Grayscale output.
func luminance(g *image.NRGBA, x, y int) float64 {
	return float64(g.Pix[g.PixOffset(x, y)])
}

func scoreFocus(g *image.NRGBA) (int, *Issue) {
	b := g.Bounds()
	var sum, sumSq float64
	n := 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			lap := 4*luminance(g, x, y) -
				luminance(g, x-1, y) - luminance(g, x+1, y) -
				luminance(g, x, y-1) - luminance(g, x, y+1)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}

	variance := 0.0
	if n > 0 {
		mean := sum / float64(n)
		variance = sumSq/float64(n) - mean*mean
	}

	switch {
	case variance >= 100:
		return 30, nil
	case variance >= 40:
		return 18, &Issue{Type: IssueFocus, Severity: SeverityWarning}
	default:
		return 6, &Issue{Type: IssueFocus, Severity: SeverityWarning}
	}
}

func scoreBrightness(g *image.NRGBA) (int, *Issue) {
	b := g.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += luminance(g, x, y)
		}
	}
	mean := sum / float64(b.Dx()*b.Dy())

	switch {
	case mean >= 80 && mean <= 180:
		return 20, nil
	case mean >= 50 && mean <= 220:
		return 10, nil
	case mean < 50:
		return 0, &Issue{Type: IssueTooDark, Severity: SeverityWarning}
	default:
		return 0, &Issue{Type: IssueTooBright, Severity: SeverityWarning}
	}
}

func scoreSize(box, frame image.Rectangle) (int, *Issue) {
	ratio := float64(box.Dx()) / float64(frame.Dx())

	var issue *Issue
	if ratio < 0.25 {
		issue = &Issue{Type: IssueTooFar, Severity: SeverityWarning}
	} else if ratio > 0.60 {
		issue = &Issue{Type: IssueTooClose, Severity: SeverityWarning}
	}

	switch {
	case issue == nil:
		return 20, nil
	case ratio >= 0.15 && ratio <= 0.75:
		return 10, issue
	default:
		return 4, issue
	}
}

func scoreCentering(box, frame image.Rectangle) (int, *Issue) {
	dx := float64(box.Min.X+box.Max.X)/2 - float64(frame.Min.X+frame.Max.X)/2
	dy := float64(box.Min.Y+box.Max.Y)/2 - float64(frame.Min.Y+frame.Max.Y)/2
	nx := math.Abs(dx) / float64(frame.Dx())
	ny := math.Abs(dy) / float64(frame.Dy())
	offset := math.Max(nx, ny)

	if offset < 0.10 {
		return 15, nil
	}

	var hint string
	if nx >= ny {
		hint = "move_left"
		if dx < 0 {
			hint = "move_right"
		}
	} else {
		hint = "move_up"
		if dy < 0 {
			hint = "move_down"
		}
	}

	if offset < 0.20 {
		return 8, &Issue{Type: IssueCentering, Severity: SeverityWarning, Hint: hint}
	}
	return 0, &Issue{Type: IssueCentering, Severity: SeverityError, Hint: hint}
}

func scorePose(lm *Landmarks) (int, *Issue) {
	if lm == nil {
		return 8, nil
	}
	dl := float64(lm.Nose.X - lm.LeftEye.X)
	dr := float64(lm.RightEye.X - lm.Nose.X)
	if dl <= 0 || dr <= 0 {
		return 8, nil
	}

	symmetry := math.Min(dl, dr) / math.Max(dl, dr)
	if symmetry >= 0.80 {
		return 15, nil
	}

	hint := "turn_left"
	if dl < dr {
		hint = "turn_right"
	}
	if symmetry >= 0.60 {
		return 8, &Issue{Type: IssueAngle, Severity: SeverityWarning, Hint: hint}
	}
	return 0, &Issue{Type: IssueAngle, Severity: SeverityError, Hint: hint}
}
