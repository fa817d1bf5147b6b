package kiosk_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/model"
	"kiosk-go/internal/testutil"
)

// blindEncoder detects faces but never manages to encode one.
type blindEncoder struct {
	*testutil.StubEncoder
}

func (blindEncoder) Encode(context.Context, image.Image) ([]float64, error) {
	return nil, biometric.ErrNoFace
}

func TestEnroll_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.addEmployee(t, "Ada", 7, nil)

	before, err := f.svc.Verify(ctx, frame(markAda))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNoMatch, before.Outcome)

	res, err := f.svc.Enroll(ctx, kiosk.SequenceRef(7), frame(markAda))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, model.OutcomeAccepted, res.Outcome)
	assert.GreaterOrEqual(t, res.Score, biometric.DefaultMinScore)
	assert.Equal(t, ada.LocalID, res.EmployeeLocalID)
	assert.True(t, strings.HasPrefix(res.EvidenceKey, "enrollment/2024-01-15/"), res.EvidenceKey)
	assert.False(t, kiosk.IsSealed(res.EvidenceKey))
	assert.Equal(t, 1, f.vault.Len())

	stored := f.reload(t, ada.LocalID)
	assert.Equal(t, adaVector, stored.FeatureVector)
	require.NotNil(t, stored.EnrolledAt)
	assert.True(t, stored.EnrolledAt.Equal(f.clock.Now()))
	assert.Equal(t, res.EvidenceKey, stored.EnrollmentEvidence)

	// The cache was loaded by the first Verify; enrollment must invalidate it.
	after, err := f.svc.Verify(ctx, frame(markAda))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeMatched, after.Outcome)
	require.NotNil(t, after.Match)
	assert.Equal(t, ada.LocalID, after.Match.EmployeeLocalID)
}

func TestEnroll_ReplacesEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.addEmployee(t, "Ada", 7, nil)

	first, err := f.svc.Enroll(ctx, kiosk.LocalRef(ada.LocalID), frame(markAda))
	require.NoError(t, err)
	second, err := f.svc.Enroll(ctx, kiosk.LocalRef(ada.LocalID), frame(markBen))
	require.NoError(t, err)

	assert.NotEqual(t, first.EvidenceKey, second.EvidenceKey)
	assert.Equal(t, 1, f.vault.Len())
	err = f.vault.Get(ctx, first.EvidenceKey, &bytes.Buffer{})
	assert.Error(t, err)

	assert.Equal(t, benVector, f.reload(t, ada.LocalID).FeatureVector)
}

func TestEnroll_NotAccepted(t *testing.T) {
	tests := []struct {
		name        string
		img         image.Image
		encoder     func(*testutil.StubEncoder) kiosk.FaceEncoder
		wantOutcome model.Outcome
		wantIssue   string
	}{
		{
			name:        "dark blurry frame",
			img:         testutil.Flat(markAda),
			wantOutcome: model.OutcomeQualityRejected,
			wantIssue:   biometric.IssueTooDark,
		},
		{
			name:        "nobody in frame",
			img:         frame(markNobody),
			wantOutcome: model.OutcomeAmbiguousCapture,
			wantIssue:   biometric.IssueNoFace,
		},
		{
			name:        "two people in frame",
			img:         frame(markCrowd),
			wantOutcome: model.OutcomeAmbiguousCapture,
			wantIssue:   biometric.IssueMultipleFaces,
		},
		{
			name:        "encoder disagrees with detector",
			img:         frame(markAda),
			encoder:     func(s *testutil.StubEncoder) kiosk.FaceEncoder { return blindEncoder{s} },
			wantOutcome: model.OutcomeAmbiguousCapture,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []fixtureOption
			if tt.encoder != nil {
				stub := testutil.NewStubEncoder()
				stub.Register(markAda, []biometric.Face{testutil.CenteredFace()}, adaVector)
				opts = append(opts, withEncoder(tt.encoder(stub)))
			}
			f := newFixture(t, opts...)
			ada := f.addEmployee(t, "Ada", 7, nil)

			res, err := f.svc.Enroll(context.Background(), kiosk.LocalRef(ada.LocalID), tt.img)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			if tt.wantIssue != "" {
				assert.True(t, hasIssue(res.Issues, tt.wantIssue), "issues: %+v", res.Issues)
			}

			assert.Empty(t, res.EvidenceKey)
			assert.Equal(t, 0, f.vault.Len())
			assert.False(t, f.reload(t, ada.LocalID).Enrolled())
		})
	}
}

func hasIssue(issues []biometric.Issue, typ string) bool {
	for _, is := range issues {
		if is.Type == typ {
			return true
		}
	}
	return false
}

func TestEnroll_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enroll(ctx, kiosk.LocalRef(404), frame(markAda))
	assert.True(t, model.IsNotFound(err), "got %v", err)

	_, err = f.svc.Enroll(ctx, kiosk.SequenceRef(404), frame(markAda))
	assert.True(t, model.IsNotFound(err), "got %v", err)

	noEncoder := kiosk.NewKioskService(f.store, nil, nil, nil, kiosk.DefaultOptions(),
		kiosk.NewNopLogger(), f.clock, testutil.NewStubIDGenerator())
	f.addEmployee(t, "Ada", 7, nil)
	_, err = noEncoder.Enroll(ctx, kiosk.SequenceRef(7), frame(markAda))
	assert.Error(t, err)
}

func TestEnroll_WrongDimension(t *testing.T) {
	stub := testutil.NewStubEncoder()
	stub.Register(markAda, []biometric.Face{testutil.CenteredFace()}, []float64{1, 2})
	f := newFixture(t, withEncoder(stub))
	ada := f.addEmployee(t, "Ada", 7, nil)

	_, err := f.svc.Enroll(context.Background(), kiosk.LocalRef(ada.LocalID), frame(markAda))
	require.Error(t, err)
	assert.False(t, f.reload(t, ada.LocalID).Enrolled())
	assert.Equal(t, 0, f.vault.Len())
}

func TestEnroll_WithoutVault(t *testing.T) {
	f := newFixture(t, withoutVault())
	ada := f.addEmployee(t, "Ada", 7, nil)

	res, err := f.svc.Enroll(context.Background(), kiosk.LocalRef(ada.LocalID), frame(markAda))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.EvidenceKey)
	assert.True(t, f.reload(t, ada.LocalID).Enrolled())
}

func TestDeleteEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.addEmployee(t, "Ada", 7, nil)

	_, err := f.svc.Enroll(ctx, kiosk.LocalRef(ada.LocalID), frame(markAda))
	require.NoError(t, err)
	matched, err := f.svc.Verify(ctx, frame(markAda))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeMatched, matched.Outcome)

	require.NoError(t, f.svc.DeleteEnrollment(ctx, kiosk.SequenceRef(7)))

	stored := f.reload(t, ada.LocalID)
	assert.False(t, stored.Enrolled())
	assert.Nil(t, stored.EnrolledAt)
	assert.Empty(t, stored.EnrollmentEvidence)
	assert.Equal(t, 0, f.vault.Len())

	res, err := f.svc.Verify(ctx, frame(markAda))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoMatch, res.Outcome)

	err = f.svc.DeleteEnrollment(ctx, kiosk.SequenceRef(7))
	assert.True(t, errors.Is(err, model.ErrInvalidState), "got %v", err)

	err = f.svc.DeleteEnrollment(ctx, kiosk.LocalRef(404))
	assert.True(t, model.IsNotFound(err), "got %v", err)
}

func TestEnrollmentStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addEmployee(t, "Ben", 8, nil)
	ada := f.addEmployee(t, "Ada", 7, nil)

	_, err := f.svc.Enroll(ctx, kiosk.LocalRef(ada.LocalID), frame(markAda))
	require.NoError(t, err)

	statuses, err := f.svc.EnrollmentStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "Ada", statuses[0].DisplayName)
	assert.True(t, statuses[0].Enrolled)
	assert.True(t, statuses[0].HasEvidence)
	require.NotNil(t, statuses[0].EnrolledAt)

	assert.Equal(t, "Ben", statuses[1].DisplayName)
	assert.False(t, statuses[1].Enrolled)
	assert.False(t, statuses[1].HasEvidence)
	assert.Nil(t, statuses[1].EnrolledAt)
}
