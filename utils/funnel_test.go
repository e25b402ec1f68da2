package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"phishsim/models"
)

func ts() *time.Time {
	t := time.Now().UTC()
	return &t
}

func TestComputeFunnelDelta(t *testing.T) {
	tests := []struct {
		name       string
		target     models.ProjectTarget
		transition string
		want       FunnelDelta
	}{
		{
			name:       "first open counts only the open",
			target:     models.ProjectTarget{},
			transition: TransitionOpen,
			want:       FunnelDelta{Open: 1},
		},
		{
			name:       "repeat open is a no-op",
			target:     models.ProjectTarget{OpenedAt: ts()},
			transition: TransitionOpen,
			want:       FunnelDelta{},
		},
		{
			name:       "open after landing is a no-op",
			target:     models.ProjectTarget{OpenedAt: ts(), ClickedAt: ts()},
			transition: TransitionOpen,
			want:       FunnelDelta{},
		},
		{
			name:       "first landing counts open and click",
			target:     models.ProjectTarget{},
			transition: TransitionLanding,
			want:       FunnelDelta{Open: 1, Click: 1},
		},
		{
			name:       "repeat landing is a no-op",
			target:     models.ProjectTarget{OpenedAt: ts(), ClickedAt: ts()},
			transition: TransitionLanding,
			want:       FunnelDelta{},
		},
		{
			name:       "submit without prior landing backfills everything",
			target:     models.ProjectTarget{},
			transition: TransitionSubmit,
			want:       FunnelDelta{Open: 1, Click: 1, Submit: 1},
		},
		{
			name:       "submit after landing counts only the submit",
			target:     models.ProjectTarget{OpenedAt: ts(), ClickedAt: ts()},
			transition: TransitionSubmit,
			want:       FunnelDelta{Submit: 1},
		},
		{
			name:       "repeat submit is a no-op",
			target:     models.ProjectTarget{OpenedAt: ts(), ClickedAt: ts(), SubmittedAt: ts()},
			transition: TransitionSubmit,
			want:       FunnelDelta{},
		},
		{
			name:       "landing after submit is a no-op",
			target:     models.ProjectTarget{OpenedAt: ts(), ClickedAt: ts(), SubmittedAt: ts()},
			transition: TransitionLanding,
			want:       FunnelDelta{},
		},
		{
			name:       "unknown transition yields nothing",
			target:     models.ProjectTarget{},
			transition: "poke",
			want:       FunnelDelta{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFunnelDelta(&tt.target, tt.transition)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want == FunnelDelta{}, got.IsZero())
		})
	}
}

func TestNextFunnelStatus(t *testing.T) {
	tests := []struct {
		current    string
		transition string
		want       string
	}{
		{models.TargetStatusSent, TransitionOpen, models.TargetStatusOpened},
		{models.TargetStatusOpened, TransitionOpen, models.TargetStatusOpened},
		{models.TargetStatusClicked, TransitionOpen, models.TargetStatusClicked},
		{models.TargetStatusSent, TransitionLanding, models.TargetStatusClicked},
		{models.TargetStatusOpened, TransitionLanding, models.TargetStatusClicked},
		{models.TargetStatusClicked, TransitionLanding, models.TargetStatusClicked},
		{models.TargetStatusSent, TransitionSubmit, models.TargetStatusSubmitted},
		{models.TargetStatusClicked, TransitionSubmit, models.TargetStatusSubmitted},

		// Submitted is terminal
		{models.TargetStatusSubmitted, TransitionOpen, models.TargetStatusSubmitted},
		{models.TargetStatusSubmitted, TransitionLanding, models.TargetStatusSubmitted},
		{models.TargetStatusSubmitted, TransitionSubmit, models.TargetStatusSubmitted},

		// Test records never change state
		{models.TargetStatusTest, TransitionOpen, models.TargetStatusTest},
		{models.TargetStatusTest, TransitionLanding, models.TargetStatusTest},
		{models.TargetStatusTest, TransitionSubmit, models.TargetStatusTest},
	}

	for _, tt := range tests {
		got := NextFunnelStatus(tt.current, tt.transition)
		assert.Equal(t, tt.want, got, "%s + %s", tt.current, tt.transition)
	}
}

func TestFunnelContribution(t *testing.T) {
	tests := []struct {
		name   string
		target models.ProjectTarget
		want   FunnelDelta
	}{
		{
			name:   "untouched recipient holds nothing",
			target: models.ProjectTarget{Status: models.TargetStatusSent},
			want:   FunnelDelta{},
		},
		{
			name:   "opened recipient holds the open",
			target: models.ProjectTarget{Status: models.TargetStatusOpened, OpenedAt: ts()},
			want:   FunnelDelta{Open: 1},
		},
		{
			name:   "clicked recipient holds open and click",
			target: models.ProjectTarget{Status: models.TargetStatusClicked, OpenedAt: ts(), ClickedAt: ts()},
			want:   FunnelDelta{Open: 1, Click: 1},
		},
		{
			name:   "submitted recipient holds all three",
			target: models.ProjectTarget{Status: models.TargetStatusSubmitted, OpenedAt: ts(), ClickedAt: ts(), SubmittedAt: ts()},
			want:   FunnelDelta{Open: 1, Click: 1, Submit: 1},
		},
		{
			name:   "test recipient holds nothing no matter its timestamps",
			target: models.ProjectTarget{Status: models.TargetStatusTest, OpenedAt: ts(), ClickedAt: ts(), SubmittedAt: ts()},
			want:   FunnelDelta{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FunnelContribution(&tt.target))
		})
	}
}

// Detaching a recipient must take back exactly what its transitions
// added: replaying every recorded transition as deltas and then
// subtracting the contribution lands back at zero.
func TestContributionMirrorsAccumulatedDeltas(t *testing.T) {
	pt := &models.ProjectTarget{Status: models.TargetStatusSent}

	var total FunnelDelta
	for _, transition := range []string{TransitionOpen, TransitionLanding, TransitionSubmit} {
		d := ComputeFunnelDelta(pt, transition)
		total.Open += d.Open
		total.Click += d.Click
		total.Submit += d.Submit

		now := time.Now().UTC()
		if d.Open == 1 {
			pt.OpenedAt = &now
		}
		if d.Click == 1 {
			pt.ClickedAt = &now
		}
		if d.Submit == 1 {
			pt.SubmittedAt = &now
		}
		pt.Status = NextFunnelStatus(pt.Status, transition)
	}

	assert.Equal(t, total, FunnelContribution(pt))
}
