package utils

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"phishsim/models"
)

// Funnel transitions triggered from the tracking endpoints.
const (
	TransitionOpen    = "open"
	TransitionLanding = "landing"
	TransitionSubmit  = "submit"
)

// ErrTokenNotFound is returned when a tracking or training token does
// not resolve to a record. Handlers translate it into the generic 404
// page so tokens cannot be enumerated.
var ErrTokenNotFound = errors.New("token not found")

// FunnelDelta is the per-counter contribution of one transition. Each
// component is 0 or 1; repeat hits always yield the zero delta.
type FunnelDelta struct {
	Open   int
	Click  int
	Submit int
}

func (d FunnelDelta) IsZero() bool {
	return d.Open == 0 && d.Click == 0 && d.Submit == 0
}

// ComputeFunnelDelta derives the counter increments a transition earns
// from the target's pre-write timestamps. An open moves only the open
// counter, a landing hit implies both the open and the click that
// produced it, and a submit backfills whatever the funnel skipped. Pure
// function over already-locked state.
func ComputeFunnelDelta(pt *models.ProjectTarget, transition string) FunnelDelta {
	var d FunnelDelta
	switch transition {
	case TransitionOpen:
		if pt.OpenedAt == nil {
			d.Open = 1
		}
	case TransitionLanding:
		if pt.OpenedAt == nil {
			d.Open = 1
		}
		if pt.ClickedAt == nil {
			d.Click = 1
		}
	case TransitionSubmit:
		if pt.OpenedAt == nil {
			d.Open = 1
		}
		if pt.ClickedAt == nil {
			d.Click = 1
		}
		if pt.SubmittedAt == nil {
			d.Submit = 1
		}
	}
	return d
}

// NextFunnelStatus returns the status a transition advances the target
// to. Submitted is terminal, the test status never changes, and status
// never moves backward: an open after a click leaves clicked alone.
func NextFunnelStatus(current, transition string) string {
	if current == models.TargetStatusTest || current == models.TargetStatusSubmitted {
		return current
	}
	switch transition {
	case TransitionOpen:
		if current == models.TargetStatusSent {
			return models.TargetStatusOpened
		}
	case TransitionLanding:
		return models.TargetStatusClicked
	case TransitionSubmit:
		return models.TargetStatusSubmitted
	}
	return current
}

// FunnelResult reports what an AdvanceFunnel call changed.
type FunnelResult struct {
	Applied bool
	Delta   FunnelDelta
	Target  *models.ProjectTarget
	Project *models.Project
}

// TrackingStore is the persistence surface behind the tracking
// endpoints. The handlers never touch gorm directly so tests can run
// them against an in-memory store.
type TrackingStore interface {
	AdvanceFunnel(ctx context.Context, token, transition string) (*FunnelResult, error)
	TemplateForProject(ctx context.Context, projectID uint) (*models.Template, error)
	TrainingPageByToken(ctx context.Context, trainingToken string) (*models.Project, *models.TrainingPage, error)
}

// GormTrackingStore is the production TrackingStore.
type GormTrackingStore struct {
	DB *gorm.DB
}

func NewGormTrackingStore(db *gorm.DB) *GormTrackingStore {
	return &GormTrackingStore{DB: db}
}

// AdvanceFunnel applies one funnel transition under a row lock. The
// target row is locked with SELECT ... FOR UPDATE, the delta is computed
// from the locked pre-write state, and the project aggregates are bumped
// with relative expressions inside the same transaction. Concurrent hits
// on the same token serialize on the lock, so each timestamp is written
// once and each counter moves by at most 1 no matter how many requests
// race.
func (s *GormTrackingStore) AdvanceFunnel(ctx context.Context, token, transition string) (*FunnelResult, error) {
	result := &FunnelResult{}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pt models.ProjectTarget
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tracking_token = ?", token).
			First(&pt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}

		var project models.Project
		if err := tx.First(&project, pt.ProjectID).Error; err != nil {
			return err
		}

		delta := ComputeFunnelDelta(&pt, transition)
		if delta.IsZero() {
			result.Target = &pt
			result.Project = &project
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{}
		if delta.Open == 1 {
			updates["opened_at"] = now
			pt.OpenedAt = &now
		}
		if delta.Click == 1 {
			updates["clicked_at"] = now
			pt.ClickedAt = &now
		}
		if delta.Submit == 1 {
			updates["submitted_at"] = now
			pt.SubmittedAt = &now
		}
		if next := NextFunnelStatus(pt.Status, transition); next != pt.Status {
			updates["status"] = next
			pt.Status = next
		}

		if err := tx.Model(&models.ProjectTarget{}).
			Where("id = ?", pt.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		// Test records never contribute to campaign statistics.
		if !pt.IsTest() && project.Status != models.ProjectStatusTest {
			bumps := map[string]interface{}{}
			if delta.Open == 1 {
				bumps["open_count"] = gorm.Expr("open_count + ?", 1)
			}
			if delta.Click == 1 {
				bumps["click_count"] = gorm.Expr("click_count + ?", 1)
			}
			if delta.Submit == 1 {
				bumps["submit_count"] = gorm.Expr("submit_count + ?", 1)
			}
			if err := tx.Model(&models.Project{}).
				Where("id = ?", project.ID).
				Updates(bumps).Error; err != nil {
				return err
			}
			project.OpenCount += delta.Open
			project.ClickCount += delta.Click
			project.SubmitCount += delta.Submit
		}

		result.Applied = true
		result.Delta = delta
		result.Target = &pt
		result.Project = &project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GormTrackingStore) TemplateForProject(ctx context.Context, projectID uint) (*models.Template, error) {
	var project models.Project
	if err := s.DB.WithContext(ctx).First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var tpl models.Template
	if err := s.DB.WithContext(ctx).First(&tpl, project.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &tpl, nil
}

func (s *GormTrackingStore) TrainingPageByToken(ctx context.Context, trainingToken string) (*models.Project, *models.TrainingPage, error) {
	var project models.Project
	if err := s.DB.WithContext(ctx).
		Where("training_link_token = ?", trainingToken).
		First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, err
	}
	var page models.TrainingPage
	if err := s.DB.WithContext(ctx).
		Where("project_id = ? AND is_active = ?", project.ID, true).
		First(&page).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, err
	}
	return &project, &page, nil
}

// FunnelContribution derives, from a recipient link's timestamps, the
// aggregate counters that link currently holds. Test records hold none
// because their transitions never bumped the aggregates.
func FunnelContribution(pt *models.ProjectTarget) FunnelDelta {
	if pt.IsTest() {
		return FunnelDelta{}
	}
	var d FunnelDelta
	if pt.OpenedAt != nil {
		d.Open = 1
	}
	if pt.ClickedAt != nil {
		d.Click = 1
	}
	if pt.SubmittedAt != nil {
		d.Submit = 1
	}
	return d
}

// ReverseFunnelContribution subtracts a detached target's counter
// contribution from its project's aggregates, floored at zero. Runs
// inside the caller's transaction.
func ReverseFunnelContribution(tx *gorm.DB, pt *models.ProjectTarget) error {
	bumps := map[string]interface{}{
		"target_count": gorm.Expr("GREATEST(target_count - 1, 0)"),
	}
	contribution := FunnelContribution(pt)
	if contribution.Open == 1 {
		bumps["open_count"] = gorm.Expr("GREATEST(open_count - 1, 0)")
	}
	if contribution.Click == 1 {
		bumps["click_count"] = gorm.Expr("GREATEST(click_count - 1, 0)")
	}
	if contribution.Submit == 1 {
		bumps["submit_count"] = gorm.Expr("GREATEST(submit_count - 1, 0)")
	}
	return tx.Model(&models.Project{}).
		Where("id = ?", pt.ProjectID).
		Updates(bumps).Error
}
