// Package gamification turns learning outcomes into points and badges.
package gamification

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/ledger"
)

// DefaultPointsPerCorrect is awarded per newly correct quiz answer.
const DefaultPointsPerCorrect = 10

// MaxFlatPoints caps a single flat award.
const MaxFlatPoints = 1_000_000

// PointsResult reports the effect of one point award.
type PointsResult struct {
	Delta              int             `json:"delta"`
	NewTotal           int             `json:"new_total"`
	NewlyAwardedBadges []catalog.Badge `json:"newly_awarded_badges"`
}

// InvalidPointsError rejects a flat award outside [1, MaxFlatPoints].
type InvalidPointsError struct {
	Points int
}

func (e *InvalidPointsError) Error() string {
	return fmt.Sprintf("invalid points: %d must be between 1 and %d", e.Points, MaxFlatPoints)
}

func (e *InvalidPointsError) Is(target error) bool {
	return target == apperr.ErrValidation
}

// CheckFlatPoints returns an InvalidPointsError unless 0 < points <= MaxFlatPoints.
func CheckFlatPoints(points int) error {
	if points <= 0 || points > MaxFlatPoints {
		return &InvalidPointsError{Points: points}
	}
	return nil
}

// QuizDelta returns the points earned by a resubmission. Points are only
// given on improvement, for the correct answers beyond those the previous
// score already paid for.
func QuizDelta(correctCount int, previousScore, currentScore float64, totalCount, perCorrect int) int {
	if currentScore <= previousScore {
		return 0
	}
	priorCorrect := int(math.Round(previousScore * float64(totalCount) / 100))
	delta := (correctCount - priorCorrect) * perCorrect
	if delta < 0 {
		return 0
	}
	return delta
}

// NewlyQualifying returns the unowned badges whose threshold total reaches,
// in ascending threshold order (ties by id).
func NewlyQualifying(badges []catalog.Badge, owned map[string]bool, total int) []catalog.Badge {
	out := []catalog.Badge{}
	for _, b := range badges {
		if !owned[b.ID] && total >= b.PointThreshold {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, catalog.CompareBadges)
	return out
}

// BadgeProgress is the next badge a student is working towards.
type BadgeProgress struct {
	Badge           catalog.Badge `json:"badge"`
	ProgressPercent float64       `json:"progress_percent"`
}

// NextBadge returns the lowest-threshold badge not yet owned and how far
// total is towards it, capped at 100. ok is false when every badge is owned.
func NextBadge(badges []catalog.Badge, owned map[string]bool, total int) (BadgeProgress, bool) {
	sorted := slices.Clone(badges)
	slices.SortFunc(sorted, catalog.CompareBadges)
	for _, b := range sorted {
		if owned[b.ID] {
			continue
		}
		pct := 100.0
		if b.PointThreshold > 0 {
			pct = math.Min(100, float64(total)/float64(b.PointThreshold)*100)
		}
		return BadgeProgress{Badge: b, ProgressPercent: pct}, true
	}
	return BadgeProgress{}, false
}

// Engine applies point awards inside a ledger unit of work.
type Engine struct {
	badges           []catalog.Badge
	pointsPerCorrect int
	now              func() time.Time
}

// NewEngine creates an engine over the catalog badges. perCorrect <= 0
// selects DefaultPointsPerCorrect.
func NewEngine(badges []catalog.Badge, perCorrect int, now func() time.Time) *Engine {
	if perCorrect <= 0 {
		perCorrect = DefaultPointsPerCorrect
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{badges: badges, pointsPerCorrect: perCorrect, now: now}
}

// PointsPerCorrect returns the configured quiz reward.
func (e *Engine) PointsPerCorrect() int {
	return e.pointsPerCorrect
}

// ApplyQuizPoints awards the improvement delta of a quiz resubmission.
func (e *Engine) ApplyQuizPoints(ctx context.Context, tx ledger.Tx, correctCount int, previousScore, currentScore float64, totalCount int) (PointsResult, error) {
	delta := QuizDelta(correctCount, previousScore, currentScore, totalCount, e.pointsPerCorrect)
	return e.apply(ctx, tx, delta)
}

// ApplyFlatPoints awards a fixed positive amount, e.g. for an arena game.
func (e *Engine) ApplyFlatPoints(ctx context.Context, tx ledger.Tx, points int) (PointsResult, error) {
	if err := CheckFlatPoints(points); err != nil {
		return PointsResult{}, err
	}
	return e.apply(ctx, tx, points)
}

func (e *Engine) apply(ctx context.Context, tx ledger.Tx, delta int) (PointsResult, error) {
	profile, err := tx.Profile(ctx)
	if err != nil {
		return PointsResult{}, fmt.Errorf("load profile: %w", err)
	}
	if delta <= 0 {
		return PointsResult{NewTotal: profile.TotalPoints, NewlyAwardedBadges: []catalog.Badge{}}, nil
	}

	total, err := tx.AddPoints(ctx, delta)
	if err != nil {
		return PointsResult{}, err
	}

	awarded := NewlyQualifying(e.badges, profile.OwnedSet(), total)
	if len(awarded) > 0 {
		ids := make([]string, len(awarded))
		for i, b := range awarded {
			ids[i] = b.ID
		}
		if err := tx.AwardBadges(ctx, ids, e.now()); err != nil {
			return PointsResult{}, err
		}
	}

	return PointsResult{Delta: delta, NewTotal: total, NewlyAwardedBadges: awarded}, nil
}
