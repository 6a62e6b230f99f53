// Package matcher scores parsed documents against the known assignments of a
// student's courses and picks the best weighted match.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
	"github.com/scanbridge/gradescan/internal/repository"
	"github.com/scanbridge/gradescan/internal/service/parser"
	"github.com/scanbridge/gradescan/pkg/similarity"
)

type Method string

const (
	MethodTitle     Method = "title"
	MethodDate      Method = "date"
	MethodTitleDate Method = "title+date"
	MethodAuto      Method = "auto"
	MethodManual    Method = "manual"
	MethodNone      Method = "none"
)

const (
	strongSignal = 70
	comboBonus   = 10

	// ConfidentThreshold is the score above which a match is good enough for
	// automatic assignment.
	ConfidentThreshold = 70
)

// Result is the outcome of matching one document against one student's
// assignments. The assignment is only reachable through Matched, so the
// no-match case cannot be ignored by accident.
type Result struct {
	assignment *models.AssignmentWithCourse
	Confidence float64
	Method     Method
	Reasons    []string
}

func Matched(a *models.AssignmentWithCourse, confidence float64, method Method, reasons []string) Result {
	return Result{assignment: a, Confidence: clamp(confidence), Method: method, Reasons: reasons}
}

func Unmatched(reasons ...string) Result {
	return Result{Method: MethodNone, Reasons: reasons}
}

// Matched returns the matched assignment, if any.
func (r Result) Matched() (*models.AssignmentWithCourse, bool) {
	return r.assignment, r.assignment != nil
}

func (r Result) Confident() bool {
	return r.assignment != nil && r.Confidence >= ConfidentThreshold
}

type Config struct {
	TitleWeight       float64
	DateWeight        float64
	CourseWeight      float64
	DateToleranceDays int
}

func DefaultConfig() Config {
	return Config{
		TitleWeight:       0.5,
		DateWeight:        0.3,
		CourseWeight:      0.2,
		DateToleranceDays: 7,
	}
}

type Matcher struct {
	directory repository.DirectoryRepository
	config    Config
	logger    zerolog.Logger
	now       func() time.Time
}

func New(directory repository.DirectoryRepository, cfg Config, logger zerolog.Logger) *Matcher {
	if cfg.TitleWeight == 0 && cfg.DateWeight == 0 && cfg.CourseWeight == 0 {
		cfg = DefaultConfig()
	}
	if cfg.DateToleranceDays <= 0 {
		cfg.DateToleranceDays = 7
	}
	return &Matcher{
		directory: directory,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// FindMatch returns the best match for the document among the student's
// assignments. Ties keep the earliest-due candidate.
func (m *Matcher) FindMatch(ctx context.Context, parsed *parser.Document, studentID string) (Result, error) {
	candidates, err := m.candidates(ctx, studentID, parsed.Date)
	if err != nil {
		return Result{}, err
	}

	if len(candidates) == 0 {
		return Unmatched("no candidate assignments found"), nil
	}

	best := Unmatched()
	bestScore := -1.0

	for i := range candidates {
		score, reasons := m.scoreMatch(parsed, &candidates[i])
		if score > bestScore {
			bestScore = score
			best = Matched(&candidates[i], score, determineMethod(reasons), reasons)
		}
	}

	return best, nil
}

// FindMatches returns up to limit candidates ranked by confidence.
func (m *Matcher) FindMatches(ctx context.Context, parsed *parser.Document, studentID string, limit int) ([]Result, error) {
	candidates, err := m.candidates(ctx, studentID, parsed.Date)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for i := range candidates {
		score, reasons := m.scoreMatch(parsed, &candidates[i])
		results = append(results, Matched(&candidates[i], score, determineMethod(reasons), reasons))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// candidates narrows the assignment set before scoring: a parsed date selects
// a window of twice the tolerance on each side, otherwise the last 30 days.
// The repository returns them due-date ascending, which is also the tie-break
// order.
func (m *Matcher) candidates(ctx context.Context, studentID string, date *time.Time) ([]models.AssignmentWithCourse, error) {
	var from, to time.Time
	if date != nil {
		window := m.config.DateToleranceDays * 2
		from = date.AddDate(0, 0, -window)
		to = date.AddDate(0, 0, window)
	} else {
		to = m.now().AddDate(0, 0, 1)
		from = m.now().AddDate(0, 0, -30)
	}

	candidates, err := m.directory.ListAssignmentsByStudent(ctx, studentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate assignments: %w", err)
	}
	return candidates, nil
}

func (m *Matcher) scoreMatch(parsed *parser.Document, assignment *models.AssignmentWithCourse) (float64, []string) {
	var reasons []string
	var titleScore, dateScore, courseScore float64

	if parsed.Title != "" {
		ratio := similarity.Ratio(strings.ToLower(parsed.Title), strings.ToLower(assignment.Name))
		titleScore = ratio * 100

		if ratio > 0.8 {
			reasons = append(reasons, fmt.Sprintf("title match: %.0f%% similar", ratio*100))
		} else if ratio > 0.5 {
			reasons = append(reasons, fmt.Sprintf("partial title match: %.0f%% similar", ratio*100))
		}
	}

	if parsed.Date != nil && assignment.DueAt != nil {
		daysDiff := int(absDuration(parsed.Date.Sub(*assignment.DueAt)).Hours() / 24)
		tolerance := m.config.DateToleranceDays

		if daysDiff == 0 {
			dateScore = 100
			reasons = append(reasons, "exact date match")
		} else if daysDiff <= tolerance {
			// Linear decay from 100 at zero days to 0 at the tolerance boundary.
			dateScore = 100 * (1 - float64(daysDiff)/float64(tolerance))
			reasons = append(reasons, fmt.Sprintf("date within %d days", daysDiff))
		}
	}

	if parsed.CourseName != "" && assignment.CourseName != "" {
		ratio := similarity.Ratio(strings.ToLower(parsed.CourseName), strings.ToLower(assignment.CourseName))
		courseScore = ratio * 100

		if ratio > 0.7 {
			reasons = append(reasons, fmt.Sprintf("course name match: %s", assignment.CourseName))
		}
	}

	total := titleScore*m.config.TitleWeight +
		dateScore*m.config.DateWeight +
		courseScore*m.config.CourseWeight

	// Corroborating evidence beats a single strong signal.
	strong := 0
	for _, s := range []float64{titleScore, dateScore, courseScore} {
		if s > strongSignal {
			strong++
		}
	}
	if strong >= 2 {
		total += comboBonus
		reasons = append(reasons, "multiple strong matches")
	}

	return clamp(total), reasons
}

func determineMethod(reasons []string) Method {
	hasTitle := false
	hasDate := false
	for _, r := range reasons {
		lower := strings.ToLower(r)
		if strings.Contains(lower, "title") {
			hasTitle = true
		}
		if strings.Contains(lower, "date") {
			hasDate = true
		}
	}

	switch {
	case hasTitle && hasDate:
		return MethodTitleDate
	case hasTitle:
		return MethodTitle
	case hasDate:
		return MethodDate
	default:
		return MethodAuto
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp(confidence float64) float64 {
	if confidence > 100 {
		return 100
	}
	if confidence < 0 {
		return 0
	}
	return confidence
}
