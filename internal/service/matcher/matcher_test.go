package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
	"github.com/scanbridge/gradescan/internal/service/parser"
)

type dirStub struct {
	assignments []models.AssignmentWithCourse

	lastFrom, lastTo time.Time
}

func (s *dirStub) FindStudentByID(ctx context.Context, id string) (*models.Student, error) {
	return nil, nil
}

func (s *dirStub) ListStudents(ctx context.Context) ([]models.Student, error) {
	return nil, nil
}

func (s *dirStub) ListActiveCourses(ctx context.Context) ([]models.Course, error) {
	return nil, nil
}

func (s *dirStub) ListAssignmentsByStudent(ctx context.Context, studentID string, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	s.lastFrom, s.lastTo = from, to
	var out []models.AssignmentWithCourse
	for _, a := range s.assignments {
		if a.DueAt == nil || a.DueAt.Before(from) || a.DueAt.After(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *dirStub) ListAssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	return s.assignments, nil
}

func assignment(id, name, course string, due time.Time) models.AssignmentWithCourse {
	return models.AssignmentWithCourse{
		Assignment:      models.Assignment{ID: id, Name: name, DueAt: &due},
		CourseName:      course,
		CourseStudentID: "stu-1",
	}
}

func TestFindMatchExactTitleAndDate(t *testing.T) {
	due := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("asn-1", "Chapter 5 Quiz", "Mathematics 6", due),
		assignment("asn-2", "Spelling Test 12", "Reading", due.AddDate(0, 0, 2)),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	parsed := &parser.Document{Title: "Chapter 5 Quiz", Date: &due}

	result, err := m.FindMatch(context.Background(), parsed, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	matched, ok := result.Matched()
	if !ok || matched.ID != "asn-1" {
		t.Fatalf("expected asn-1, got %v", matched)
	}
	if result.Confidence != 90 {
		t.Errorf("expected confidence 90, got %v", result.Confidence)
	}
	if result.Method != MethodTitleDate {
		t.Errorf("expected title+date, got %s", result.Method)
	}
	if !result.Confident() {
		t.Error("expected a confident match")
	}
}

func TestFindMatchNoCandidates(t *testing.T) {
	m := New(&dirStub{}, DefaultConfig(), zerolog.Nop())

	result, err := m.FindMatch(context.Background(), &parser.Document{Title: "Anything"}, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if _, ok := result.Matched(); ok {
		t.Fatal("expected no match")
	}
	if result.Method != MethodNone {
		t.Errorf("expected none, got %s", result.Method)
	}
	if result.Confident() {
		t.Error("an unmatched result can never be confident")
	}
}

func TestFindMatchWindowFromParsedDate(t *testing.T) {
	date := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("near", "Chapter 5 Quiz", "Math", date.AddDate(0, 0, 5)),
		assignment("far", "Chapter 5 Quiz", "Math", date.AddDate(0, 0, 40)),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	result, err := m.FindMatch(context.Background(), &parser.Document{Title: "Chapter 5 Quiz", Date: &date}, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	// Tolerance 7 days gives a candidate window of 14 on each side.
	if want := date.AddDate(0, 0, -14); !dir.lastFrom.Equal(want) {
		t.Errorf("expected window start %v, got %v", want, dir.lastFrom)
	}
	if want := date.AddDate(0, 0, 14); !dir.lastTo.Equal(want) {
		t.Errorf("expected window end %v, got %v", want, dir.lastTo)
	}

	matched, ok := result.Matched()
	if !ok || matched.ID != "near" {
		t.Fatalf("expected the in-window assignment, got %v", matched)
	}
}

func TestFindMatchTieKeepsEarliestDue(t *testing.T) {
	now := time.Now()
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("earlier", "Weekly Worksheet", "Math", now.AddDate(0, 0, -10)),
		assignment("later", "Weekly Worksheet", "Math", now.AddDate(0, 0, -5)),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	result, err := m.FindMatch(context.Background(), &parser.Document{Title: "Weekly Worksheet"}, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	matched, ok := result.Matched()
	if !ok || matched.ID != "earlier" {
		t.Fatalf("expected the earliest-due assignment on a tie, got %v", matched)
	}
}

func TestFindMatchDateDecay(t *testing.T) {
	due := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	date := due.AddDate(0, 0, 3)
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("asn-1", "Chapter 5 Quiz", "Math", due),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	result, err := m.FindMatch(context.Background(), &parser.Document{Title: "Chapter 5 Quiz", Date: &date}, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	// Title 100*0.5 plus date decayed to 100*(1-3/7) weighted 0.3.
	want := 50 + 100*(1-3.0/7.0)*0.3
	if diff := result.Confidence - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("expected confidence %.2f, got %.2f", want, result.Confidence)
	}
}

func TestFindMatchComboBonus(t *testing.T) {
	now := time.Now()
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("asn-1", "Chapter 5 Quiz", "Mathematics 6", now.AddDate(0, 0, -3)),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	parsed := &parser.Document{Title: "Chapter 5 Quiz", CourseName: "Mathematics 6"}

	result, err := m.FindMatch(context.Background(), parsed, "stu-1")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	// Title 50 and course 20, plus the two-strong-signals bonus.
	if result.Confidence != 80 {
		t.Errorf("expected confidence 80, got %v", result.Confidence)
	}
}

func TestFindMatchesRankedAndLimited(t *testing.T) {
	now := time.Now()
	dir := &dirStub{assignments: []models.AssignmentWithCourse{
		assignment("weak", "Totally Different Thing", "Art", now.AddDate(0, 0, -2)),
		assignment("strong", "Chapter 5 Quiz", "Math", now.AddDate(0, 0, -3)),
		assignment("medium", "Chapter 6 Quiz", "Math", now.AddDate(0, 0, -4)),
	}}

	m := New(dir, DefaultConfig(), zerolog.Nop())
	results, err := m.FindMatches(context.Background(), &parser.Document{Title: "Chapter 5 Quiz"}, "stu-1", 2)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(results))
	}
	first, _ := results[0].Matched()
	if first.ID != "strong" {
		t.Errorf("expected strongest candidate first, got %s", first.ID)
	}
	if results[0].Confidence < results[1].Confidence {
		t.Error("expected descending confidence order")
	}
}

func TestConfigDefaults(t *testing.T) {
	m := New(&dirStub{}, Config{}, zerolog.Nop())

	if m.config.TitleWeight != 0.5 || m.config.DateWeight != 0.3 || m.config.CourseWeight != 0.2 {
		t.Errorf("expected default weights, got %+v", m.config)
	}
	if m.config.DateToleranceDays != 7 {
		t.Errorf("expected default tolerance 7, got %d", m.config.DateToleranceDays)
	}
}
