// Package detector resolves which student a scanned document belongs to,
// using a reliability-ordered cascade of signals. The cascade stops at the
// first confident stage; otherwise it returns an unresolved detection with
// the accumulated reasons from every stage attempted.
package detector

import (
	"context"
	"fmt"
	"regexp"
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
	MethodQRCode          Method = "qr_code"
	MethodCoverSheet      Method = "cover_sheet"
	MethodOCRName         Method = "ocr_name"
	MethodCourseMatch     Method = "course_match"
	MethodAssignmentMatch Method = "assignment_match"
	MethodAmbiguous       Method = "ambiguous"
)

const (
	qrCodeConfidence       = 100
	coverSheetConfidence   = 98
	exactNameConfidence    = 95
	partialNameConfidence  = 70
	uniqueCourseConfidence = 85
	sharedCourseConfidence = 50

	assignmentMatchCap       = 75
	titleSimilarityThreshold = 0.7
	fuzzyNameThreshold       = 0.8

	// ConfidentThreshold is the default confidence a detection needs before
	// the pipeline treats the student as resolved.
	ConfidentThreshold = 70

	coverWindow     = 500
	coverProminence = 200
)

// Detection is the outcome of one detection attempt. The student reference is
// only reachable through Resolved, so callers have to handle the unresolved
// case explicitly.
type Detection struct {
	student    *models.Student
	Confidence float64
	Method     Method
	Reasons    []string
}

func Resolved(s *models.Student, confidence float64, method Method, reasons ...string) Detection {
	return Detection{student: s, Confidence: clamp(confidence), Method: method, Reasons: reasons}
}

func Unresolved(confidence float64, method Method, reasons ...string) Detection {
	return Detection{Confidence: clamp(confidence), Method: method, Reasons: reasons}
}

// Resolved returns the detected student, if any.
func (d Detection) Resolved() (*models.Student, bool) {
	return d.student, d.student != nil
}

// Confident reports whether the detection resolved a student at or above the
// given threshold.
func (d Detection) Confident(threshold float64) bool {
	return d.student != nil && d.Confidence >= threshold
}

// QRPayload is the decoded fiducial marker printed on generated cover sheets.
type QRPayload struct {
	StudentID string `json:"student_id"`
}

// Detector runs the detection cascade against a snapshot of the student
// directory. Build one per pipeline run so the snapshot stays fresh.
type Detector struct {
	directory repository.DirectoryRepository
	logger    zerolog.Logger
	now       func() time.Time

	students []models.Student
	courses  map[string][]models.Course // by student ID
}

func New(directory repository.DirectoryRepository, logger zerolog.Logger) *Detector {
	return &Detector{
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *Detector) loadStudents(ctx context.Context) ([]models.Student, error) {
	if d.students == nil {
		students, err := d.directory.ListStudents(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list students: %w", err)
		}
		d.students = students
	}
	return d.students, nil
}

func (d *Detector) loadCourses(ctx context.Context) (map[string][]models.Course, error) {
	if d.courses == nil {
		courses, err := d.directory.ListActiveCourses(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list courses: %w", err)
		}
		byStudent := make(map[string][]models.Course)
		for _, c := range courses {
			byStudent[c.StudentID] = append(byStudent[c.StudentID], c)
		}
		d.courses = byStudent
	}
	return d.courses, nil
}

// Detect runs the cascade. qr may be nil; rawText falls back to the parsed
// document's raw text. Detect never fails outright on ambiguity — only on
// directory errors.
func (d *Detector) Detect(ctx context.Context, parsed *parser.Document, qr *QRPayload, rawText string) (Detection, error) {
	var reasons []string

	if qr != nil {
		result, err := d.detectFromQR(ctx, qr)
		if err != nil {
			return Detection{}, err
		}
		if _, ok := result.Resolved(); ok {
			return result, nil
		}
		reasons = append(reasons, result.Reasons...)
	}

	text := rawText
	if text == "" {
		text = parsed.RawText
	}
	if text != "" {
		result, err := d.detectFromCoverSheet(ctx, text)
		if err != nil {
			return Detection{}, err
		}
		if result.Confident(ConfidentThreshold) {
			return result, nil
		}
		reasons = append(reasons, result.Reasons...)
	}

	if parsed.StudentName != "" {
		result, err := d.detectFromName(ctx, parsed.StudentName)
		if err != nil {
			return Detection{}, err
		}
		if result.Confident(ConfidentThreshold) {
			return result, nil
		}
		reasons = append(reasons, result.Reasons...)
	}

	if parsed.CourseName != "" {
		result, err := d.detectFromCourse(ctx, parsed.CourseName)
		if err != nil {
			return Detection{}, err
		}
		if result.Confident(ConfidentThreshold) {
			return result, nil
		}
		reasons = append(reasons, result.Reasons...)
	}

	if parsed.Title != "" {
		result, err := d.detectFromAssignment(ctx, parsed.Title, parsed.Date)
		if err != nil {
			return Detection{}, err
		}
		if result.Confident(ConfidentThreshold) {
			return result, nil
		}
		reasons = append(reasons, result.Reasons...)
	}

	if len(reasons) == 0 {
		reasons = []string{"no identifying information found in document"}
	}

	return Unresolved(0, MethodAmbiguous, reasons...), nil
}

func (d *Detector) detectFromQR(ctx context.Context, qr *QRPayload) (Detection, error) {
	if qr.StudentID != "" {
		student, err := d.directory.FindStudentByID(ctx, qr.StudentID)
		if err != nil {
			return Detection{}, fmt.Errorf("failed to look up student %s: %w", qr.StudentID, err)
		}
		if student != nil {
			return Resolved(student, qrCodeConfidence, MethodQRCode,
				fmt.Sprintf("QR code identified student: %s", student.Name)), nil
		}
	}
	return Unresolved(0, MethodQRCode, "QR code present but invalid student ID"), nil
}

var coverArtifacts = regexp.MustCompile(`[^\w\s]`)

func cleanCoverText(t string) string {
	return strings.Join(strings.Fields(coverArtifacts.ReplaceAllString(t, " ")), " ")
}

// detectFromCoverSheet looks for a known student's name in both the head and
// the tail of the OCR text; the cover sheet ends up at the tail when the
// scanner feeds the stack bottom-first.
func (d *Detector) detectFromCoverSheet(ctx context.Context, text string) (Detection, error) {
	students, err := d.loadStudents(ctx)
	if err != nil {
		return Detection{}, err
	}

	head := text
	if len(head) > coverWindow {
		head = head[:coverWindow]
	}
	var tail string
	if len(text) > coverWindow {
		tail = text[len(text)-coverWindow:]
	}

	headClean := cleanCoverText(strings.ToUpper(head))
	tailClean := cleanCoverText(strings.ToUpper(tail))

	var bestMatch *models.Student
	bestPosition := int(^uint(0) >> 1)
	foundAtEnd := false

	for i := range students {
		student := &students[i]
		nameUpper := strings.ToUpper(student.Name)
		firstName := strings.Fields(nameUpper)[0]

		for _, variant := range []string{firstName, nameUpper} {
			if pos := strings.Index(headClean, variant); pos >= 0 && pos < bestPosition {
				bestMatch = student
				bestPosition = pos
				foundAtEnd = false
			}
		}

		if tailClean != "" {
			for _, variant := range []string{firstName, nameUpper} {
				pos := strings.Index(tailClean, variant)
				if pos < 0 {
					continue
				}
				if pos < coverProminence && (bestPosition > coverProminence || foundAtEnd) {
					bestMatch = student
					bestPosition = pos
					foundAtEnd = true
				} else if pos < bestPosition && bestPosition > coverProminence {
					bestMatch = student
					bestPosition = pos
					foundAtEnd = true
				}
			}
		}
	}

	location := "beginning"
	if foundAtEnd {
		location = "end"
	}

	switch {
	case bestMatch != nil && bestPosition < coverProminence:
		return Resolved(bestMatch, coverSheetConfidence, MethodCoverSheet,
			fmt.Sprintf("cover sheet detected at %s: %q found at position %d", location, bestMatch.Name, bestPosition)), nil
	case bestMatch != nil:
		return Resolved(bestMatch, partialNameConfidence, MethodCoverSheet,
			fmt.Sprintf("name %q found at %s of document (position %d)", bestMatch.Name, location, bestPosition)), nil
	default:
		return Unresolved(0, MethodCoverSheet, "no student name found in first or last portion of document"), nil
	}
}

func (d *Detector) detectFromName(ctx context.Context, name string) (Detection, error) {
	students, err := d.loadStudents(ctx)
	if err != nil {
		return Detection{}, err
	}

	nameLower := strings.ToLower(strings.TrimSpace(name))
	nameParts := strings.Fields(nameLower)

	var bestMatch *models.Student
	bestConfidence := 0.0
	var reasons []string

	for i := range students {
		student := &students[i]
		studentLower := strings.ToLower(student.Name)
		studentParts := strings.Fields(studentLower)

		if nameLower == studentLower {
			return Resolved(student, exactNameConfidence, MethodOCRName,
				fmt.Sprintf("exact name match: %q = %q", name, student.Name)), nil
		}

		if len(nameParts) > 0 && len(studentParts) > 0 && nameParts[0] == studentParts[0] {
			if partialNameConfidence > bestConfidence {
				bestMatch = student
				bestConfidence = partialNameConfidence
				reasons = []string{fmt.Sprintf("first name match: %q in %q", nameParts[0], student.Name)}
			}
		}

		if len(nameParts) >= 2 && len(studentParts) >= 2 && nameParts[len(nameParts)-1] == studentParts[len(studentParts)-1] {
			if partialNameConfidence > bestConfidence {
				bestMatch = student
				bestConfidence = partialNameConfidence
				reasons = []string{fmt.Sprintf("last name match: %q in %q", nameParts[len(nameParts)-1], student.Name)}
			}
		}

		if ratio := similarity.Ratio(nameLower, studentLower); ratio > fuzzyNameThreshold {
			fuzzyConfidence := float64(int(ratio * 100))
			if fuzzyConfidence > bestConfidence {
				bestMatch = student
				bestConfidence = fuzzyConfidence
				reasons = []string{fmt.Sprintf("fuzzy name match: %q ~ %q (%.0f%%)", name, student.Name, fuzzyConfidence)}
			}
		}
	}

	if bestMatch != nil && bestConfidence >= partialNameConfidence {
		return Resolved(bestMatch, bestConfidence, MethodOCRName, reasons...), nil
	}

	if len(reasons) == 0 {
		reasons = []string{fmt.Sprintf("no student match for name: %q", name)}
	}
	return Unresolved(bestConfidence, MethodOCRName, reasons...), nil
}

func (d *Detector) detectFromCourse(ctx context.Context, courseName string) (Detection, error) {
	students, err := d.loadStudents(ctx)
	if err != nil {
		return Detection{}, err
	}
	coursesByStudent, err := d.loadCourses(ctx)
	if err != nil {
		return Detection{}, err
	}

	courseLower := strings.ToLower(strings.TrimSpace(courseName))

	type courseMatch struct {
		student *models.Student
		course  models.Course
	}
	var matches []courseMatch

	for i := range students {
		student := &students[i]
		for _, course := range coursesByStudent[student.ID] {
			known := strings.ToLower(course.Name)

			if strings.Contains(known, courseLower) || strings.Contains(courseLower, known) {
				matches = append(matches, courseMatch{student, course})
				break
			}

			if similarity.Ratio(courseLower, known) > titleSimilarityThreshold {
				matches = append(matches, courseMatch{student, course})
				break
			}
		}
	}

	switch len(matches) {
	case 0:
		return Unresolved(0, MethodCourseMatch, fmt.Sprintf("no course match for: %q", courseName)), nil
	case 1:
		m := matches[0]
		return Resolved(m.student, uniqueCourseConfidence, MethodCourseMatch,
			fmt.Sprintf("unique course match: %q -> %s's %q", courseName, m.student.Name, m.course.Name)), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.student.Name
		}
		return Unresolved(sharedCourseConfidence, MethodCourseMatch,
			fmt.Sprintf("course %q shared by: %s", courseName, strings.Join(names, ", "))), nil
	}
}

func (d *Detector) detectFromAssignment(ctx context.Context, title string, date *time.Time) (Detection, error) {
	var from, to time.Time
	if date != nil {
		from = date.AddDate(0, 0, -14)
		to = date.AddDate(0, 0, 14)
	} else {
		to = d.now().AddDate(0, 0, 1)
		from = d.now().AddDate(0, 0, -60)
	}

	assignments, err := d.directory.ListAssignmentsDueBetween(ctx, from, to)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to list assignments: %w", err)
	}

	titleLower := strings.ToLower(strings.TrimSpace(title))

	var best *models.AssignmentWithCourse
	bestSimilarity := 0.0

	for i := range assignments {
		ratio := similarity.Ratio(titleLower, strings.ToLower(assignments[i].Name))
		if ratio > bestSimilarity {
			bestSimilarity = ratio
			best = &assignments[i]
		}
	}

	if best != nil && bestSimilarity >= titleSimilarityThreshold {
		student, err := d.directory.FindStudentByID(ctx, best.CourseStudentID)
		if err != nil {
			return Detection{}, fmt.Errorf("failed to look up student %s: %w", best.CourseStudentID, err)
		}
		if student != nil {
			confidence := float64(int(bestSimilarity * assignmentMatchCap))
			return Resolved(student, confidence, MethodAssignmentMatch,
				fmt.Sprintf("assignment title match: %q ~ %q (%.0f%%)", title, best.Name, bestSimilarity*100),
				fmt.Sprintf("belongs to %s", student.Name)), nil
		}
	}

	return Unresolved(0, MethodAssignmentMatch, fmt.Sprintf("no assignment match for title: %q", title)), nil
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
