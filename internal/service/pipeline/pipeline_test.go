package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
	"github.com/scanbridge/gradescan/internal/repository"
	"github.com/scanbridge/gradescan/internal/service/integration"
	"github.com/scanbridge/gradescan/internal/service/matcher"
	"github.com/scanbridge/gradescan/internal/service/storage"
	"github.com/scanbridge/gradescan/pkg/hash"
)

type fakeDocuments struct {
	inserted []*models.ScannedDocument
	byID     map[string]*models.ScannedDocument
	byDigest map[string]*models.ScannedDocument

	raceOnInsert  bool
	raceTriggered bool
	raceWinner    *models.ScannedDocument

	assigned []string
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		byID:     make(map[string]*models.ScannedDocument),
		byDigest: make(map[string]*models.ScannedDocument),
	}
}

func (f *fakeDocuments) Insert(ctx context.Context, doc *models.ScannedDocument) error {
	if f.raceOnInsert && !f.raceTriggered && doc.Digest != nil {
		f.raceTriggered = true
		f.byDigest[*doc.Digest] = f.raceWinner
		return repository.ErrDuplicateDigest
	}
	if doc.Digest != nil {
		if _, exists := f.byDigest[*doc.Digest]; exists {
			return repository.ErrDuplicateDigest
		}
		f.byDigest[*doc.Digest] = doc
	}
	f.inserted = append(f.inserted, doc)
	f.byID[doc.ID] = doc
	return nil
}

func (f *fakeDocuments) InsertDuplicate(ctx context.Context, doc *models.ScannedDocument) error {
	doc.Digest = nil
	doc.Status = models.StatusDuplicate
	return f.Insert(ctx, doc)
}

func (f *fakeDocuments) FindByDigest(ctx context.Context, digest string) (*models.ScannedDocument, error) {
	return f.byDigest[digest], nil
}

func (f *fakeDocuments) FindByID(ctx context.Context, id string) (*models.ScannedDocument, error) {
	return f.byID[id], nil
}

func (f *fakeDocuments) ListPending(ctx context.Context) ([]models.ScannedDocument, error) {
	var docs []models.ScannedDocument
	for _, d := range f.byID {
		if d.Status == models.StatusPending {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

func (f *fakeDocuments) AssignStudent(ctx context.Context, id, studentID string, assignmentID *string, matchConfidence float64, matchMethod string) error {
	doc, ok := f.byID[id]
	if !ok || doc.Status != models.StatusPending {
		return errors.New("document is not pending")
	}
	doc.StudentID = &studentID
	doc.AssignmentID = assignmentID
	doc.MatchConfidence = matchConfidence
	doc.MatchMethod = matchMethod
	doc.Status = models.StatusProcessed
	f.assigned = append(f.assigned, id)
	return nil
}

type fakeDirectory struct {
	students    []models.Student
	courses     []models.Course
	assignments []models.AssignmentWithCourse
}

func (f *fakeDirectory) FindStudentByID(ctx context.Context, id string) (*models.Student, error) {
	for i := range f.students {
		if f.students[i].ID == id {
			return &f.students[i], nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) ListStudents(ctx context.Context) ([]models.Student, error) {
	return f.students, nil
}

func (f *fakeDirectory) ListActiveCourses(ctx context.Context) ([]models.Course, error) {
	return f.courses, nil
}

func (f *fakeDirectory) ListAssignmentsByStudent(ctx context.Context, studentID string, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	var out []models.AssignmentWithCourse
	for _, a := range f.assignments {
		if a.CourseStudentID != studentID || a.DueAt == nil {
			continue
		}
		if a.DueAt.Before(from) || a.DueAt.After(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeDirectory) ListAssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	var out []models.AssignmentWithCourse
	for _, a := range f.assignments {
		if a.DueAt == nil || a.DueAt.Before(from) || a.DueAt.After(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type fakeSource struct {
	files   []storage.File
	content map[string][]byte
	moves   map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		content: make(map[string][]byte),
		moves:   make(map[string]string),
	}
}

func (f *fakeSource) add(id, name, mimeType string, content []byte) {
	f.files = append(f.files, storage.File{
		ID:       id,
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(content)),
	})
	f.content[id] = content
}

func (f *fakeSource) Name() string { return "test" }

func (f *fakeSource) ListNew(ctx context.Context) ([]storage.File, error) {
	return f.files, nil
}

func (f *fakeSource) Download(ctx context.Context, id string) ([]byte, error) {
	content, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("no such file %s", id)
	}
	return content, nil
}

func (f *fakeSource) Move(ctx context.Context, id, folder string) (string, error) {
	f.moves[id] = folder
	return folder + "/" + id, nil
}

func (f *fakeSource) EnsureFolder(ctx context.Context, folder string) error {
	return nil
}

type fakeOCR struct {
	texts map[string]string
	fail  map[string]string
	calls int
}

func (f *fakeOCR) Process(ctx context.Context, content []byte, fileName, mimeType string) *integration.OCRResult {
	f.calls++
	if reason, ok := f.fail[fileName]; ok {
		return &integration.OCRResult{FileName: fileName, MimeType: mimeType, Error: reason}
	}
	text := f.texts[fileName]
	return &integration.OCRResult{
		FileName:   fileName,
		MimeType:   mimeType,
		Pages:      []integration.OCRPage{{PageNumber: 1, Text: text, Markdown: text}},
		TotalPages: 1,
		Success:    true,
	}
}

type fakeNotifier struct {
	pending []string
}

func (f *fakeNotifier) NotifyPending(ctx context.Context, doc *models.ScannedDocument, reasons []string, candidates []models.Student) error {
	f.pending = append(f.pending, doc.ID)
	return nil
}

func (f *fakeNotifier) Close() error { return nil }

func testDirectory() *fakeDirectory {
	due := time.Now().AddDate(0, 0, -3)
	return &fakeDirectory{
		students: []models.Student{
			{ID: "stu-1", Name: "Emma Johnson"},
			{ID: "stu-2", Name: "Liam Smith"},
		},
		courses: []models.Course{
			{ID: "crs-1", StudentID: "stu-1", Name: "Mathematics 6", IsActive: true},
			{ID: "crs-2", StudentID: "stu-2", Name: "Science 4", IsActive: true},
		},
		assignments: []models.AssignmentWithCourse{
			{
				Assignment:      models.Assignment{ID: "asn-1", CourseID: "crs-1", Name: "Chapter 5 Quiz", DueAt: &due},
				CourseName:      "Mathematics 6",
				CourseStudentID: "stu-1",
			},
		},
	}
}

func newTestPipeline(docs *fakeDocuments, dir *fakeDirectory, src *fakeSource, ocr *fakeOCR, notifier integration.Notifier) *Pipeline {
	return New(docs, dir, src, ocr, notifier, hash.NewDigester(hash.SHA256), Config{
		ConfidenceThreshold: 70,
		Matcher:             matcher.DefaultConfig(),
		Folders:             Folders{Pending: "Pending", Duplicates: "Duplicates", Failed: "Failed"},
	}, zerolog.Nop())
}

func TestRunProcessesResolvedDocument(t *testing.T) {
	docs := newFakeDocuments()
	src := newFakeSource()
	src.add("Inbox/quiz.png", "quiz.png", "image/png", []byte("scan bytes"))

	due := time.Now().AddDate(0, 0, -3)
	text := fmt.Sprintf("Name: Emma Johnson\nChapter 5 Quiz\nDate: %s\nScore: 42/50", due.Format("01/02/2006"))
	ocr := &fakeOCR{texts: map[string]string{"quiz.png": text}}

	p := newTestPipeline(docs, testDirectory(), src, ocr, &fakeNotifier{})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Processed != 1 || summary.Pending != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(docs.inserted) != 1 {
		t.Fatalf("expected 1 record, got %d", len(docs.inserted))
	}

	doc := docs.inserted[0]
	if doc.Status != models.StatusProcessed {
		t.Errorf("expected processed, got %s", doc.Status)
	}
	if doc.StudentID == nil || *doc.StudentID != "stu-1" {
		t.Errorf("expected student stu-1, got %v", doc.StudentID)
	}
	if doc.AssignmentID == nil || *doc.AssignmentID != "asn-1" {
		t.Errorf("expected assignment asn-1, got %v", doc.AssignmentID)
	}
	if doc.DetectedScore == nil || *doc.DetectedScore != 42 {
		t.Errorf("expected detected score 42, got %v", doc.DetectedScore)
	}
	if doc.DetectedMaxScore == nil || *doc.DetectedMaxScore != 50 {
		t.Errorf("expected max score 50, got %v", doc.DetectedMaxScore)
	}
	if doc.Digest == nil {
		t.Error("processed record must keep its digest")
	}
	if folder := src.moves["Inbox/quiz.png"]; folder != "Emma" {
		t.Errorf("expected move to student folder, got %q", folder)
	}
}

func TestRunSuppressesDuplicateWithoutSecondOCR(t *testing.T) {
	docs := newFakeDocuments()
	dir := testDirectory()
	ocr := &fakeOCR{texts: map[string]string{
		"quiz.png":      "Name: Emma Johnson\nChapter 5 Quiz",
		"quiz-copy.png": "Name: Emma Johnson\nChapter 5 Quiz",
	}}

	src := newFakeSource()
	src.add("Inbox/quiz.png", "quiz.png", "image/png", []byte("same bytes"))

	p := newTestPipeline(docs, dir, src, ocr, &fakeNotifier{})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	originalID := docs.inserted[0].ID
	callsAfterFirst := ocr.calls

	src.files = nil
	src.add("Inbox/quiz-copy.png", "quiz-copy.png", "image/png", []byte("same bytes"))

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if summary.Duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %+v", summary)
	}
	if ocr.calls != callsAfterFirst {
		t.Errorf("duplicate must not reach OCR: %d calls after first run, %d now", callsAfterFirst, ocr.calls)
	}

	dup := docs.inserted[len(docs.inserted)-1]
	if dup.Status != models.StatusDuplicate {
		t.Errorf("expected duplicate status, got %s", dup.Status)
	}
	if dup.Digest != nil {
		t.Error("duplicate record must not carry the digest")
	}
	if dup.DuplicateOf == nil || *dup.DuplicateOf != originalID {
		t.Errorf("expected reference to %s, got %v", originalID, dup.DuplicateOf)
	}
	if folder := src.moves["Inbox/quiz-copy.png"]; folder != "Duplicates" {
		t.Errorf("expected move to Duplicates, got %q", folder)
	}
}

func TestRunRecordsOCRFailure(t *testing.T) {
	docs := newFakeDocuments()
	src := newFakeSource()
	src.add("Inbox/blurry.png", "blurry.png", "image/png", []byte("noise"))

	// Provider errors carry the response body and easily run past any short
	// varchar column, so the full text must land in the failure reason.
	reason := `OCR provider returned status 500: {"error":"internal server error","request_id":"req-01HXYZ1234567890"}`
	ocr := &fakeOCR{fail: map[string]string{"blurry.png": reason}}

	p := newTestPipeline(docs, testDirectory(), src, ocr, &fakeNotifier{})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", summary)
	}

	doc := docs.inserted[0]
	if doc.Status != models.StatusFailed {
		t.Errorf("expected failed status, got %s", doc.Status)
	}
	if doc.FailureReason == nil || *doc.FailureReason != reason {
		t.Errorf("expected full failure reason recorded, got %v", doc.FailureReason)
	}
	if doc.DetectionMethod != "" {
		t.Errorf("method fields hold tags only, got %q", doc.DetectionMethod)
	}
	if folder := src.moves["Inbox/blurry.png"]; folder != "Failed" {
		t.Errorf("expected move to Failed, got %q", folder)
	}
}

func TestRunRecordsScoreDiscrepancy(t *testing.T) {
	docs := newFakeDocuments()
	dir := testDirectory()
	directoryScore := 45.0
	dir.assignments[0].Score = &directoryScore

	src := newFakeSource()
	src.add("Inbox/quiz.png", "quiz.png", "image/png", []byte("scan bytes"))

	due := *dir.assignments[0].DueAt
	text := fmt.Sprintf("Name: Emma Johnson\nChapter 5 Quiz\nDate: %s\nScore: 42/50", due.Format("01/02/2006"))
	ocr := &fakeOCR{texts: map[string]string{"quiz.png": text}}

	p := newTestPipeline(docs, dir, src, ocr, &fakeNotifier{})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	doc := docs.inserted[0]
	if doc.AssignmentID == nil || *doc.AssignmentID != "asn-1" {
		t.Fatalf("expected confident match on asn-1, got %v", doc.AssignmentID)
	}
	if doc.DirectoryScore == nil || *doc.DirectoryScore != 45 {
		t.Errorf("expected directory score 45, got %v", doc.DirectoryScore)
	}
	if doc.ScoreDiscrepancy == nil || *doc.ScoreDiscrepancy != -3 {
		t.Errorf("expected discrepancy -3, got %v", doc.ScoreDiscrepancy)
	}
}

func TestRunParksAmbiguousDocumentAsPending(t *testing.T) {
	docs := newFakeDocuments()
	src := newFakeSource()
	src.add("Inbox/mystery.png", "mystery.png", "image/png", []byte("unknown"))
	ocr := &fakeOCR{texts: map[string]string{"mystery.png": "some worksheet with no names on it"}}
	notifier := &fakeNotifier{}

	p := newTestPipeline(docs, testDirectory(), src, ocr, notifier)
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Pending != 1 {
		t.Fatalf("expected 1 pending, got %+v", summary)
	}
	doc := docs.inserted[0]
	if doc.Status != models.StatusPending {
		t.Errorf("expected pending status, got %s", doc.Status)
	}
	if doc.StudentID != nil {
		t.Error("pending document must not have a student")
	}
	if len(notifier.pending) != 1 || notifier.pending[0] != doc.ID {
		t.Errorf("expected notification for %s, got %v", doc.ID, notifier.pending)
	}
	if folder := src.moves["Inbox/mystery.png"]; folder != "Pending" {
		t.Errorf("expected move to Pending, got %q", folder)
	}
}

func TestRunResolvesInsertRaceAsDuplicate(t *testing.T) {
	docs := newFakeDocuments()
	winner := &models.ScannedDocument{ID: "winner-id", Status: models.StatusProcessed}
	docs.raceOnInsert = true
	docs.raceWinner = winner

	src := newFakeSource()
	src.add("Inbox/quiz.png", "quiz.png", "image/png", []byte("raced bytes"))
	ocr := &fakeOCR{texts: map[string]string{"quiz.png": "Name: Emma Johnson\nChapter 5 Quiz"}}

	p := newTestPipeline(docs, testDirectory(), src, ocr, &fakeNotifier{})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Duplicates != 1 {
		t.Fatalf("expected race to resolve as duplicate, got %+v", summary)
	}
	dup := docs.inserted[len(docs.inserted)-1]
	if dup.DuplicateOf == nil || *dup.DuplicateOf != "winner-id" {
		t.Errorf("expected reference to race winner, got %v", dup.DuplicateOf)
	}
}

func TestRunDetectsViaQRPayload(t *testing.T) {
	docs := newFakeDocuments()
	src := newFakeSource()
	src.add("Inbox/cover.png", "cover.png", "image/png", []byte("cover bytes"))
	ocr := &fakeOCR{texts: map[string]string{"cover.png": "GRADESCAN:v1:stu-2\nsome unreadable scribbles"}}

	p := newTestPipeline(docs, testDirectory(), src, ocr, &fakeNotifier{})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	doc := docs.inserted[0]
	if doc.StudentID == nil || *doc.StudentID != "stu-2" {
		t.Fatalf("expected QR payload to resolve stu-2, got %v", doc.StudentID)
	}
	if doc.DetectionMethod != "qr_code" {
		t.Errorf("expected qr_code method, got %s", doc.DetectionMethod)
	}
	if doc.DetectionConfidence != 100 {
		t.Errorf("expected confidence 100, got %f", doc.DetectionConfidence)
	}
}

func TestRunContinuesAfterPerFileError(t *testing.T) {
	docs := newFakeDocuments()
	src := newFakeSource()
	src.files = append(src.files, storage.File{ID: "Inbox/ghost.png", Name: "ghost.png", MimeType: "image/png"})
	src.add("Inbox/quiz.png", "quiz.png", "image/png", []byte("scan bytes"))
	ocr := &fakeOCR{texts: map[string]string{"quiz.png": "Name: Emma Johnson\nChapter 5 Quiz"}}

	p := newTestPipeline(docs, testDirectory(), src, ocr, &fakeNotifier{})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run must not abort on a single bad file: %v", err)
	}

	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "ghost.png") {
		t.Errorf("expected one recorded error for ghost.png, got %v", summary.Errors)
	}
	if summary.Processed != 1 {
		t.Errorf("expected the healthy file to process, got %+v", summary)
	}
}

func TestCompleteManualAssignsPendingDocument(t *testing.T) {
	docs := newFakeDocuments()
	dir := testDirectory()

	title := "Chapter 5 Quiz"
	due := *dir.assignments[0].DueAt
	pending := &models.ScannedDocument{
		ID:            "doc-1",
		FileName:      "mystery.png",
		Status:        models.StatusPending,
		DetectedTitle: &title,
		DetectedDate:  &due,
	}
	docs.byID[pending.ID] = pending

	src := newFakeSource()
	p := newTestPipeline(docs, dir, src, &fakeOCR{}, &fakeNotifier{})

	if err := p.CompleteManual(context.Background(), "doc-1", "stu-1"); err != nil {
		t.Fatalf("manual assignment failed: %v", err)
	}

	if pending.Status != models.StatusProcessed {
		t.Errorf("expected processed, got %s", pending.Status)
	}
	if pending.StudentID == nil || *pending.StudentID != "stu-1" {
		t.Errorf("expected student stu-1, got %v", pending.StudentID)
	}
	if pending.AssignmentID == nil || *pending.AssignmentID != "asn-1" {
		t.Errorf("expected re-matched assignment, got %v", pending.AssignmentID)
	}
	if pending.MatchMethod != string(matcher.MethodManual) {
		t.Errorf("expected manual method, got %s", pending.MatchMethod)
	}
	if folder := src.moves["Pending/mystery.png"]; folder != "Emma" {
		t.Errorf("expected move to student folder, got %q", folder)
	}
}

func TestCompleteManualRejectsUnknownDocument(t *testing.T) {
	p := newTestPipeline(newFakeDocuments(), testDirectory(), newFakeSource(), &fakeOCR{}, &fakeNotifier{})

	if err := p.CompleteManual(context.Background(), "missing", "stu-1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCompleteManualRejectsUnknownStudent(t *testing.T) {
	docs := newFakeDocuments()
	docs.byID["doc-1"] = &models.ScannedDocument{ID: "doc-1", Status: models.StatusPending}

	p := newTestPipeline(docs, testDirectory(), newFakeSource(), &fakeOCR{}, &fakeNotifier{})

	if err := p.CompleteManual(context.Background(), "doc-1", "nobody"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("expected ErrStudentNotFound, got %v", err)
	}
}

func TestCompleteManualRejectsNonPendingDocument(t *testing.T) {
	docs := newFakeDocuments()
	docs.byID["doc-1"] = &models.ScannedDocument{ID: "doc-1", Status: models.StatusProcessed}

	p := newTestPipeline(docs, testDirectory(), newFakeSource(), &fakeOCR{}, &fakeNotifier{})

	if err := p.CompleteManual(context.Background(), "doc-1", "stu-1"); err == nil {
		t.Fatal("expected error for non-pending document")
	}
}
