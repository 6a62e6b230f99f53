// Package pipeline orchestrates one ingestion run: list new scans, dedupe by
// content digest, OCR, parse, detect the student, match the assignment, and
// file the scan under its final folder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
	"github.com/scanbridge/gradescan/internal/repository"
	"github.com/scanbridge/gradescan/internal/service/detector"
	"github.com/scanbridge/gradescan/internal/service/integration"
	"github.com/scanbridge/gradescan/internal/service/matcher"
	"github.com/scanbridge/gradescan/internal/service/parser"
	"github.com/scanbridge/gradescan/internal/service/storage"
	"github.com/scanbridge/gradescan/pkg/hash"
)

// Folders groups the destinations a scan can be filed under after a run.
// Resolved documents go into a per-student folder named after the student's
// first name instead.
type Folders struct {
	Pending    string
	Duplicates string
	Failed     string
}

type Config struct {
	ConfidenceThreshold float64
	Matcher             matcher.Config
	Folders             Folders
}

// Summary is the per-run tally. Errors holds per-file failures that did not
// produce a document record, such as download errors.
type Summary struct {
	Total      int      `json:"total"`
	Processed  int      `json:"processed"`
	Pending    int      `json:"pending"`
	Failed     int      `json:"failed"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

// Lookup failures during manual completion, distinguished from state
// conflicts so the delivery layer can map them to the right responses.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrStudentNotFound  = errors.New("student not found")
)

type Pipeline struct {
	documents repository.DocumentRepository
	directory repository.DirectoryRepository
	source    storage.FileSource
	ocr       integration.OCRClient
	notifier  integration.Notifier
	digester  hash.Digester
	parser    *parser.Parser
	config    Config
	logger    zerolog.Logger
	now       func() time.Time
}

func New(
	documents repository.DocumentRepository,
	directory repository.DirectoryRepository,
	source storage.FileSource,
	ocr integration.OCRClient,
	notifier integration.Notifier,
	digester hash.Digester,
	cfg Config,
	logger zerolog.Logger,
) *Pipeline {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = detector.ConfidentThreshold
	}
	if cfg.Folders.Pending == "" {
		cfg.Folders.Pending = "Pending"
	}
	if cfg.Folders.Duplicates == "" {
		cfg.Folders.Duplicates = "Duplicates"
	}
	if cfg.Folders.Failed == "" {
		cfg.Folders.Failed = "Failed"
	}
	return &Pipeline{
		documents: documents,
		directory: directory,
		source:    source,
		ocr:       ocr,
		notifier:  notifier,
		digester:  digester,
		parser:    parser.New(),
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run processes every file currently in the inbox. A failure on one file is
// recorded and the run moves on; only listing failures and context
// cancellation abort the batch.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	files, err := p.source.ListNew(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list new files: %w", err)
	}

	summary := &Summary{Total: len(files)}
	if len(files) == 0 {
		return summary, nil
	}

	p.logger.Info().Int("files", len(files)).Msg("Starting pipeline run")

	// One detector per run so every file in the batch sees the same
	// directory snapshot.
	det := detector.New(p.directory, p.logger)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		status, err := p.processFile(ctx, det, file)
		if err != nil {
			p.logger.Error().Err(err).Str("file", file.Name).Msg("Failed to process file")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", file.Name, err))
			continue
		}

		switch status {
		case models.StatusProcessed:
			summary.Processed++
		case models.StatusPending:
			summary.Pending++
		case models.StatusFailed:
			summary.Failed++
		case models.StatusDuplicate:
			summary.Duplicates++
		}
	}

	p.logger.Info().
		Int("processed", summary.Processed).
		Int("pending", summary.Pending).
		Int("failed", summary.Failed).
		Int("duplicates", summary.Duplicates).
		Int("errors", len(summary.Errors)).
		Msg("Pipeline run complete")

	return summary, nil
}

func (p *Pipeline) processFile(ctx context.Context, det *detector.Detector, file storage.File) (models.DocumentStatus, error) {
	content, err := p.source.Download(ctx, file.ID)
	if err != nil {
		return "", fmt.Errorf("failed to download: %w", err)
	}

	digest, err := p.digester.Calculate(content)
	if err != nil {
		return "", fmt.Errorf("failed to calculate digest: %w", err)
	}

	doc := p.newDocument(file, digest)

	// Dedup before OCR: a byte-identical scan never reaches the provider.
	original, err := p.documents.FindByDigest(ctx, digest)
	if err != nil {
		return "", fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if original != nil {
		return p.recordDuplicate(ctx, doc, original.ID)
	}

	ocrResult := p.ocr.Process(ctx, content, file.Name, file.MimeType)
	if !ocrResult.Success {
		return p.recordFailed(ctx, doc, ocrResult.Error)
	}
	doc.OCRText = ocrResult.FullText()
	doc.OCRMarkdown = ocrResult.FullMarkdown()

	parsed := p.parser.Parse(doc.OCRText)
	p.fillParsed(doc, parsed)

	detection, err := det.Detect(ctx, parsed, extractQRPayload(doc.OCRText), doc.OCRText)
	if err != nil {
		return "", fmt.Errorf("detection failed: %w", err)
	}
	doc.DetectionConfidence = detection.Confidence
	doc.DetectionMethod = string(detection.Method)

	student, ok := detection.Resolved()
	if !ok || !detection.Confident(p.config.ConfidenceThreshold) {
		return p.recordPending(ctx, doc, detection.Reasons)
	}

	doc.StudentID = &student.ID

	match, err := matcher.New(p.directory, p.config.Matcher, p.logger).FindMatch(ctx, parsed, student.ID)
	if err != nil {
		return "", fmt.Errorf("matching failed: %w", err)
	}
	if assignment, ok := match.Matched(); ok && match.Confident() {
		doc.AssignmentID = &assignment.ID
		doc.MatchConfidence = match.Confidence
		doc.MatchMethod = string(match.Method)
		p.fillDiscrepancy(doc, assignment)
	} else {
		doc.MatchMethod = string(matcher.MethodNone)
	}

	doc.Status = models.StatusProcessed
	if err := p.insert(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrDuplicateDigest) {
			// Lost an insert race over the same content. Reinterpret as a
			// duplicate of whichever record won.
			winner, ferr := p.documents.FindByDigest(ctx, *doc.Digest)
			if ferr != nil || winner == nil {
				return "", fmt.Errorf("failed to resolve duplicate winner: %w", ferr)
			}
			return p.recordDuplicate(ctx, doc, winner.ID)
		}
		return "", err
	}

	p.moveTo(ctx, file.ID, student.FirstName())

	p.logger.Info().
		Str("document_id", doc.ID).
		Str("student", student.Name).
		Str("detection_method", doc.DetectionMethod).
		Float64("detection_confidence", doc.DetectionConfidence).
		Msg("Document processed")

	return models.StatusProcessed, nil
}

func (p *Pipeline) newDocument(file storage.File, digest string) *models.ScannedDocument {
	now := p.now()
	return &models.ScannedDocument{
		ID:        uuid.New().String(),
		FileName:  file.Name,
		FileSize:  file.Size,
		MimeType:  file.MimeType,
		Source:    p.source.Name(),
		SourceID:  file.ID,
		Digest:    &digest,
		ScanDate:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *Pipeline) fillParsed(doc *models.ScannedDocument, parsed *parser.Document) {
	if parsed.Title != "" {
		title := parsed.Title
		doc.DetectedTitle = &title
	}
	doc.DetectedDate = parsed.Date
	if parsed.Score != nil {
		earned := parsed.Score.Earned
		doc.DetectedScore = &earned
		if parsed.Score.Possible > 0 {
			possible := parsed.Score.Possible
			doc.DetectedMaxScore = &possible
		}
		if parsed.Score.LetterGrade != "" {
			letter := parsed.Score.LetterGrade
			doc.DetectedLetter = &letter
		}
	}
}

// fillDiscrepancy compares the detected score against the score the directory
// already holds for the matched assignment.
func (p *Pipeline) fillDiscrepancy(doc *models.ScannedDocument, assignment *models.AssignmentWithCourse) {
	if assignment.Score == nil || doc.DetectedScore == nil {
		return
	}
	directory := *assignment.Score
	discrepancy := *doc.DetectedScore - directory
	doc.DirectoryScore = &directory
	doc.ScoreDiscrepancy = &discrepancy
}

func (p *Pipeline) recordDuplicate(ctx context.Context, doc *models.ScannedDocument, originalID string) (models.DocumentStatus, error) {
	doc.DuplicateOf = &originalID
	if err := p.documents.InsertDuplicate(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to record duplicate: %w", err)
	}

	p.moveTo(ctx, doc.SourceID, p.config.Folders.Duplicates)

	p.logger.Info().
		Str("document_id", doc.ID).
		Str("duplicate_of", originalID).
		Str("file", doc.FileName).
		Msg("Duplicate scan suppressed")

	return models.StatusDuplicate, nil
}

func (p *Pipeline) recordFailed(ctx context.Context, doc *models.ScannedDocument, reason string) (models.DocumentStatus, error) {
	doc.Status = models.StatusFailed
	doc.FailureReason = &reason
	if err := p.insert(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to record failure: %w", err)
	}

	p.moveTo(ctx, doc.SourceID, p.config.Folders.Failed)

	p.logger.Warn().
		Str("document_id", doc.ID).
		Str("file", doc.FileName).
		Str("reason", reason).
		Msg("Document failed")

	return models.StatusFailed, nil
}

func (p *Pipeline) recordPending(ctx context.Context, doc *models.ScannedDocument, reasons []string) (models.DocumentStatus, error) {
	doc.Status = models.StatusPending
	if err := p.insert(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to record pending document: %w", err)
	}

	p.moveTo(ctx, doc.SourceID, p.config.Folders.Pending)

	p.logger.Info().
		Str("document_id", doc.ID).
		Str("file", doc.FileName).
		Strs("reasons", reasons).
		Msg("Document needs manual assignment")

	// Notification is best-effort; a broker outage never fails the document.
	candidates, err := p.directory.ListStudents(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to list notification candidates")
		candidates = nil
	}
	if err := p.notifier.NotifyPending(ctx, doc, reasons, candidates); err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Failed to publish notification")
	}

	return models.StatusPending, nil
}

func (p *Pipeline) insert(ctx context.Context, doc *models.ScannedDocument) error {
	doc.UpdatedAt = p.now()
	return p.documents.Insert(ctx, doc)
}

// moveTo relocates the file best-effort; a stuck file in the inbox will just
// dedupe on the next run.
func (p *Pipeline) moveTo(ctx context.Context, sourceID, folder string) {
	if _, err := p.source.Move(ctx, sourceID, folder); err != nil {
		p.logger.Warn().Err(err).Str("source_id", sourceID).Str("folder", folder).Msg("Failed to move file")
	}
}

// CompleteManual finishes a pending document with a human-chosen student,
// re-running the assignment matcher now that the student is known. The only
// legal transition is pending -> processed.
func (p *Pipeline) CompleteManual(ctx context.Context, documentID, studentID string) error {
	doc, err := p.documents.FindByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	student, err := p.directory.FindStudentByID(ctx, studentID)
	if err != nil {
		return fmt.Errorf("failed to load student: %w", err)
	}
	if student == nil {
		return fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}

	parsed := &parser.Document{Date: doc.DetectedDate}
	if doc.DetectedTitle != nil {
		parsed.Title = *doc.DetectedTitle
	}

	var assignmentID *string
	confidence := 0.0
	match, err := matcher.New(p.directory, p.config.Matcher, p.logger).FindMatch(ctx, parsed, studentID)
	if err != nil {
		return fmt.Errorf("matching failed: %w", err)
	}
	if assignment, ok := match.Matched(); ok && match.Confident() {
		assignmentID = &assignment.ID
		confidence = match.Confidence
	}

	err = p.documents.AssignStudent(ctx, documentID, studentID, assignmentID, confidence, string(matcher.MethodManual))
	if err != nil {
		return fmt.Errorf("failed to assign student: %w", err)
	}

	p.moveTo(ctx, p.config.Folders.Pending+"/"+doc.FileName, student.FirstName())

	p.logger.Info().
		Str("document_id", documentID).
		Str("student", student.Name).
		Msg("Manual assignment complete")

	return nil
}

// Cover sheets carry their payload both as a QR code and as a plain text
// line, so the OCR text alone is enough to recover the student ID.
var qrPayloadPattern = regexp.MustCompile(`(?im)gradescan:v1:([\w-]+)`)

func extractQRPayload(text string) *detector.QRPayload {
	m := qrPayloadPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &detector.QRPayload{StudentID: strings.TrimSpace(m[1])}
}
