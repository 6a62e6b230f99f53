package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
)

// ErrDuplicateDigest is returned by Insert when another record already holds
// the same content digest. Two pipeline instances racing over byte-identical
// content both funnel into this error; the loser records a duplicate outcome
// instead of propagating a write conflict.
var ErrDuplicateDigest = errors.New("document with this digest already exists")

type DocumentRepository interface {
	Insert(ctx context.Context, doc *models.ScannedDocument) error
	InsertDuplicate(ctx context.Context, doc *models.ScannedDocument) error
	FindByDigest(ctx context.Context, digest string) (*models.ScannedDocument, error)
	FindByID(ctx context.Context, id string) (*models.ScannedDocument, error)
	ListPending(ctx context.Context) ([]models.ScannedDocument, error)
	AssignStudent(ctx context.Context, id, studentID string, assignmentID *string, matchConfidence float64, matchMethod string) error
}

type documentRepository struct {
	*PostgresRepository
}

func NewDocumentRepository(db *sql.DB, logger zerolog.Logger) DocumentRepository {
	return &documentRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

const documentColumns = `
	id, student_id, assignment_id,
	file_name, file_size, mime_type, source, source_id,
	digest, duplicate_of, status, failure_reason,
	ocr_text, ocr_markdown,
	detected_title, detected_date, detected_score, detected_max_score, detected_letter,
	detection_confidence, detection_method,
	match_confidence, match_method,
	directory_score, score_discrepancy,
	scan_date, created_at, updated_at
`

func (r *documentRepository) Insert(ctx context.Context, doc *models.ScannedDocument) error {
	query := `
		INSERT INTO scanned_documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`

	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.StudentID, doc.AssignmentID,
		doc.FileName, doc.FileSize, doc.MimeType, doc.Source, doc.SourceID,
		doc.Digest, doc.DuplicateOf, doc.Status, doc.FailureReason,
		doc.OCRText, doc.OCRMarkdown,
		doc.DetectedTitle, doc.DetectedDate, doc.DetectedScore, doc.DetectedMaxScore, doc.DetectedLetter,
		doc.DetectionConfidence, doc.DetectionMethod,
		doc.MatchConfidence, doc.MatchMethod,
		doc.DirectoryScore, doc.ScoreDiscrepancy,
		doc.ScanDate, doc.CreatedAt, doc.UpdatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateDigest
	}

	return err
}

// InsertDuplicate records a duplicate outcome. The row never carries the
// digest itself, only the back-reference to the original record.
func (r *documentRepository) InsertDuplicate(ctx context.Context, doc *models.ScannedDocument) error {
	doc.Digest = nil
	doc.Status = models.StatusDuplicate
	return r.Insert(ctx, doc)
}

func (r *documentRepository) FindByDigest(ctx context.Context, digest string) (*models.ScannedDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM scanned_documents WHERE digest = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, digest))
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*models.ScannedDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM scanned_documents WHERE id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *documentRepository) ListPending(ctx context.Context) ([]models.ScannedDocument, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM scanned_documents
		WHERE status = 'pending'
		ORDER BY scan_date DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.ScannedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}

	return docs, rows.Err()
}

// AssignStudent completes a pending record out-of-band: the manual assignment
// action supplies the student, optionally with a re-matched assignment. The
// only legal transition here is pending -> processed.
func (r *documentRepository) AssignStudent(ctx context.Context, id, studentID string, assignmentID *string, matchConfidence float64, matchMethod string) error {
	query := `
		UPDATE scanned_documents
		SET student_id = $1,
		    assignment_id = $2,
		    match_confidence = $3,
		    match_method = $4,
		    status = 'processed',
		    updated_at = $5
		WHERE id = $6 AND status = 'pending'
	`

	res, err := r.db.ExecContext(ctx, query, studentID, assignmentID, matchConfidence, matchMethod, time.Now(), id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("document is not pending")
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *documentRepository) scanOne(row *sql.Row) (*models.ScannedDocument, error) {
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func scanDocument(row rowScanner) (*models.ScannedDocument, error) {
	doc := &models.ScannedDocument{}
	err := row.Scan(
		&doc.ID, &doc.StudentID, &doc.AssignmentID,
		&doc.FileName, &doc.FileSize, &doc.MimeType, &doc.Source, &doc.SourceID,
		&doc.Digest, &doc.DuplicateOf, &doc.Status, &doc.FailureReason,
		&doc.OCRText, &doc.OCRMarkdown,
		&doc.DetectedTitle, &doc.DetectedDate, &doc.DetectedScore, &doc.DetectedMaxScore, &doc.DetectedLetter,
		&doc.DetectionConfidence, &doc.DetectionMethod,
		&doc.MatchConfidence, &doc.MatchMethod,
		&doc.DirectoryScore, &doc.ScoreDiscrepancy,
		&doc.ScanDate, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
