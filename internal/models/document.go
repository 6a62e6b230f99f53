package models

import (
	"time"
)

type DocumentStatus string

const (
	StatusProcessed DocumentStatus = "processed"
	StatusPending   DocumentStatus = "pending"
	StatusFailed    DocumentStatus = "failed"
	StatusDuplicate DocumentStatus = "duplicate"
)

func (s DocumentStatus) String() string {
	return string(s)
}

func IsValidDocumentStatus(status string) bool {
	switch status {
	case "processed", "pending", "failed", "duplicate":
		return true
	default:
		return false
	}
}

// ScannedDocument is the persisted outcome of ingesting one file.
//
// Digest is unique across all non-duplicate records; duplicate records carry a
// nil Digest and point at the original through DuplicateOf instead, so the
// uniqueness constraint can never see the same digest twice.
type ScannedDocument struct {
	ID           string  `json:"id" db:"id"`
	StudentID    *string `json:"student_id" db:"student_id"`
	AssignmentID *string `json:"assignment_id" db:"assignment_id"`

	FileName string `json:"file_name" db:"file_name"`
	FileSize int64  `json:"file_size" db:"file_size"`
	MimeType string `json:"mime_type" db:"mime_type"`
	Source   string `json:"source" db:"source"`
	SourceID string `json:"source_id" db:"source_id"`

	Digest      *string `json:"digest" db:"digest"`
	DuplicateOf *string `json:"duplicate_of" db:"duplicate_of"`

	Status DocumentStatus `json:"status" db:"status"`

	// FailureReason holds the provider or processing error for failed records.
	// Method fields keep their fixed tag vocabulary and never carry error text.
	FailureReason *string `json:"failure_reason,omitempty" db:"failure_reason"`

	OCRText     string `json:"ocr_text" db:"ocr_text"`
	OCRMarkdown string `json:"ocr_markdown" db:"ocr_markdown"`

	DetectedTitle    *string    `json:"detected_title" db:"detected_title"`
	DetectedDate     *time.Time `json:"detected_date" db:"detected_date"`
	DetectedScore    *float64   `json:"detected_score" db:"detected_score"`
	DetectedMaxScore *float64   `json:"detected_max_score" db:"detected_max_score"`
	DetectedLetter   *string    `json:"detected_letter" db:"detected_letter"`

	DetectionConfidence float64 `json:"detection_confidence" db:"detection_confidence"`
	DetectionMethod     string  `json:"detection_method" db:"detection_method"`

	MatchConfidence float64 `json:"match_confidence" db:"match_confidence"`
	MatchMethod     string  `json:"match_method" db:"match_method"`

	// DirectoryScore is the score the directory already knows for the matched
	// assignment; ScoreDiscrepancy = DetectedScore - DirectoryScore.
	DirectoryScore   *float64 `json:"directory_score" db:"directory_score"`
	ScoreDiscrepancy *float64 `json:"score_discrepancy" db:"score_discrepancy"`

	ScanDate  time.Time `json:"scan_date" db:"scan_date"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
