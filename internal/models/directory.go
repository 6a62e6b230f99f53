package models

import (
	"time"
)

// Student, Course and Assignment are owned by the external directory (the LMS
// sync). This pipeline only ever reads them.

type Student struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FirstName returns the leading token of the student's full name, used for
// per-student destination folders and cover-sheet scanning.
func (s Student) FirstName() string {
	for i := 0; i < len(s.Name); i++ {
		if s.Name[i] == ' ' {
			return s.Name[:i]
		}
	}
	return s.Name
}

type Course struct {
	ID        string    `json:"id" db:"id"`
	StudentID string    `json:"student_id" db:"student_id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Assignment struct {
	ID             string     `json:"id" db:"id"`
	CourseID       string     `json:"course_id" db:"course_id"`
	Name           string     `json:"name" db:"name"`
	DueAt          *time.Time `json:"due_at" db:"due_at"`
	PointsPossible *float64   `json:"points_possible" db:"points_possible"`
	Score          *float64   `json:"score" db:"score"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// AssignmentWithCourse carries the joined course row the matcher needs for
// course-name similarity and student attribution.
type AssignmentWithCourse struct {
	Assignment
	CourseName      string `json:"course_name" db:"course_name"`
	CourseStudentID string `json:"course_student_id" db:"course_student_id"`
}
