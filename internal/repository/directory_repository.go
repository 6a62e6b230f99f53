package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
)

// DirectoryRepository reads the known students, courses and assignments the
// LMS sync maintains. The pipeline never writes through this interface.
type DirectoryRepository interface {
	FindStudentByID(ctx context.Context, id string) (*models.Student, error)
	ListStudents(ctx context.Context) ([]models.Student, error)
	ListActiveCourses(ctx context.Context) ([]models.Course, error)
	ListAssignmentsByStudent(ctx context.Context, studentID string, from, to time.Time) ([]models.AssignmentWithCourse, error)
	ListAssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]models.AssignmentWithCourse, error)
}

type directoryRepository struct {
	*PostgresRepository
}

func NewDirectoryRepository(db *sql.DB, logger zerolog.Logger) DirectoryRepository {
	return &directoryRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *directoryRepository) FindStudentByID(ctx context.Context, id string) (*models.Student, error) {
	query := `SELECT id, name, created_at, updated_at FROM students WHERE id = $1`

	student := &models.Student{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&student.ID,
		&student.Name,
		&student.CreatedAt,
		&student.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	return student, err
}

func (r *directoryRepository) ListStudents(ctx context.Context) ([]models.Student, error) {
	query := `SELECT id, name, created_at, updated_at FROM students ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []models.Student
	for rows.Next() {
		var s models.Student
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		students = append(students, s)
	}

	return students, rows.Err()
}

func (r *directoryRepository) ListActiveCourses(ctx context.Context) ([]models.Course, error) {
	query := `
		SELECT id, student_id, name, is_active, created_at, updated_at
		FROM courses
		WHERE is_active = TRUE
		ORDER BY student_id, name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []models.Course
	for rows.Next() {
		var c models.Course
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Name, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}

	return courses, rows.Err()
}

func (r *directoryRepository) ListAssignmentsByStudent(ctx context.Context, studentID string, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	query := `
		SELECT a.id, a.course_id, a.name, a.due_at, a.points_possible, a.score,
		       a.created_at, a.updated_at,
		       c.name AS course_name, c.student_id AS course_student_id
		FROM assignments a
		JOIN courses c ON a.course_id = c.id
		WHERE c.student_id = $1
		  AND c.is_active = TRUE
		  AND a.due_at BETWEEN $2 AND $3
		ORDER BY a.due_at ASC
	`

	return r.queryAssignments(ctx, query, studentID, from, to)
}

func (r *directoryRepository) ListAssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]models.AssignmentWithCourse, error) {
	query := `
		SELECT a.id, a.course_id, a.name, a.due_at, a.points_possible, a.score,
		       a.created_at, a.updated_at,
		       c.name AS course_name, c.student_id AS course_student_id
		FROM assignments a
		JOIN courses c ON a.course_id = c.id
		WHERE c.is_active = TRUE
		  AND a.due_at BETWEEN $1 AND $2
		ORDER BY a.due_at ASC
	`

	return r.queryAssignments(ctx, query, from, to)
}

func (r *directoryRepository) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]models.AssignmentWithCourse, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []models.AssignmentWithCourse
	for rows.Next() {
		var a models.AssignmentWithCourse
		err := rows.Scan(
			&a.ID, &a.CourseID, &a.Name, &a.DueAt, &a.PointsPossible, &a.Score,
			&a.CreatedAt, &a.UpdatedAt,
			&a.CourseName, &a.CourseStudentID,
		)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}
