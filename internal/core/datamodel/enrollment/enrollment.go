package enrollment

import "time"

type Enrollment struct {
	ID            string     `gorm:"primaryKey;column:id"`
	StudentID     string     `gorm:"column:student_id;not null;uniqueIndex:idx_enrollments_student_course"`
	CourseID      string     `gorm:"column:course_id;not null;uniqueIndex:idx_enrollments_student_course"`
	Status        string     `gorm:"column:status;not null;default:pending_payment"`
	Progress      int        `gorm:"column:progress;not null;default:0"`
	EnrolledAt    time.Time  `gorm:"column:enrolled_at"`
	CompletedDate *time.Time `gorm:"column:completed_date"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}
