package enrollment

type EnrollRequest struct {
	CourseID  string `json:"course_id" validate:"required,max=64"`
	StudentID string `json:"student_id,omitempty" validate:"omitempty,max=64"`
}

type ProgressRequest struct {
	Progress *int `json:"progress" validate:"required,min=0,max=100"`
}

type EnrollmentResponse struct {
	Enrollment *Enrollment `json:"enrollment"`
}
