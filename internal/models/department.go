package models

// DepartmentConfig controls ticket numbering and reset behavior for one
// department. Changes apply to subsequently issued tickets only; existing
// display codes are never reformatted.
type DepartmentConfig struct {
	DepartmentID         string `json:"department_id"`
	Prefix               string `json:"prefix"`
	NumberWidth          int    `json:"number_width"`
	ResetSchedule        string `json:"reset_schedule"`
	AllowRecallAfterSkip bool   `json:"allow_recall_after_skip"`
}

// ResetManual disables scheduled resets; any other value is a clinic-local
// "HH:MM" wall time at which open tickets are bulk-cancelled each day.
const ResetManual = "manual"
