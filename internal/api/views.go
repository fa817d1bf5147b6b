package api

import (
	"time"

	"kiosk-go/internal/model"
)

// Wire shapes. Feature vectors never leave the kiosk through the API.

type employeeJSON struct {
	LocalID        int64      `json:"local_id"`
	RemoteID       *int64     `json:"remote_id"`
	DisplayName    string     `json:"display_name"`
	ExternalCode   string     `json:"external_code,omitempty"`
	SequenceNumber *int64     `json:"external_sequence_number,omitempty"`
	Enrolled       bool       `json:"enrolled"`
	EnrolledAt     *time.Time `json:"enrolled_at,omitempty"`
	Active         bool       `json:"active"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

func employeeView(e *model.Employee) employeeJSON {
	return employeeJSON{
		LocalID:        e.LocalID,
		RemoteID:       e.RemoteID,
		DisplayName:    e.DisplayName,
		ExternalCode:   e.ExternalCode,
		SequenceNumber: e.SequenceNumber,
		Enrolled:       e.Enrolled(),
		EnrolledAt:     e.EnrolledAt,
		Active:         e.Active(),
		DeletedAt:      e.DeletedAt,
	}
}

func employeeViews(es []*model.Employee) []employeeJSON {
	out := make([]employeeJSON, len(es))
	for i, e := range es {
		out[i] = employeeView(e)
	}
	return out
}

type activityJSON struct {
	LocalID          int64                `json:"local_id"`
	SyncToken        string               `json:"sync_token"`
	EmployeeLocalID  *int64               `json:"employee_local_id"`
	RequestedRef     string               `json:"requested_ref,omitempty"`
	EmployeeName     string               `json:"employee_name,omitempty"`
	EmployeeCode     string               `json:"employee_code,omitempty"`
	EmployeeSequence *int64               `json:"external_sequence_number,omitempty"`
	EmployeeRemoteID *int64               `json:"employee_remote_id,omitempty"`
	Direction        model.Direction      `json:"direction"`
	OccurredDate     string               `json:"occurred_date"`
	OccurredTime     string               `json:"occurred_time"`
	EvidencePath     string               `json:"evidence_path,omitempty"`
	RemoteID         *int64               `json:"remote_id"`
	Status           model.ActivityStatus `json:"status"`
	LocalError       string               `json:"local_error,omitempty"`
	RemoteError      string               `json:"remote_error,omitempty"`
}

func activityViews(vs []*model.ActivityView) []activityJSON {
	out := make([]activityJSON, len(vs))
	for i, v := range vs {
		out[i] = activityJSON{
			LocalID:          v.LocalID,
			SyncToken:        v.SyncToken,
			EmployeeLocalID:  v.EmployeeLocalID,
			RequestedRef:     v.RequestedRef,
			EmployeeName:     v.EmployeeName,
			EmployeeCode:     v.EmployeeCode,
			EmployeeSequence: v.EmployeeSequence,
			EmployeeRemoteID: v.EmployeeRemoteID,
			Direction:        v.Direction,
			OccurredDate:     v.OccurredDate,
			OccurredTime:     v.OccurredTime,
			EvidencePath:     v.EvidencePath,
			RemoteID:         v.RemoteID,
			Status:           v.Status,
			LocalError:       v.LocalError,
			RemoteError:      v.RemoteError,
		}
	}
	return out
}
