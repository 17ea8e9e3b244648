package domain

import "time"

// ApprovalStatus is the outcome state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DeploymentApproval gates a deployment until an approver decides.
type DeploymentApproval struct {
	ID           string
	DeploymentID string
	RequestedBy  string
	ApprovedBy   *string
	Status       ApprovalStatus
	Notes        string
	RequestedAt  time.Time
	RespondedAt  *time.Time
}

// ApprovalStats counts approvals by status.
type ApprovalStats struct {
	Pending  int
	Approved int
	Rejected int
	Total    int
}
