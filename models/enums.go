package models

import "errors"

// OrderStatus is the canonical order lifecycle enumeration. All workflow
// components mutate orders exclusively through the transition table in
// order.go; nothing else writes the status column.
type OrderStatus string

const (
	OrderStatusDraft          OrderStatus = "Draft"
	OrderStatusAwaitingReview OrderStatus = "AwaitingReview"
	OrderStatusVerified       OrderStatus = "Verified"
	OrderStatusRejected       OrderStatus = "Rejected"
	OrderStatusDataError      OrderStatus = "DataError"
	OrderStatusPreparing      OrderStatus = "Preparing"
	OrderStatusPacked         OrderStatus = "Packed"
	OrderStatusShipped        OrderStatus = "Shipped"
	OrderStatusCancelled      OrderStatus = "Cancelled"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderStatusDraft, OrderStatusAwaitingReview, OrderStatusVerified,
		OrderStatusRejected, OrderStatusDataError, OrderStatusPreparing,
		OrderStatusPacked, OrderStatusShipped, OrderStatusCancelled:
		return OrderStatus(s), nil
	}
	return "", errors.New("invalid order status")
}

// IsTerminal reports whether no further transition is legal.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusShipped || s == OrderStatusCancelled
}

// AllowsEvidenceSubmission reports whether a user may (re)submit payment
// evidence in this state.
func (s OrderStatus) AllowsEvidenceSubmission() bool {
	return s == OrderStatusDraft || s == OrderStatusDataError
}

type SlipValidationStatus string

const (
	SlipValidationStatusPassed SlipValidationStatus = "passed"
	SlipValidationStatusFailed SlipValidationStatus = "failed"
)

type ManualCheckStatus string

const (
	ManualCheckStatusPending  ManualCheckStatus = "pending"
	ManualCheckStatusApproved ManualCheckStatus = "approved"
	ManualCheckStatusRejected ManualCheckStatus = "rejected"
)

// RefundKind distinguishes the two obligation types. The human-readable
// reason text is derived from the kind, never the other way around, so
// approval screens can route on the tag without string matching.
type RefundKind string

const (
	RefundKindShortfall RefundKind = "Shortfall"
	RefundKindOverage   RefundKind = "Overage"
)

func ParseRefundKind(s string) (RefundKind, error) {
	switch RefundKind(s) {
	case RefundKindShortfall, RefundKindOverage:
		return RefundKind(s), nil
	}
	return "", errors.New("invalid refund kind")
}

type RefundStatus string

const (
	RefundStatusPending  RefundStatus = "pending"
	RefundStatusApproved RefundStatus = "approved"
	RefundStatusRejected RefundStatus = "rejected"
	RefundStatusPaid     RefundStatus = "paid"
	// RefundStatusSuperseded marks a shortfall obligation replaced by a
	// later reconciliation of the same order.
	RefundStatusSuperseded RefundStatus = "superseded"
)

type AmendmentStatus string

const (
	AmendmentStatusPending  AmendmentStatus = "pending"
	AmendmentStatusApproved AmendmentStatus = "approved"
	AmendmentStatusRejected AmendmentStatus = "rejected"
	AmendmentStatusExecuted AmendmentStatus = "executed"
)

type AmendmentReasonType string

const (
	AmendmentReasonCustomerCancelled AmendmentReasonType = "CustomerCancelled"
	AmendmentReasonDuplicateOrder    AmendmentReasonType = "DuplicateOrder"
	AmendmentReasonPaymentIssue      AmendmentReasonType = "PaymentIssue"
	AmendmentReasonOther             AmendmentReasonType = "Other"
)

func ParseAmendmentReasonType(s string) (AmendmentReasonType, error) {
	switch AmendmentReasonType(s) {
	case AmendmentReasonCustomerCancelled, AmendmentReasonDuplicateOrder,
		AmendmentReasonPaymentIssue, AmendmentReasonOther:
		return AmendmentReasonType(s), nil
	}
	return "", errors.New("invalid amendment reason type")
}

// DecisionOutcome is the shared approve/reject verb for all reviewer calls.
type DecisionOutcome string

const (
	DecisionOutcomeApprove DecisionOutcome = "approve"
	DecisionOutcomeReject  DecisionOutcome = "reject"
)

func ParseDecisionOutcome(s string) (DecisionOutcome, error) {
	switch DecisionOutcome(s) {
	case DecisionOutcomeApprove, DecisionOutcomeReject:
		return DecisionOutcome(s), nil
	}
	return "", errors.New("invalid decision outcome")
}

// Event reference/action enums for the status-change outbox.

type OrderEventReferenceType string

const (
	OrderEventReferenceTypeOrder       OrderEventReferenceType = "ORD"
	OrderEventReferenceTypeSlip        OrderEventReferenceType = "SLP"
	OrderEventReferenceTypeManualCheck OrderEventReferenceType = "MSC"
	OrderEventReferenceTypeRefund      OrderEventReferenceType = "RFD"
	OrderEventReferenceTypeAmendment   OrderEventReferenceType = "AMD"
)

type OrderEventAction string

const (
	OrderEventActionCreate OrderEventAction = "C"
	OrderEventActionUpdate OrderEventAction = "U"
	OrderEventActionDelete OrderEventAction = "D"
)

// Outbox publish lifecycle.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// User roles. Decision endpoints are gated to reviewer-capable roles.
type UserRole string

const (
	UserRoleAdmin      UserRole = "Admin"
	UserRoleAccounting UserRole = "Accounting"
	UserRoleOrderEntry UserRole = "OrderEntry"
	UserRoleWarehouse  UserRole = "Warehouse"
)

// CanDecide reports whether the role may approve/reject checks, refunds and
// amendments.
func (r UserRole) CanDecide() bool {
	return r == UserRoleAdmin || r == UserRoleAccounting
}

// CanReopen reports whether the role may reopen a DataError order for entry.
func (r UserRole) CanReopen() bool {
	return r == UserRoleAdmin || r == UserRoleAccounting
}
