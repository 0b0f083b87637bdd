/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract of the web client. These types decouple the
  ledger's domain model from the wire format:
  - Movement records and request bodies use snake_case fields
  - Dashboard aggregates use camelCase fields
  - Dates are YYYY-MM-DD strings, empty when unset

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Handlers only parse. Every semantic check (quantities, scope, dates in
  the future) happens in the ledger so the HTTP and CLI paths agree.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/service.go: Input types these requests convert to
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/asset-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type PurchaseRequest struct {
	BaseID          string           `json:"base_id"`
	EquipmentTypeID string           `json:"equipment_type_id"`
	Quantity        int64            `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	PurchaseDate    string           `json:"purchase_date,omitempty"`
	Notes           string           `json:"notes,omitempty"`
}

type TransferRequest struct {
	FromBaseID      string `json:"from_base_id"`
	ToBaseID        string `json:"to_base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Quantity        int64  `json:"quantity"`
	TransferDate    string `json:"transfer_date,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type CancelTransferRequest struct {
	Reason string `json:"reason"`
}

type AssignmentRequest struct {
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	PersonnelName   string `json:"personnel_name"`
	PersonnelID     string `json:"personnel_id,omitempty"`
	Quantity        int64  `json:"quantity"`
	AssignmentDate  string `json:"assignment_date,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type ExpenditureRequest struct {
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Quantity        int64  `json:"quantity"`
	Reason          string `json:"reason"`
	ExpenditureDate string `json:"expenditure_date,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// =============================================================================
// MOVEMENT RECORDS
// =============================================================================

type PurchaseDTO struct {
	ID              string           `json:"id"`
	BaseID          string           `json:"base_id"`
	EquipmentTypeID string           `json:"equipment_type_id"`
	Quantity        int64            `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	TotalCost       *decimal.Decimal `json:"total_cost,omitempty"`
	PurchaseDate    string           `json:"purchase_date"`
	Notes           string           `json:"notes,omitempty"`
	RecordedBy      string           `json:"recorded_by"`
	Seq             int64            `json:"seq"`
}

type TransferDTO struct {
	ID              string `json:"id"`
	FromBaseID      string `json:"from_base_id"`
	ToBaseID        string `json:"to_base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Quantity        int64  `json:"quantity"`
	Status          string `json:"status"`
	TransferDate    string `json:"transfer_date"`
	Notes           string `json:"notes,omitempty"`
	InitiatedBy     string `json:"initiated_by"`
	ClosedDate      string `json:"closed_date,omitempty"`
	ClosedBy        string `json:"closed_by,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
}

// TransferMovementDTO is a completed transfer in the net movement drill-down.
type TransferMovementDTO struct {
	TransferDTO
	CompletedDate string `json:"completed_date"`
}

type AssignmentDTO struct {
	ID              string `json:"id"`
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	PersonnelName   string `json:"personnel_name"`
	PersonnelID     string `json:"personnel_id,omitempty"`
	Quantity        int64  `json:"quantity"`
	Status          string `json:"status"`
	AssignmentDate  string `json:"assignment_date"`
	Notes           string `json:"notes,omitempty"`
	AssignedBy      string `json:"assigned_by"`
	ReturnedDate    string `json:"returned_date,omitempty"`
	ReturnedBy      string `json:"returned_by,omitempty"`
}

type ExpenditureDTO struct {
	ID              string `json:"id"`
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Quantity        int64  `json:"quantity"`
	Reason          string `json:"reason"`
	ExpenditureDate string `json:"expenditure_date"`
	Notes           string `json:"notes,omitempty"`
	RecordedBy      string `json:"recorded_by"`
}

// =============================================================================
// DASHBOARD
// =============================================================================

type MetricsDTO struct {
	OpeningBalance int64           `json:"openingBalance"`
	ClosingBalance int64           `json:"closingBalance"`
	NetMovement    int64           `json:"netMovement"`
	Purchases      int64           `json:"purchases"`
	TransfersIn    int64           `json:"transfersIn"`
	TransfersOut   int64           `json:"transfersOut"`
	Assigned       int64           `json:"assigned"`
	Returned       int64           `json:"returned"`
	Expended       int64           `json:"expended"`
	PurchaseValue  decimal.Decimal `json:"purchaseValue"`
}

type MovementDetailsDTO struct {
	Purchases    []PurchaseDTO         `json:"purchases"`
	TransfersIn  []TransferMovementDTO `json:"transfersIn"`
	TransfersOut []TransferMovementDTO `json:"transfersOut"`
}

// =============================================================================
// STOCK
// =============================================================================

type StockLevelDTO struct {
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Balance         int64  `json:"balance"`
	Reserved        int64  `json:"reserved"`
	Available       int64  `json:"available"`
}

type BalanceDTO struct {
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	AsOf            string `json:"as_of"`
	Balance         int64  `json:"balance"`
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type BaseDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

type EquipmentTypeDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type ViolationDTO struct {
	BaseID          string `json:"base_id"`
	EquipmentTypeID string `json:"equipment_type_id"`
	Rule            string `json:"rule"`
	Detail          string `json:"detail"`
}

type VerifyReportDTO struct {
	OK          bool           `json:"ok"`
	Head        int64          `json:"head"`
	Events      int            `json:"events"`
	Keys        int            `json:"keys"`
	Transfers   int            `json:"transfers"`
	Assignments int            `json:"assignments"`
	Violations  []ViolationDTO `json:"violations"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func dateString(d ledger.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func toPurchaseDTO(p ledger.PurchaseRecord) PurchaseDTO {
	return PurchaseDTO{
		ID:              p.ID,
		BaseID:          string(p.Base),
		EquipmentTypeID: string(p.EquipmentType),
		Quantity:        p.Quantity,
		UnitPrice:       p.UnitPrice,
		TotalCost:       p.TotalCost(),
		PurchaseDate:    dateString(p.Date),
		Notes:           p.Notes,
		RecordedBy:      p.RecordedBy,
		Seq:             int64(p.Seq),
	}
}

func toTransferDTO(t ledger.Transfer) TransferDTO {
	return TransferDTO{
		ID:              string(t.ID),
		FromBaseID:      string(t.FromBase),
		ToBaseID:        string(t.ToBase),
		EquipmentTypeID: string(t.EquipmentType),
		Quantity:        t.Quantity,
		Status:          string(t.Status),
		TransferDate:    dateString(t.Date),
		Notes:           t.Notes,
		InitiatedBy:     t.InitiatedBy,
		ClosedDate:      dateString(t.ClosedOn),
		ClosedBy:        t.ClosedBy,
		CancelReason:    t.CancelReason,
	}
}

func toMovementDTOs(ms []ledger.TransferMovement) []TransferMovementDTO {
	out := make([]TransferMovementDTO, len(ms))
	for i, m := range ms {
		out[i] = TransferMovementDTO{TransferDTO: toTransferDTO(m.Transfer), CompletedDate: dateString(m.CompletedOn)}
	}
	return out
}

func toAssignmentDTO(a ledger.Assignment) AssignmentDTO {
	return AssignmentDTO{
		ID:              string(a.ID),
		BaseID:          string(a.Base),
		EquipmentTypeID: string(a.EquipmentType),
		PersonnelName:   a.PersonnelName,
		PersonnelID:     a.PersonnelID,
		Quantity:        a.Quantity,
		Status:          string(a.Status),
		AssignmentDate:  dateString(a.Date),
		Notes:           a.Notes,
		AssignedBy:      a.AssignedBy,
		ReturnedDate:    dateString(a.ReturnedOn),
		ReturnedBy:      a.ReturnedBy,
	}
}

func toExpenditureDTO(x ledger.ExpenditureRecord) ExpenditureDTO {
	return ExpenditureDTO{
		ID:              x.ID,
		BaseID:          string(x.Base),
		EquipmentTypeID: string(x.EquipmentType),
		Quantity:        x.Quantity,
		Reason:          x.Reason,
		ExpenditureDate: dateString(x.Date),
		Notes:           x.Notes,
		RecordedBy:      x.RecordedBy,
	}
}

func toMetricsDTO(m ledger.Metrics) MetricsDTO {
	return MetricsDTO{
		OpeningBalance: m.OpeningBalance,
		ClosingBalance: m.ClosingBalance,
		NetMovement:    m.NetMovement,
		Purchases:      m.Purchases,
		TransfersIn:    m.TransfersIn,
		TransfersOut:   m.TransfersOut,
		Assigned:       m.Assigned,
		Returned:       m.Returned,
		Expended:       m.Expended,
		PurchaseValue:  m.PurchaseValue,
	}
}

func toStockLevelDTO(l ledger.StockLevel) StockLevelDTO {
	return StockLevelDTO{
		BaseID:          string(l.Key.Base),
		EquipmentTypeID: string(l.Key.EquipmentType),
		Balance:         l.Balance,
		Reserved:        l.Reserved,
		Available:       l.Available,
	}
}

func toVerifyReportDTO(r ledger.VerifyReport) VerifyReportDTO {
	out := VerifyReportDTO{
		OK:          r.OK(),
		Head:        int64(r.Head),
		Events:      r.Events,
		Keys:        r.Keys,
		Transfers:   r.Transfers,
		Assignments: r.Assignments,
		Violations:  make([]ViolationDTO, len(r.Violations)),
	}
	for i, v := range r.Violations {
		out.Violations[i] = ViolationDTO{
			BaseID:          string(v.Key.Base),
			EquipmentTypeID: string(v.Key.EquipmentType),
			Rule:            v.Rule,
			Detail:          v.Detail,
		}
	}
	return out
}
