package ledger

// =============================================================================
// ASSIGNMENT - Equipment handed to personnel
// =============================================================================
//
// active ──AssignmentReturned──▶ returned (terminal)
//
// An assignment removes units from the base's stock while it is active and
// puts them back when returned. Unlike a transfer there is no reservation
// phase: the deduction is effective on the assignment date.

type AssignmentStatus string

const (
	AssignmentStatusActive   AssignmentStatus = "active"
	AssignmentStatusReturned AssignmentStatus = "returned"
)

func (s AssignmentStatus) Valid() bool {
	return s == AssignmentStatusActive || s == AssignmentStatusReturned
}

type Assignment struct {
	ID            AssignmentID
	Base          BaseID
	EquipmentType EquipmentTypeID
	PersonnelName string
	PersonnelID   string
	Quantity      int64
	Status        AssignmentStatus
	Notes         string

	Date       Date
	AssignedBy string
	Seq        Seq

	ReturnedOn  Date
	ReturnedBy  string
	ReturnedSeq Seq
}

func (a Assignment) Key() StockKey { return StockKey{a.Base, a.EquipmentType} }

func (a Assignment) checkReturn() error {
	if a.Status != AssignmentStatusActive {
		return &InvalidStateTransitionError{
			Aggregate: "assignment",
			ID:        string(a.ID),
			From:      string(a.Status),
			To:        string(AssignmentStatusReturned),
		}
	}
	return nil
}

// =============================================================================
// RECORDS - List views of lifecycle-free events
// =============================================================================

// PurchaseRecord is a purchase as listed to callers.
type PurchaseRecord struct {
	Purchase
	Date       Date
	RecordedBy string
	Seq        Seq
}

// ExpenditureRecord is an expenditure as listed to callers. Expenditures
// have no lifecycle: they are permanent once appended and can only be
// offset by a later compensating event.
type ExpenditureRecord struct {
	Expenditure
	Date       Date
	RecordedBy string
	Seq        Seq
}

func purchaseRecord(ev Event) PurchaseRecord {
	return PurchaseRecord{Purchase: ev.Payload.(Purchase), Date: ev.Date, RecordedBy: ev.Actor, Seq: ev.Seq}
}

func expenditureRecord(ev Event) ExpenditureRecord {
	return ExpenditureRecord{Expenditure: ev.Payload.(Expenditure), Date: ev.Date, RecordedBy: ev.Actor, Seq: ev.Seq}
}
