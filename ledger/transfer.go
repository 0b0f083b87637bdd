/*
transfer.go - Inter-base transfer lifecycle

STATE MACHINE:

  ┌─────────┐  TransferCompleted   ┌───────────┐
  │ pending │ ───────────────────▶ │ completed │  (terminal)
  └─────────┘                      └───────────┘
       │       TransferCancelled   ┌───────────┐
       └─────────────────────────▶ │ cancelled │  (terminal)
                                   └───────────┘

PENDING vs COMPLETED:
  Creating a transfer reserves stock at the source: the units still count
  in the source balance but are no longer available to other requests.
  Completion debits the source and credits the destination in one event.
  Cancellation only releases the reservation.

RACES:
  Completion and cancellation both lock the source key. Whichever commits
  first wins; the other observes a terminal state and fails with
  InvalidStateTransitionError.
*/
package ledger

// =============================================================================
// STATUS
// =============================================================================

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusPending: {TransferStatusCompleted, TransferStatusCancelled},
}

func (s TransferStatus) Valid() bool {
	return s == TransferStatusPending || s == TransferStatusCompleted || s == TransferStatusCancelled
}

func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusCancelled
}

func (s TransferStatus) CanTransition(to TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSFER - Derived aggregate
// =============================================================================

type Transfer struct {
	ID            TransferID
	FromBase      BaseID
	ToBase        BaseID
	EquipmentType EquipmentTypeID
	Quantity      int64
	Status        TransferStatus
	Notes         string

	Date        Date // requested transfer date
	InitiatedBy string
	CreatedSeq  Seq

	// Set once the transfer reaches a terminal state.
	ClosedOn     Date
	ClosedBy     string
	ClosedSeq    Seq
	CancelReason string
}

func (t Transfer) SourceKey() StockKey      { return StockKey{t.FromBase, t.EquipmentType} }
func (t Transfer) DestinationKey() StockKey { return StockKey{t.ToBase, t.EquipmentType} }

// checkTransition returns an InvalidStateTransitionError unless the
// transfer may move to the target status.
func (t Transfer) checkTransition(to TransferStatus) error {
	if !t.Status.CanTransition(to) {
		return &InvalidStateTransitionError{
			Aggregate: "transfer",
			ID:        string(t.ID),
			From:      string(t.Status),
			To:        string(to),
		}
	}
	return nil
}

// TransferMovement is a completed transfer seen from one side, used in
// movement drill-downs.
type TransferMovement struct {
	Transfer
	CompletedOn Date
	Seq         Seq
}
