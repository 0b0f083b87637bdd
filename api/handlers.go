/*
handlers.go - HTTP API handlers for the asset ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to ledger.Service.

ENDPOINTS:
  Dashboard:
    GET    /api/dashboard/metrics               Opening/closing balance and movement columns
    GET    /api/dashboard/net-movement-details  Purchases and transfers behind net movement

  Movements:
    GET    /api/purchases                       List purchases
    POST   /api/purchases                       Record purchase
    GET    /api/transfers                       List transfers (status filter)
    POST   /api/transfers                       Create pending transfer
    GET    /api/transfers/{id}                  Get transfer
    POST   /api/transfers/{id}/complete         Complete pending transfer
    POST   /api/transfers/{id}/cancel           Cancel pending transfer
    POST   /api/assignments/assign              Assign units to personnel
    POST   /api/assignments/expend              Record expenditure
    GET    /api/assignments/assignments         List assignments (status filter)
    GET    /api/assignments/expenditures        List expenditures
    GET    /api/assignments/{id}                Get assignment
    POST   /api/assignments/{id}/return         Return assigned units

  Stock:
    GET    /api/stock                           Current level per key
    GET    /api/stock/available                 Balance, reserved, available for one key
    GET    /api/stock/balance                   Balance of one key as of a date

  Reference data:
    GET    /api/common/assets                   Same as GET /api/stock (web client)
    GET    /api/common/bases                    Bases visible to the caller
    POST   /api/common/bases                    Register base (admin)
    GET    /api/common/equipment-types          Equipment types
    POST   /api/common/equipment-types          Register equipment type (admin)

  Admin:
    GET    /api/admin/verify                    Replay the log and check invariants

QUERY FILTERS:
  startDate, endDate (YYYY-MM-DD, inclusive), baseId, equipmentTypeId, status

ERROR HANDLING:
  Ledger errors map to HTTP status by class:
  - 400: ValidationError, malformed body or query
  - 401: Missing or invalid token
  - 403: OutOfScopeError
  - 404: NotFoundError
  - 409: InvalidStateTransitionError, ConflictError (retryable: true)
  - 422: InsufficientStockError
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Principal extraction
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/asset-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Logger  zerolog.Logger
}

func NewHandler(svc *ledger.Service, logger zerolog.Logger) *Handler {
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// DASHBOARD HANDLERS
// =============================================================================

// GetMetrics returns the reconciliation aggregate for the filter.
// GET /api/dashboard/metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	m, err := h.Service.GetMetrics(r.Context(), who, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsDTO(m))
}

// GetMovementDetails lists what makes up purchases, transfersIn and transfersOut.
// GET /api/dashboard/net-movement-details
func (h *Handler) GetMovementDetails(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	d, err := h.Service.GetMovementDetails(r.Context(), who, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	purchases := make([]PurchaseDTO, len(d.Purchases))
	for i, p := range d.Purchases {
		purchases[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, MovementDetailsDTO{
		Purchases:    purchases,
		TransfersIn:  toMovementDTOs(d.TransfersIn),
		TransfersOut: toMovementDTOs(d.TransfersOut),
	})
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// GET /api/purchases
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	records, err := h.Service.ListPurchases(r.Context(), who, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]PurchaseDTO, len(records))
	for i, p := range records {
		dtos[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/purchases
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, err := parseDate("purchase_date", req.PurchaseDate)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	rec, err := h.Service.RecordPurchase(r.Context(), who, ledger.PurchaseInput{
		Base:          ledger.BaseID(req.BaseID),
		EquipmentType: ledger.EquipmentTypeID(req.EquipmentTypeID),
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		Date:          date,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(rec))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// GET /api/transfers
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	transfers, err := h.Service.ListTransfers(r.Context(), who, ledger.ListFilter{
		QueryFilter: filter,
		Status:      r.URL.Query().Get("status"),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]TransferDTO, len(transfers))
	for i, t := range transfers {
		dtos[i] = toTransferDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, err := parseDate("transfer_date", req.TransferDate)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	t, err := h.Service.CreateTransfer(r.Context(), who, ledger.TransferInput{
		FromBase:      ledger.BaseID(req.FromBaseID),
		ToBase:        ledger.BaseID(req.ToBaseID),
		EquipmentType: ledger.EquipmentTypeID(req.EquipmentTypeID),
		Quantity:      req.Quantity,
		Date:          date,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(t))
}

// GET /api/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	t, err := h.Service.GetTransfer(r.Context(), who, ledger.TransferID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

// POST /api/transfers/{id}/complete
func (h *Handler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	t, err := h.Service.CompleteTransfer(r.Context(), who, ledger.TransferID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

// CancelTransfer releases the reservation. The body is optional.
// POST /api/transfers/{id}/cancel
func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req CancelTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	t, err := h.Service.CancelTransfer(r.Context(), who, ledger.TransferID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

// =============================================================================
// ASSIGNMENT & EXPENDITURE HANDLERS
// =============================================================================

// POST /api/assignments/assign
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req AssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, err := parseDate("assignment_date", req.AssignmentDate)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	a, err := h.Service.CreateAssignment(r.Context(), who, ledger.AssignmentInput{
		Base:          ledger.BaseID(req.BaseID),
		EquipmentType: ledger.EquipmentTypeID(req.EquipmentTypeID),
		PersonnelName: req.PersonnelName,
		PersonnelID:   req.PersonnelID,
		Quantity:      req.Quantity,
		Date:          date,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTO(a))
}

// GET /api/assignments/assignments
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	assignments, err := h.Service.ListAssignments(r.Context(), who, ledger.ListFilter{
		QueryFilter: filter,
		Status:      r.URL.Query().Get("status"),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]AssignmentDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = toAssignmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/assignments/{id}
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	a, err := h.Service.GetAssignment(r.Context(), who, ledger.AssignmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// POST /api/assignments/{id}/return
func (h *Handler) ReturnAssignment(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	a, err := h.Service.ReturnAssignment(r.Context(), who, ledger.AssignmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// POST /api/assignments/expend
func (h *Handler) RecordExpenditure(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req ExpenditureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, err := parseDate("expenditure_date", req.ExpenditureDate)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	x, err := h.Service.RecordExpenditure(r.Context(), who, ledger.ExpenditureInput{
		Base:          ledger.BaseID(req.BaseID),
		EquipmentType: ledger.EquipmentTypeID(req.EquipmentTypeID),
		Quantity:      req.Quantity,
		Reason:        req.Reason,
		Date:          date,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenditureDTO(x))
}

// GET /api/assignments/expenditures
func (h *Handler) ListExpenditures(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	records, err := h.Service.ListExpenditures(r.Context(), who, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ExpenditureDTO, len(records))
	for i, x := range records {
		dtos[i] = toExpenditureDTO(x)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// StockSummary lists current levels. Date filters are ignored.
// GET /api/stock, GET /api/common/assets
func (h *Handler) StockSummary(w http.ResponseWriter, r *http.Request) {
	who, filter, ok := h.queryContext(w, r)
	if !ok {
		return
	}
	levels, err := h.Service.StockSummary(r.Context(), who, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]StockLevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = toStockLevelDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/stock/available?baseId=&equipmentTypeId=
func (h *Handler) AvailableStock(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	lvl, err := h.Service.AvailableStock(r.Context(), who,
		ledger.BaseID(q.Get("baseId")), ledger.EquipmentTypeID(q.Get("equipmentTypeId")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockLevelDTO(lvl))
}

// GET /api/stock/balance?baseId=&equipmentTypeId=&asOf=
func (h *Handler) BalanceAt(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	asOf, err := parseDate("asOf", q.Get("asOf"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	base := ledger.BaseID(q.Get("baseId"))
	eq := ledger.EquipmentTypeID(q.Get("equipmentTypeId"))

	bal, err := h.Service.BalanceAt(r.Context(), who, base, eq, asOf)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		BaseID:          string(base),
		EquipmentTypeID: string(eq),
		AsOf:            dateString(asOf),
		Balance:         bal,
	})
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// GET /api/common/bases
func (h *Handler) ListBases(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	bases, err := h.Service.ListBases(r.Context(), who)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]BaseDTO, len(bases))
	for i, b := range bases {
		dtos[i] = BaseDTO{ID: string(b.ID), Name: b.Name, Location: b.Location}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/common/bases
func (h *Handler) CreateBase(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req BaseDTO
	if !decodeBody(w, r, &req) {
		return
	}
	b := ledger.Base{ID: ledger.BaseID(req.ID), Name: req.Name, Location: req.Location}
	if err := h.Service.SaveBase(r.Context(), who, b); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GET /api/common/equipment-types
func (h *Handler) ListEquipmentTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Service.ListEquipmentTypes(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]EquipmentTypeDTO, len(types))
	for i, et := range types {
		dtos[i] = EquipmentTypeDTO{ID: string(et.ID), Name: et.Name, Category: et.Category}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/common/equipment-types
func (h *Handler) CreateEquipmentType(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req EquipmentTypeDTO
	if !decodeBody(w, r, &req) {
		return
	}
	et := ledger.EquipmentType{ID: ledger.EquipmentTypeID(req.ID), Name: req.Name, Category: req.Category}
	if err := h.Service.SaveEquipmentType(r.Context(), who, et); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Verify replays the whole log. Restricted to unscoped admins.
// GET /api/admin/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	who, ok := h.principal(w, r)
	if !ok {
		return
	}
	if who.Role != ledger.RoleAdmin || !who.Unrestricted() {
		writeError(w, http.StatusForbidden, "Admin role required", nil)
		return
	}
	report, err := h.Service.Verify(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerifyReportDTO(report))
}

// Health reports the log head. Unauthenticated.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "head": int64(h.Service.Head())})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (ledger.Principal, bool) {
	who, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
	}
	return who, ok
}

// queryContext resolves the principal and the common query filters.
func (h *Handler) queryContext(w http.ResponseWriter, r *http.Request) (ledger.Principal, ledger.QueryFilter, bool) {
	who, ok := h.principal(w, r)
	if !ok {
		return ledger.Principal{}, ledger.QueryFilter{}, false
	}
	filter, err := parseQueryFilter(r)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return ledger.Principal{}, ledger.QueryFilter{}, false
	}
	return who, filter, true
}

func parseQueryFilter(r *http.Request) (ledger.QueryFilter, error) {
	q := r.URL.Query()
	from, err := parseDate("startDate", q.Get("startDate"))
	if err != nil {
		return ledger.QueryFilter{}, err
	}
	to, err := parseDate("endDate", q.Get("endDate"))
	if err != nil {
		return ledger.QueryFilter{}, err
	}
	return ledger.QueryFilter{
		Dates:         ledger.DateRange{From: from, To: to},
		Base:          ledger.BaseID(q.Get("baseId")),
		EquipmentType: ledger.EquipmentTypeID(q.Get("equipmentTypeId")),
	}, nil
}

// parseDate accepts YYYY-MM-DD. An empty string is the zero Date.
func parseDate(field, s string) (ledger.Date, error) {
	if s == "" {
		return ledger.Date{}, nil
	}
	d, err := ledger.ParseDate(s)
	if err != nil {
		return ledger.Date{}, &ledger.ValidationError{Field: field, Reason: "use YYYY-MM-DD"}
	}
	return d, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps a ledger error class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrOutOfScope):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidStateTransition), errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var classMessages = map[string]string{
	"validation":               "Invalid request",
	"insufficient_stock":       "Insufficient stock",
	"invalid_state_transition": "Invalid state transition",
	"not_found":                "Not found",
	"conflict":                 "Ledger changed, retry",
	"out_of_scope":             "Outside permitted scope",
	"cancelled":                "Request cancelled",
	"internal":                 "Internal error",
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	class := ledger.ErrorClass(err)
	resp := ErrorResponse{
		Error:     classMessages[class],
		Details:   err.Error(),
		Class:     class,
		Retryable: ledger.IsRetryable(err),
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Details = ""
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
