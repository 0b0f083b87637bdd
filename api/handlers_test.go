/*
handlers_test.go - HTTP contract tests

Tests for:
- Movement endpoints end to end (purchase, transfer lifecycle, assignment)
- Error class to status mapping
- Token authentication and base scoping
- Prometheus exposition
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/asset-ledger/ledger"
	"github.com/warp/asset-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	*httptest.Server
	auth *Authenticator
	svc  *ledger.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	require.NoError(t, mem.SaveBase(ctx, ledger.Base{ID: "base-a", Name: "Alpha"}))
	require.NoError(t, mem.SaveBase(ctx, ledger.Base{ID: "base-b", Name: "Bravo"}))
	require.NoError(t, mem.SaveEquipmentType(ctx, ledger.EquipmentType{ID: "rifle", Name: "Rifle"}))

	metrics, err := NewMetrics()
	require.NoError(t, err)

	svc, err := ledger.NewService(ctx, ledger.ServiceConfig{
		Store:      mem,
		References: mem,
		Clock:      ledger.FixedClock(time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)),
		Observer:   metrics,
	})
	require.NoError(t, err)

	auth := NewAuthenticator("test-secret", "ledger-test")
	router := NewRouter(NewHandler(svc, zerolog.Nop()), RouterOptions{
		AllowedOrigins: []string{"http://localhost:3000"},
		Auth:           auth,
		Metrics:        metrics,
		Logger:         zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, auth: auth, svc: svc}
}

func (s *testServer) token(t *testing.T, sub string, role ledger.Role, base ledger.BaseID) string {
	t.Helper()
	tok, err := s.auth.Issue(sub, role, base, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestTransferLifecycle_OverHTTP(t *testing.T) {
	// GIVEN: 10 rifles purchased at base-a
	// WHEN: 4 are transferred to base-b and the transfer completes
	// THEN: The dashboard for base-b shows 4 in, base-a shows 4 out

	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	resp := srv.do(t, http.MethodPost, "/api/purchases", officer, PurchaseRequest{
		BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 10, PurchaseDate: "2025-03-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	purchase := decode[PurchaseDTO](t, resp)
	assert.Equal(t, "2025-03-01", purchase.PurchaseDate)
	assert.Equal(t, "officer-1", purchase.RecordedBy)

	resp = srv.do(t, http.MethodPost, "/api/transfers", officer, TransferRequest{
		FromBaseID: "base-a", ToBaseID: "base-b", EquipmentTypeID: "rifle", Quantity: 4, TransferDate: "2025-03-05",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	transfer := decode[TransferDTO](t, resp)
	assert.Equal(t, "pending", transfer.Status)

	resp = srv.do(t, http.MethodGet, "/api/stock/available?baseId=base-a&equipmentTypeId=rifle", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	level := decode[StockLevelDTO](t, resp)
	assert.Equal(t, int64(10), level.Balance)
	assert.Equal(t, int64(4), level.Reserved)
	assert.Equal(t, int64(6), level.Available)

	resp = srv.do(t, http.MethodPost, "/api/transfers/"+transfer.ID+"/complete", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decode[TransferDTO](t, resp)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, "2025-03-10", completed.ClosedDate)

	resp = srv.do(t, http.MethodGet, "/api/dashboard/metrics?baseId=base-b&startDate=2025-03-01&endDate=2025-03-31", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	in := decode[map[string]any](t, resp)
	assert.EqualValues(t, 4, in["transfersIn"])
	assert.EqualValues(t, 4, in["closingBalance"])

	resp = srv.do(t, http.MethodGet, "/api/dashboard/metrics?baseId=base-a", officer, nil)
	out := decode[MetricsDTO](t, resp)
	assert.Equal(t, int64(4), out.TransfersOut)
	assert.Equal(t, int64(6), out.ClosingBalance)

	resp = srv.do(t, http.MethodGet, "/api/dashboard/net-movement-details?baseId=base-b", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[MovementDetailsDTO](t, resp)
	require.Len(t, details.TransfersIn, 1)
	assert.Equal(t, transfer.ID, details.TransfersIn[0].ID)
	assert.Empty(t, details.TransfersOut)

	resp = srv.do(t, http.MethodGet, "/api/transfers?status=completed", officer, nil)
	assert.Len(t, decode[[]TransferDTO](t, resp), 1)
}

func TestStockSummary_CommonAssetsRoute(t *testing.T) {
	// GIVEN: 10 rifles at base-a with 4 reserved by a pending transfer
	// WHEN: The web client asks for /api/common/assets
	// THEN: It gets the same stock summary as /api/stock/

	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	resp := srv.do(t, http.MethodPost, "/api/purchases", officer, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 10})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = srv.do(t, http.MethodPost, "/api/transfers", officer, TransferRequest{FromBaseID: "base-a", ToBaseID: "base-b", EquipmentTypeID: "rifle", Quantity: 4})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = srv.do(t, http.MethodGet, "/api/common/assets", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assets := decode[[]StockLevelDTO](t, resp)
	require.Len(t, assets, 1)
	assert.Equal(t, StockLevelDTO{BaseID: "base-a", EquipmentTypeID: "rifle", Balance: 10, Reserved: 4, Available: 6}, assets[0])

	resp = srv.do(t, http.MethodGet, "/api/stock/", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, assets, decode[[]StockLevelDTO](t, resp))
}

func TestAssignmentReturn_OverHTTP(t *testing.T) {
	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	srv.do(t, http.MethodPost, "/api/purchases", officer, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 5})

	resp := srv.do(t, http.MethodPost, "/api/assignments/assign", officer, AssignmentRequest{
		BaseID: "base-a", EquipmentTypeID: "rifle", PersonnelName: "Sgt. Reyes", Quantity: 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a := decode[AssignmentDTO](t, resp)
	assert.Equal(t, "active", a.Status)
	assert.Equal(t, "2025-03-10", a.AssignmentDate)

	resp = srv.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/return", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "returned", decode[AssignmentDTO](t, resp).Status)

	resp = srv.do(t, http.MethodPost, "/api/assignments/"+a.ID+"/return", officer, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/assignments/expend", officer, ExpenditureRequest{
		BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 1, Reason: "training",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/assignments/expenditures?baseId=base-a", officer, nil)
	expenditures := decode[[]ExpenditureDTO](t, resp)
	require.Len(t, expenditures, 1)
	assert.Equal(t, "training", expenditures[0].Reason)

	resp = srv.do(t, http.MethodGet, "/api/stock/balance?baseId=base-a&equipmentTypeId=rifle", officer, nil)
	assert.Equal(t, int64(4), decode[BalanceDTO](t, resp).Balance)
}

func TestCancelTransfer_EmptyBody(t *testing.T) {
	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	srv.do(t, http.MethodPost, "/api/purchases", officer, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 3})
	resp := srv.do(t, http.MethodPost, "/api/transfers", officer, TransferRequest{
		FromBaseID: "base-a", ToBaseID: "base-b", EquipmentTypeID: "rifle", Quantity: 3,
	})
	transfer := decode[TransferDTO](t, resp)

	resp = srv.do(t, http.MethodPost, "/api/transfers/"+transfer.ID+"/cancel", officer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decode[TransferDTO](t, resp).Status)

	resp = srv.do(t, http.MethodPost, "/api/transfers/"+transfer.ID+"/complete", officer, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state_transition", decode[ErrorResponse](t, resp).Class)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorResponses(t *testing.T) {
	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		class  string
	}{
		{"insufficient stock", http.MethodPost, "/api/transfers",
			TransferRequest{FromBaseID: "base-a", ToBaseID: "base-b", EquipmentTypeID: "rifle", Quantity: 1},
			http.StatusUnprocessableEntity, "insufficient_stock"},
		{"zero quantity", http.MethodPost, "/api/purchases",
			PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 0},
			http.StatusBadRequest, "validation"},
		{"future date", http.MethodPost, "/api/purchases",
			PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 1, PurchaseDate: "2025-04-01"},
			http.StatusBadRequest, "validation"},
		{"malformed date", http.MethodGet, "/api/purchases?startDate=03/01/2025", nil,
			http.StatusBadRequest, "validation"},
		{"reversed window", http.MethodGet, "/api/dashboard/metrics?startDate=2025-03-05&endDate=2025-03-01", nil,
			http.StatusBadRequest, "validation"},
		{"unknown status", http.MethodGet, "/api/transfers?status=lost", nil,
			http.StatusBadRequest, "validation"},
		{"unknown base", http.MethodPost, "/api/purchases",
			PurchaseRequest{BaseID: "base-z", EquipmentTypeID: "rifle", Quantity: 1},
			http.StatusNotFound, "not_found"},
		{"unknown transfer", http.MethodGet, "/api/transfers/nope", nil,
			http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.path, officer, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.class, body.Class)
			assert.NotEmpty(t, body.Details)
		})
	}
}

func TestStatusFor(t *testing.T) {
	conflict := &ledger.ConflictError{Reason: "log advanced"}
	assert.Equal(t, http.StatusConflict, statusFor(conflict))
	assert.True(t, ledger.IsRetryable(conflict))
	assert.Equal(t, http.StatusForbidden, statusFor(&ledger.OutOfScopeError{Principal: "p", Base: "b"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}

func TestMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/purchases", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+officer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// AUTHENTICATION & SCOPE
// =============================================================================

func TestAuth_RejectsMissingAndForgedTokens(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodGet, "/api/common/bases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := NewAuthenticator("other-secret", "ledger-test").Issue("mallory", ledger.RoleAdmin, "", time.Hour)
	require.NoError(t, err)
	resp = srv.do(t, http.MethodGet, "/api/common/bases", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongIssuer, err := NewAuthenticator("test-secret", "someone-else").Issue("mallory", ledger.RoleAdmin, "", time.Hour)
	require.NoError(t, err)
	resp = srv.do(t, http.MethodGet, "/api/common/bases", wrongIssuer, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := srv.auth.Issue("late", ledger.RoleAdmin, "", -time.Minute)
	require.NoError(t, err)
	resp = srv.do(t, http.MethodGet, "/api/common/bases", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClaims_Principal(t *testing.T) {
	commander := Claims{Role: "base_commander", BaseID: "base-a"}
	commander.Subject = "cmdr"
	p, err := commander.Principal()
	require.NoError(t, err)
	assert.Equal(t, []ledger.BaseID{"base-a"}, p.Bases)

	officer := Claims{Role: "logistics_officer", BaseID: "base-a"}
	officer.Subject = "lo"
	p, err = officer.Principal()
	require.NoError(t, err)
	assert.True(t, p.Unrestricted())

	orphan := Claims{Role: "base_commander"}
	orphan.Subject = "cmdr"
	_, err = orphan.Principal()
	assert.Error(t, err)

	unknown := Claims{Role: "quartermaster"}
	unknown.Subject = "q"
	_, err = unknown.Principal()
	assert.Error(t, err)
}

func TestBaseCommander_Scope(t *testing.T) {
	// GIVEN: A commander of base-a
	// WHEN: They act on base-b or list bases
	// THEN: Writes outside scope are 403 and listings only show base-a

	srv := newTestServer(t)
	commander := srv.token(t, "cmdr-a", ledger.RoleBaseCommander, "base-a")

	resp := srv.do(t, http.MethodPost, "/api/purchases", commander, PurchaseRequest{BaseID: "base-b", EquipmentTypeID: "rifle", Quantity: 1})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "out_of_scope", decode[ErrorResponse](t, resp).Class)

	resp = srv.do(t, http.MethodPost, "/api/purchases", commander, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 1})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/common/bases", commander, nil)
	bases := decode[[]BaseDTO](t, resp)
	require.Len(t, bases, 1)
	assert.Equal(t, "base-a", bases[0].ID)

	resp = srv.do(t, http.MethodPost, "/api/common/bases", commander, BaseDTO{ID: "base-c", Name: "Charlie"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/admin/verify", commander, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdmin_ReferenceDataAndVerify(t *testing.T) {
	srv := newTestServer(t)
	admin := srv.token(t, "root", ledger.RoleAdmin, "")

	resp := srv.do(t, http.MethodPost, "/api/common/equipment-types", admin, EquipmentTypeDTO{ID: "truck", Name: "Truck", Category: "vehicle"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/common/equipment-types", admin, nil)
	assert.Len(t, decode[[]EquipmentTypeDTO](t, resp), 2)

	resp = srv.do(t, http.MethodPost, "/api/common/equipment-types", admin, EquipmentTypeDTO{ID: "truck", Name: "Lorry", Category: "vehicle"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "registered types cannot be renamed")
	resp.Body.Close()

	srv.do(t, http.MethodPost, "/api/purchases", admin, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "truck", Quantity: 2})

	resp = srv.do(t, http.MethodGet, "/api/admin/verify", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[VerifyReportDTO](t, resp)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Events)
	assert.Empty(t, report.Violations)
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	officer := srv.token(t, "officer-1", ledger.RoleLogisticsOfficer, "")

	srv.do(t, http.MethodPost, "/api/purchases", officer, PurchaseRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 7})
	srv.do(t, http.MethodPost, "/api/assignments/expend", officer, ExpenditureRequest{BaseID: "base-a", EquipmentTypeID: "rifle", Quantity: 99, Reason: "x"})

	resp := srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `ledger_events_total{kind="purchase"} 1`)
	assert.Contains(t, body, `ledger_units_total{kind="purchase"} 7`)
	assert.Contains(t, body, `ledger_rejections_total{class="insufficient_stock",op="record_expenditure"} 1`)
	assert.Contains(t, body, `ledger_head_seq 1`)
	assert.Contains(t, body, `ledger_http_request_duration_seconds_count{method="POST"`)
}
