/*
handlers.go - HTTP API handlers for the operator admin surface

PURPOSE:
  Exposes the ledger to back-office tooling. Handles HTTP request/response
  and JSON serialization, and delegates everything else to the ledger
  packages. No balance arithmetic happens here.

ENDPOINTS:
  Owners:
    GET    /api/owners/{owner}/balances              All balance rows
    GET    /api/owners/{owner}/balances/{resource}   One balance row
    GET    /api/owners/{owner}/movements             Paged history (newest first)
    POST   /api/owners/{owner}/adjustments           Signed inventory correction

  Deposits:
    GET    /api/owners/{owner}/deposits              Outstanding containers
    POST   /api/owners/{owner}/deposits/give         Containers handed out
    POST   /api/owners/{owner}/deposits/return       Containers returned
    POST   /api/owners/{owner}/deposits/charge       Invoice one container type
    POST   /api/owners/{owner}/deposits/charge-all   Invoice everything outstanding
    POST   /api/orders/completed                     Order delivery hook

  Wallet:
    GET    /api/owners/{owner}/wallet                Balance
    POST   /api/owners/{owner}/wallet/topup          Credit
    POST   /api/owners/{owner}/wallet/withdraw       Debit
    GET    /api/owners/{owner}/wallet/statement      Statement (?year= or ?from=&to= RFC3339)

  Movements:
    GET    /api/movements/{id}
    POST   /api/movements/{id}/reverse

  Reconciliation:
    POST   /api/reconcile                            One (owner, resource) pair
    POST   /api/reconcile/all                        Every balance row
    GET    /api/reconcile/last                       Last scheduled run

  Cashback:
    GET    /api/cashback/{period}/owners/{owner}     Calculate (no writes)
    POST   /api/cashback/process                     One owner
    POST   /api/cashback/batch                       Many owners
    GET    /api/cashback/{period}/records            Records of a period
    POST   /api/cashback/records/{id}/reverse        Reverse a processed record

ERROR HANDLING:
  Errors are returned as JSON {error, kind, details} with the status from
  statusFor:
  - 400: Validation errors, invalid input
  - 404: Movement, owner or record not found
  - 409: Already processed, not reversible, not processed, duplicate,
         concurrent-write conflict, batch already running
  - 422: Insufficient balance, not eligible
  - 502: Upstream collaborator failed
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/deposit"
	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/store/redislock"
	"github.com/warp/ledger-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *generic.Service
	Deposits   *deposit.Ledger
	Wallet     *wallet.Wallet
	Reconciler *generic.Reconciler
	Cashback   *cashback.Processor
	Scheduler  *ReconciliationScheduler
	Logger     *zap.Logger
}

// NewHandler wires the ledger packages around one service.
func NewHandler(svc *generic.Service, proc *cashback.Processor) *Handler {
	return &Handler{
		Service:    svc,
		Deposits:   deposit.NewLedger(svc),
		Wallet:     wallet.New(svc),
		Reconciler: generic.NewReconciler(svc),
		Cashback:   proc,
		Logger:     svc.Logger().Named("api"),
	}
}

// =============================================================================
// BALANCES AND MOVEMENTS
// =============================================================================

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Service.Balances(r.Context(), ownerParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, toBalanceDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	resource := generic.LookupResource(chi.URLParam(r, "resource"))
	if resource == nil {
		h.fail(w, r, &generic.ValidationError{Field: "resource", Reason: "unknown resource"})
		return
	}
	b, err := h.Service.Balance(r.Context(), ownerParam(r), resource)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ListMovements pages the owner's history. ?before= is the cursor returned
// as next_cursor by the previous page.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.MovementFilter{
		OwnerID:    ownerParam(r),
		ResourceID: q.Get("resource"),
		Direction:  generic.Direction(q.Get("direction")),
		Source:     generic.Source(q.Get("source")),
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.fail(w, r, &generic.ValidationError{Field: "limit", Reason: "must be 1..500"})
			return
		}
		limit = n
	}
	if v := q.Get("before"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.fail(w, r, &generic.ValidationError{Field: "before", Reason: "must be a movement id"})
			return
		}
		filter.BeforeID = generic.MovementID(id)
	}
	filter.Limit = limit

	movements, err := h.Service.Movements(filter).Collect(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page := MovementPageDTO{Movements: make([]MovementDTO, 0, len(movements))}
	for _, m := range movements {
		page.Movements = append(page.Movements, toMovementDTO(m))
	}
	if len(movements) == limit {
		page.NextCursor = int64(movements[len(movements)-1].ID)
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetMovement(w http.ResponseWriter, r *http.Request) {
	id, err := movementParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Service.Movement(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(m))
}

func (h *Handler) ReverseMovement(w http.ResponseWriter, r *http.Request) {
	id, err := movementParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.Service.Reverse(r.Context(), generic.ReverseInput{MovementID: id, Reason: req.Reason, AuthorID: req.AuthorID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	resource := generic.LookupResource(req.Resource)
	if resource == nil {
		h.fail(w, r, &generic.ValidationError{Field: "resource", Reason: "unknown resource"})
		return
	}
	m, err := h.Service.Adjust(r.Context(), generic.AdjustInput{
		OwnerID:  ownerParam(r),
		Resource: resource,
		Delta:    req.Delta,
		Note:     req.Note,
		AuthorID: req.AuthorID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

// =============================================================================
// DEPOSITS
// =============================================================================

func (h *Handler) Outstanding(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.Deposits.Outstanding(r.Context(), ownerParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]HoldingDTO, 0, len(holdings))
	for _, hd := range holdings {
		dtos = append(dtos, toHoldingDTO(hd))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) containerRequest(w http.ResponseWriter, r *http.Request) (deposit.Request, bool) {
	var req ContainerRequest
	if !h.decode(w, r, &req) {
		return deposit.Request{}, false
	}
	container, err := deposit.ParseContainer(req.Container)
	if err != nil {
		h.fail(w, r, err)
		return deposit.Request{}, false
	}
	return deposit.Request{
		OwnerID:        ownerParam(r),
		Container:      container,
		Quantity:       req.Quantity,
		Note:           req.Note,
		AuthorID:       req.AuthorID,
		IdempotencyKey: req.IdempotencyKey,
	}, true
}

func (h *Handler) Give(w http.ResponseWriter, r *http.Request) {
	req, ok := h.containerRequest(w, r)
	if !ok {
		return
	}
	m, err := h.Deposits.Give(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	req, ok := h.containerRequest(w, r)
	if !ok {
		return
	}
	m, err := h.Deposits.Return(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	req, ok := h.containerRequest(w, r)
	if !ok {
		return
	}
	res, err := h.Deposits.Charge(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeResultDTO(res))
}

// ChargeAll answers 207 when some container types failed.
func (h *Handler) ChargeAll(w http.ResponseWriter, r *http.Request) {
	var req ChargeAllRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, err := h.Deposits.ChargeAll(r.Context(), ownerParam(r), req.Note, req.AuthorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	dtos := make([]ChargeResultDTO, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			status = http.StatusMultiStatus
		}
		dtos = append(dtos, toChargeResultDTO(res))
	}
	writeJSON(w, status, dtos)
}

func (h *Handler) OrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req CompletedOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order := deposit.CompletedOrder{ID: req.ID, OwnerID: generic.OwnerID(req.OwnerID)}
	for _, l := range req.Lines {
		order.Lines = append(order.Lines, deposit.CompletedLine{ResourceID: l.ResourceID, Delivered: l.Delivered, Collected: l.Collected})
	}
	booked, err := h.Deposits.OnOrderCompleted(r.Context(), order)
	if err != nil && len(booked) == 0 {
		h.fail(w, r, err)
		return
	}
	dtos := make([]MovementDTO, 0, len(booked))
	for _, m := range booked {
		dtos = append(dtos, toMovementDTO(m))
	}
	status := http.StatusOK
	if err != nil {
		h.Logger.Warn("order partially booked", zap.String("order_id", req.ID), zap.Error(err))
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, dtos)
}

// =============================================================================
// WALLET
// =============================================================================

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.Balance(r.Context(), ownerParam(r), generic.WalletResource)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) walletRequest(w http.ResponseWriter, r *http.Request) (wallet.Request, bool) {
	var req WalletRequest
	if !h.decode(w, r, &req) {
		return wallet.Request{}, false
	}
	return wallet.Request{
		OwnerID:        ownerParam(r),
		Amount:         req.Amount,
		Description:    req.Description,
		OrderID:        req.OrderID,
		AuthorID:       req.AuthorID,
		IdempotencyKey: req.IdempotencyKey,
	}, true
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	req, ok := h.walletRequest(w, r)
	if !ok {
		return
	}
	m, err := h.Wallet.TopUp(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.walletRequest(w, r)
	if !ok {
		return
	}
	m, err := h.Wallet.Withdraw(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil || year < 1 {
			h.fail(w, r, &generic.ValidationError{Field: "year", Reason: "must be a calendar year"})
			return
		}
		st, err := h.Wallet.StatementFor(r.Context(), ownerParam(r), generic.CalendarYear(year))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toStatementDTO(st))
		return
	}
	from, err := timeParam(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Wallet.Statement(r.Context(), ownerParam(r), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		h.fail(w, r, &generic.ValidationError{Field: "owner_id", Reason: "required"})
		return
	}
	resource := generic.LookupResource(req.Resource)
	if resource == nil {
		h.fail(w, r, &generic.ValidationError{Field: "resource", Reason: "unknown resource"})
		return
	}
	report, err := h.Reconciler.Reconcile(r.Context(), generic.OwnerID(req.OwnerID), resource)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// ReconcileAll goes through the scheduler when one is running, so the
// report shows up in /reconcile/last.
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	var report generic.BulkReconciliationReport
	var err error
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Reconciler.ReconcileAll(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkReconciliationDTO(report))
}

func (h *Handler) LastReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not running", "not_found", nil)
		return
	}
	report, ok := h.Scheduler.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet", "not_found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toBulkReconciliationDTO(report))
}

// =============================================================================
// CASHBACK
// =============================================================================

func (h *Handler) CalculateCashback(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	calc, err := h.Cashback.Calculate(r.Context(), ownerParam(r), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(calc))
}

func (h *Handler) ProcessCashback(w http.ResponseWriter, r *http.Request) {
	var req CashbackProcessRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Cashback.Process(r.Context(), generic.OwnerID(req.OwnerID), req.Period, cashback.ProcessOptions{
		Force:       req.Force,
		Description: req.Description,
		AuthorID:    req.AuthorID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCashbackRecordDTO(rec))
}

func (h *Handler) ProcessCashbackBatch(w http.ResponseWriter, r *http.Request) {
	var req CashbackBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	owners := make([]generic.OwnerID, 0, len(req.OwnerIDs))
	for _, id := range req.OwnerIDs {
		owners = append(owners, generic.OwnerID(id))
	}
	report, err := h.Cashback.ProcessBatch(r.Context(), req.Period, owners, cashback.ProcessOptions{
		Force:    req.Force,
		AuthorID: req.AuthorID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchReportDTO(report))
}

func (h *Handler) ListCashbackRecords(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.Cashback.Records(r.Context(), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]CashbackRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toCashbackRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReverseCashback(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Cashback.Reverse(r.Context(), chi.URLParam(r, "id"), req.Reason, req.AuthorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCashbackRecordDTO(rec))
}

// =============================================================================
// HELPERS
// =============================================================================

func ownerParam(r *http.Request) generic.OwnerID {
	return generic.OwnerID(chi.URLParam(r, "owner"))
}

func movementParam(r *http.Request) (generic.MovementID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &generic.ValidationError{Field: "id", Reason: "must be a positive movement id"}
	}
	return generic.MovementID(id), nil
}

func periodParam(r *http.Request) (int, error) {
	period, err := strconv.Atoi(chi.URLParam(r, "period"))
	if err != nil || period < 1 {
		return 0, &generic.ValidationError{Field: "period", Reason: "must be a calendar year"}
	}
	return period, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &generic.ValidationError{Field: name, Reason: "must be RFC3339"}
	}
	return t, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation", err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), Kind: kindOf(err)}
}

func kindOf(err error) string {
	if isRunLocked(err) {
		return "run_in_progress"
	}
	return generic.KindOf(err)
}

func isRunLocked(err error) bool {
	return errors.Is(err, cashback.ErrRunInProgress) || errors.Is(err, redislock.ErrLockHeld)
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case isRunLocked(err):
		return http.StatusConflict
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInsufficientBalance),
		errors.Is(err, generic.ErrNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrAlreadyProcessed),
		errors.Is(err, generic.ErrNotReversible),
		errors.Is(err, generic.ErrNotProcessed),
		errors.Is(err, generic.ErrDuplicateIdempotencyKey),
		errors.Is(err, generic.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, generic.ErrUpstreamFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, kind string, err error) {
	resp := ErrorResponse{Error: message, Kind: kind}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": h.Service.Now().Format(time.RFC3339)})
}
