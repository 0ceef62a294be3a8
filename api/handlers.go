/*
handlers.go - HTTP API handlers for the booking-and-settlement engine

PURPOSE:
  Exposes marketplace.Service over REST. Handlers decode and validate the
  request shape, resolve the actor from the bearer token, call exactly one
  service operation and serialize the result.

ENDPOINTS:
  Experts:
    POST   /api/experts                        Register expert (admin, or self)
    GET    /api/experts/{id}                   Expert profile and balance
    PUT    /api/experts/{id}/pricing           Approve session pricing (admin)
    GET    /api/experts/{id}/ledger            Balance and entries (admin, or self)
    POST   /api/experts/{id}/ledger/clear      Settle outstanding balance (admin)
    POST   /api/experts/{id}/slots             Create slot
    GET    /api/experts/{id}/sessions          Expert's sessions (?status=)
    POST   /api/experts/{id}/offerings         Create course or cohort

  Students:
    POST   /api/students                       Register student (admin, or self)
    GET    /api/students/{id}                  Student profile (admin, or self)
    GET    /api/students/{id}/sessions         Student's booked sessions

  Sessions:
    GET    /api/sessions/{id}
    PATCH  /api/sessions/{id}                  Reschedule unbooked slot
    POST   /api/sessions/{id}/book             Book with a verified order
    POST   /api/sessions/{id}/complete         Complete and credit expert
    POST   /api/sessions/{id}/cancel
    POST   /api/sessions/{id}/feedback
    POST   /api/sessions/{id}/refund           Request refund (booking student)

  Refunds (admin):
    GET    /api/refunds                        Requests (?status=)
    POST   /api/refunds/{id}/approve
    POST   /api/refunds/{id}/reject
    POST   /api/refunds/{id}/processed         Mark refunded outside the request flow

  Offerings:
    GET    /api/offerings/{id}
    PUT    /api/offerings/{id}/status          Moderate (admin)
    POST   /api/offerings/{id}/purchase
    POST   /api/offerings/{id}/feedback

  Payments:
    POST   /api/payments/orders                Open provider order
    GET    /api/payments/orders/{id}
    POST   /api/payments/verify                Verify provider signature

ERROR HANDLING:
  marketplace errors map to status codes by Kind (see statusFor). Bodies are
  {"error": message, "kind": kind, "reason": reason}. Unknown errors are
  logged and returned as a generic 500.
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/warp/mentor-marketplace/marketplace"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *marketplace.Service
	Logger   *slog.Logger
	validate *validator.Validate
}

func NewHandler(svc *marketplace.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:  svc,
		Logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// EXPERT HANDLERS
// =============================================================================

func (h *Handler) CreateExpert(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req CreateExpertRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !actor.IsAdmin() {
		if actor.Role != marketplace.RoleExpert || (req.ID != "" && req.ID != actor.ID) {
			writeMessage(w, http.StatusForbidden, "experts can only register themselves")
			return
		}
		req.ID = actor.ID
	}

	expert, err := h.Service.RegisterExpert(r.Context(), marketplace.ExpertInput{
		ID:    marketplace.ExpertID(req.ID),
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpertDTO(expert))
}

func (h *Handler) GetExpert(w http.ResponseWriter, r *http.Request) {
	expert, err := h.Service.GetExpert(r.Context(), marketplace.ExpertID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := toExpertDTO(expert)
	// Balances are only shown to the expert and admins.
	if !canView(actorOf(r), marketplace.RoleExpert, string(expert.ID)) {
		dto.Outstanding = nil
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) SetPricing(w http.ResponseWriter, r *http.Request) {
	var req SetPricingRequest
	if !h.decode(w, r, &req) {
		return
	}
	expert, err := h.Service.SetSessionPricing(r.Context(), actorOf(r), marketplace.ExpertID(chi.URLParam(r, "id")),
		marketplace.SessionPricing{ExpertFee: req.ExpertFee, PlatformFee: req.PlatformFee, Currency: req.Currency})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpertDTO(expert))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canView(actorOf(r), marketplace.RoleExpert, id) {
		writeMessage(w, http.StatusForbidden, "cannot view this ledger")
		return
	}
	view, err := h.Service.GetLedger(r.Context(), marketplace.ExpertID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(view))
}

func (h *Handler) ClearLedger(w http.ResponseWriter, r *http.Request) {
	expert, err := h.Service.ClearLedger(r.Context(), actorOf(r), marketplace.ExpertID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpertDTO(expert))
}

func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	var req CreateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.CreateSlot(r.Context(), actorOf(r), marketplace.ExpertID(chi.URLParam(r, "id")),
		marketplace.SlotInput{Date: req.Date, StartTime: req.StartTime, EndTime: req.EndTime})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(session))
}

func (h *Handler) ListExpertSessions(w http.ResponseWriter, r *http.Request) {
	filter := marketplace.SessionFilter{ExpertID: marketplace.ExpertID(chi.URLParam(r, "id"))}
	if !h.statusFilter(w, r, &filter) {
		return
	}
	h.listSessions(w, r, filter)
}

func (h *Handler) CreateOffering(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferingRequest
	if !h.decode(w, r, &req) {
		return
	}
	offering, err := h.Service.CreateOffering(r.Context(), actorOf(r), marketplace.ExpertID(chi.URLParam(r, "id")),
		marketplace.OfferingInput{
			Kind:            marketplace.OfferingKind(req.Kind),
			Title:           req.Title,
			Price:           req.Price,
			Currency:        req.Currency,
			MaxParticipants: req.MaxParticipants,
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferingDTO(offering))
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req CreateStudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !actor.IsAdmin() {
		if actor.Role != marketplace.RoleStudent || (req.ID != "" && req.ID != actor.ID) {
			writeMessage(w, http.StatusForbidden, "students can only register themselves")
			return
		}
		req.ID = actor.ID
	}

	student, err := h.Service.RegisterStudent(r.Context(), marketplace.StudentInput{
		ID:    marketplace.StudentID(req.ID),
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(student))
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canView(actorOf(r), marketplace.RoleStudent, id) {
		writeMessage(w, http.StatusForbidden, "cannot view this student")
		return
	}
	student, err := h.Service.GetStudent(r.Context(), marketplace.StudentID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(student))
}

func (h *Handler) ListStudentSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canView(actorOf(r), marketplace.RoleStudent, id) {
		writeMessage(w, http.StatusForbidden, "cannot view these sessions")
		return
	}
	filter := marketplace.SessionFilter{StudentID: marketplace.StudentID(id)}
	if !h.statusFilter(w, r, &filter) {
		return
	}
	h.listSessions(w, r, filter)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.GetSession(r.Context(), sessionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) UpdateSlot(w http.ResponseWriter, r *http.Request) {
	var req UpdateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.UpdateSlot(r.Context(), actorOf(r), sessionID(r),
		marketplace.SlotPatch{Date: req.Date, StartTime: req.StartTime, EndTime: req.EndTime})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) BookSession(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.Book(r.Context(), actorOf(r), marketplace.BookInput{
		SessionID: sessionID(r),
		Title:     req.Title,
		OrderID:   marketplace.OrderID(req.OrderID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.Complete(r.Context(), actorOf(r), marketplace.CompleteInput{
		SessionID: sessionID(r),
		NotesText: req.Notes,
		Files:     req.Files,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.Cancel(r.Context(), actorOf(r), sessionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) SubmitSessionFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.SubmitFeedback(r.Context(), actorOf(r), sessionID(r), feedbackInput(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequestBody
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.RequestRefund(r.Context(), actorOf(r), marketplace.RefundInput{
		SessionID:      sessionID(r),
		Reason:         req.Reason,
		SupportingDocs: req.SupportingDocs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(session))
}

func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	status := marketplace.RefundStatus(r.URL.Query().Get("status"))
	switch status {
	case "", marketplace.RefundPending, marketplace.RefundApproved, marketplace.RefundRejected:
	default:
		writeMessage(w, http.StatusBadRequest, "status must be pending, approved or rejected")
		return
	}
	sessions, err := h.Service.ListRefundRequests(r.Context(), actorOf(r), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundDecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	session, err := h.Service.ApproveRefund(r.Context(), actorOf(r), sessionID(r), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Service.RejectRefund(r.Context(), actorOf(r), sessionID(r), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

func (h *Handler) MarkRefundProcessed(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.MarkRefundProcessed(r.Context(), actorOf(r), sessionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// =============================================================================
// OFFERING HANDLERS
// =============================================================================

func (h *Handler) GetOffering(w http.ResponseWriter, r *http.Request) {
	offering, err := h.Service.GetOffering(r.Context(), offeringID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferingDTO(offering))
}

func (h *Handler) SetOfferingStatus(w http.ResponseWriter, r *http.Request) {
	var req OfferingStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	offering, err := h.Service.SetOfferingStatus(r.Context(), actorOf(r), offeringID(r), marketplace.OfferingStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferingDTO(offering))
}

func (h *Handler) PurchaseOffering(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	offering, err := h.Service.Purchase(r.Context(), actorOf(r), marketplace.PurchaseInput{
		OfferingID: offeringID(r),
		OrderID:    marketplace.OrderID(req.OrderID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferingDTO(offering))
}

func (h *Handler) SubmitOfferingFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	offering, err := h.Service.SubmitOfferingFeedback(r.Context(), actorOf(r), offeringID(r), feedbackInput(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferingDTO(offering))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.Service.CreateOrder(r.Context(), actorOf(r), marketplace.OrderInput{
		Purpose:     marketplace.OrderPurpose(req.Purpose),
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Service.GetOrder(r.Context(), marketplace.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !canView(actorOf(r), marketplace.RoleStudent, string(order.StudentID)) {
		writeMessage(w, http.StatusForbidden, "cannot view this order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.Service.VerifyPayment(r.Context(), marketplace.VerifyInput{
		ProviderOrderID: req.OrderID,
		PaymentID:       req.PaymentID,
		Signature:       req.Signature,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, filter marketplace.SessionFilter) {
	sessions, err := h.Service.ListSessions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) statusFilter(w http.ResponseWriter, r *http.Request, filter *marketplace.SessionFilter) bool {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return true
	}
	status, ok := marketplace.ParseSessionStatus(raw)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "unknown session status "+raw)
		return false
	}
	filter.Status = status
	return true
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return h.check(w, dst)
	}
	return h.decode(w, r, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeMessage(w, http.StatusBadRequest, "invalid input")
		return false
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "invalid input",
		Kind:    string(marketplace.KindValidation),
		Details: details,
	})
	return false
}

func feedbackInput(req FeedbackRequest) marketplace.FeedbackInput {
	return marketplace.FeedbackInput{Rating: req.Rating, Heading: req.Heading, Description: req.Description}
}

func actorOf(r *http.Request) marketplace.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

// canView allows admins, and actors of the given role acting on themselves.
func canView(actor marketplace.Actor, role marketplace.Role, id string) bool {
	return actor.IsAdmin() || (actor.Role == role && actor.ID == id)
}

func sessionID(r *http.Request) marketplace.SessionID {
	return marketplace.SessionID(chi.URLParam(r, "id"))
}

func offeringID(r *http.Request) marketplace.OfferingID {
	return marketplace.OfferingID(chi.URLParam(r, "id"))
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var merr *marketplace.Error
	if !errors.As(err, &merr) {
		h.Logger.Error("request failed",
			"component", "api", "request_id", middleware.GetReqID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusFor(merr.Kind)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"component", "api", "request_id", middleware.GetReqID(r.Context()),
			"kind", merr.Kind, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: merr.Error(), Kind: string(merr.Kind), Reason: merr.Reason})
}

func statusFor(kind marketplace.Kind) int {
	switch kind {
	case marketplace.KindValidation, marketplace.KindSignatureMismatch:
		return http.StatusBadRequest
	case marketplace.KindForbidden:
		return http.StatusForbidden
	case marketplace.KindNotFound:
		return http.StatusNotFound
	case marketplace.KindConflict, marketplace.KindCapacity:
		return http.StatusConflict
	case marketplace.KindInvalidState:
		return http.StatusUnprocessableEntity
	case marketplace.KindCalendar, marketplace.KindBookingFailed:
		return http.StatusBadGateway
	case marketplace.KindConfiguration:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
