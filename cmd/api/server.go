package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanserv/pkg/ledger"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/mcclellann/loanserv/pkg/store"
	"go.uber.org/zap"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
	log     *zap.Logger
}

func NewServer(l *ledger.Ledger, s store.Storage, log *zap.Logger) *Server {
	return &Server{ledger: l, storage: s, log: log}
}

// Router mounts every route behind request id, panic recovery and request logging.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, s.requestLogger)

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/status", s.loanStatusHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.registerPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/participations", s.addParticipationHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/agreements", s.createAgreementHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/mora/accrue", s.accrueMoraHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/mora/condone", s.condoneMoraHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/cancellation", s.requestCancellationHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/cancellation/complete", s.completeCancellationHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/uncollectible", s.markUncollectibleHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reset", s.resetLoanHandler).Methods("POST")

	router.HandleFunc("/payments/{id}/reverse", s.reversePaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/false", s.falsePaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/validate", s.validatePaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/liquidate", s.liquidatePaymentHandler).Methods("POST")
	router.HandleFunc("/shares/{id}/liquidate", s.liquidateShareHandler).Methods("POST")
	router.HandleFunc("/investors/{id}/liquidate", s.liquidateInvestorHandler).Methods("POST")
	router.HandleFunc("/investors/{id}/prepare-liquidation", s.prepareLiquidationHandler).Methods("POST")
	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind to a status code. Errors outside the
// taxonomy are logged and reported as internal without their detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	var status int
	switch kind {
	case models.ErrValidation:
		status = http.StatusBadRequest
	case models.ErrNotFound:
		status = http.StatusNotFound
	case models.ErrStateConflict:
		status = http.StatusConflict
	case models.ErrInsufficientAmount, models.ErrAmbiguousOverpayment:
		status = http.StatusUnprocessableEntity
	default:
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: "internal"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.Error(), Code: models.CodeOf(err)})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return models.Validation("invalid request body: %v", err)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, models.Validation("invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

// actor reads the acting user forwarded by the identity provider.
func actor(r *http.Request) models.Actor {
	return models.Actor{ID: r.Header.Get("X-Actor-ID"), Role: r.Header.Get("X-Actor-Role")}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateLoanRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// listLoansHandler accepts ?status=ACTIVO,MOROSO to filter.
func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []models.LoanStatus
	for _, v := range r.URL.Query()["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, models.LoanStatus(strings.ToUpper(st)))
			}
		}
	}
	loans, err := s.ledger.ListLoans(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) loanStatusHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.ledger.GetLoanStatus(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.ListPayments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) registerPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.PaymentRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.LoanID = loanID
	req.Actor = actor(r)

	payment, err := s.ledger.RegisterPayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) addParticipationHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.ParticipationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.LoanID = loanID
	part, err := s.ledger.AddParticipation(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, part)
}

func (s *Server) createAgreementHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.AgreementRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.LoanID = loanID
	req.Actor = actor(r)
	a, err := s.ledger.CreateAgreement(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) accrueMoraHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, charged, err := s.ledger.AccrueMora(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mora": m, "charged": charged})
}

func (s *Server) condoneMoraHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.ledger.CondoneMora(r.Context(), loanID, req.Reason, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) requestCancellationHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.ledger.RequestCancellation(r.Context(), loanID, req.Reason, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) completeCancellationHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.CompleteCancellation(r.Context(), loanID, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) markUncollectibleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.ledger.MarkUncollectible(r.Context(), loanID, req.Reason, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) resetLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.ResetRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.LoanID = loanID
	req.Actor = actor(r)
	payment, err := s.ledger.ResetLoan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) reversePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.ReversePayment(r.Context(), paymentID, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) falsePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.MarkFalsePayment(r.Context(), paymentID, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) validatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		CapitalOnly bool `json:"capital_only"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.ValidatePayment(r.Context(), paymentID, req.CapitalOnly, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) liquidatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.ledger.LiquidateShares(r.Context(), ledger.LiquidationTarget{PaymentID: paymentID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"liquidated": n})
}

func (s *Server) liquidateShareHandler(w http.ResponseWriter, r *http.Request) {
	shareID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	share, err := s.ledger.LiquidateShare(r.Context(), shareID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

// Investor ids are external keys, not UUIDs.
func (s *Server) liquidateInvestorHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.LiquidateShares(r.Context(), ledger.LiquidationTarget{InvestorID: mux.Vars(r)["id"]})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"liquidated": n})
}

func (s *Server) prepareLiquidationHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.PrepareLiquidation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}
