package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stagematrix/internal/auth"
	"stagematrix/internal/matrix"
	"stagematrix/internal/metrics"
	"stagematrix/internal/stage"
)

const maxBodyBytes = 1 << 20

type Verifier interface {
	Verify(token string) error
}

// ResponseCache replays responses for repeated Idempotency-Key values.
type ResponseCache interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, body []byte) error
}

type Options struct {
	Logger    *slog.Logger
	Verifier  Verifier
	Responses ResponseCache
	Metrics   *metrics.Metrics
}

type Server struct {
	log       *slog.Logger
	verifier  Verifier
	responses ResponseCache
	metrics   *metrics.Metrics
	engine    *matrix.Engine
	mux       *chi.Mux
}

func New(engine *matrix.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		log:       opts.Logger,
		verifier:  opts.Verifier,
		responses: opts.Responses,
		metrics:   opts.Metrics,
		engine:    engine,
		mux:       chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/stages", s.handleStages)

		r.Group(func(r chi.Router) {
			r.Use(s.idempotent)
			r.Post("/members", s.handleRegister)
			r.Post("/members/{id}/payment", s.handleConfirmPayment)
			r.Post("/members/{id}/deposits", s.handleRecordDeposit)
			r.Post("/deposits/{id}/approve", s.handleApproveDeposit)
			r.Post("/referrals", s.handleReferral)
		})

		r.Post("/members/{id}/progression/check", s.handleProgressionCheck)
		r.Post("/progression/sweep", s.handleSweep)
		r.Get("/members/{id}/summary", s.handleSummary)
		r.Get("/members/{id}/matrix/{stage}", s.handleMatrixTree)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "operator authentication is not configured")
			return
		}
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := s.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// idempotent replays the first definitive response recorded for an
// Idempotency-Key. Conflicts and server errors are not recorded so the
// client can retry them.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || s.responses == nil {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := r.URL.Path + ":" + key
		if raw, ok, err := s.responses.Load(r.Context(), cacheKey); err != nil {
			s.log.Warn("idempotency lookup failed", "err", err, "path", r.URL.Path)
		} else if ok {
			var prev storedResponse
			if err := json.Unmarshal(raw, &prev); err == nil {
				w.Header().Set("Idempotent-Replayed", "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(prev.Status)
				_, _ = w.Write(prev.Body)
				return
			}
		}

		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == http.StatusConflict || status >= http.StatusInternalServerError {
			return
		}
		raw, err := json.Marshal(storedResponse{Status: status, Body: bytes.TrimSpace(buf.Bytes())})
		if err != nil {
			return
		}
		if err := s.responses.Store(r.Context(), cacheKey, raw); err != nil {
			s.log.Warn("idempotency store failed", "err", err, "path", r.URL.Path)
		}
	})
}

type stageView struct {
	Stage                  stage.Stage  `json:"stage"`
	Bonus                  float64      `json:"bonus"`
	RequiredQualifiedSlots int          `json:"required_qualified_slots"`
	MatrixLevels           int          `json:"matrix_levels"`
	Prerequisite           *stage.Stage `json:"prerequisite,omitempty"`
	Incentives             []string     `json:"incentives,omitempty"`
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	catalog := s.engine.Catalog()
	var out []stageView
	for _, e := range catalog.Entries() {
		v := stageView{
			Stage:                  e.Stage,
			Bonus:                  stage.MicrosToUnits(e.BonusMicros),
			RequiredQualifiedSlots: e.RequiredQualifiedSlots,
			MatrixLevels:           catalog.Levels(e.Stage),
			Incentives:             e.Incentives,
		}
		if e.Gated {
			p := e.Prerequisite
			v.Prerequisite = &p
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in matrix.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.engine.RegisterMember(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount       float64 `json:"amount"`
		AmountMicros int64   `json:"amount_micros"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount := in.AmountMicros
	if amount == 0 {
		amount = stage.UnitsToMicros(in.Amount)
	}
	d, err := s.engine.RecordDeposit(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleApproveDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid deposit id")
		return
	}
	d, err := s.engine.ApproveDeposit(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReferral(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ReferrerID string `json:"referrer_id"`
		MemberID   string `json:"member_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.ProcessReferral(r.Context(), in.ReferrerID, in.MemberID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleProgressionCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CheckLevelProgression(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.SweepProgression(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMatrixTree(w http.ResponseWriter, r *http.Request) {
	st, err := stage.Parse(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown stage "+chi.URLParam(r, "stage"))
		return
	}
	depth, err := queryInt(r, "depth", matrix.DefaultTreeDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.MatrixTree(r.Context(), chi.URLParam(r, "id"), st, depth)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matrix.ErrInvalidInput), errors.Is(err, stage.ErrUnknownStage),
		errors.Is(err, matrix.ErrReferralCodeUnknown):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, matrix.ErrReferrerNotFound), errors.Is(err, matrix.ErrUserNotFound),
		errors.Is(err, matrix.ErrDepositNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, matrix.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, matrix.ErrTxConflict), errors.Is(err, matrix.ErrReferralCodeTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
