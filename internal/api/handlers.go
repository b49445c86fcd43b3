package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mailsling/mailsling/internal/dispatch"
	"github.com/mailsling/mailsling/internal/email"
	"github.com/mailsling/mailsling/internal/store"
	"github.com/mailsling/mailsling/internal/transport"
)

// DispatchRequest is the request body for POST /dispatch
type DispatchRequest struct {
	Company    string            `json:"companyId"`
	Subject    string            `json:"subject"`
	Recipients []email.Recipient `json:"recipients"`
	Audience   string            `json:"audienceType"`
}

// StatsResponse is the response for GET /stats
type StatsResponse struct {
	TotalStudentSent int64 `json:"totalStudentSent"`
	TotalClientSent  int64 `json:"totalClientSent"`
	TotalAllSent     int64 `json:"totalAllSent"`
	UnsubCount       int64 `json:"unsubCount"`
}

// StatsDetailResponse is the response for GET /stats/detail
type StatsDetailResponse struct {
	StatsResponse
	ClientLogs   []*store.LogEntry          `json:"clientLogs"`
	StudentLogs  []*store.LogEntry          `json:"studentLogs"`
	Unsubscribes []*store.UnsubscribeRecord `json:"unsubscribes"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleDispatch handles POST /api/v1/dispatch
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Company == "" {
		s.sendError(w, http.StatusBadRequest, "companyId is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "no recipients provided")
		return
	}

	result, err := s.engine.Dispatch(r.Context(), &dispatch.Request{
		Company:    req.Company,
		Subject:    req.Subject,
		Recipients: req.Recipients,
		Audience:   store.Audience(req.Audience),
	})
	if err != nil {
		if errors.Is(err, transport.ErrUnknownCompany) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("dispatch failed", "company", req.Company, "error", err)
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("dispatch completed via API",
		"company", req.Company,
		"sent", result.Sent,
		"total", result.Total,
	)

	s.sendJSON(w, http.StatusOK, result)
}

// handleClick handles GET /click. The redirect must happen no matter what:
// a recipient following a rewritten link is never shown a tracking error.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("email")
	target := r.URL.Query().Get("url")

	if addr != "" && target != "" {
		if err := s.store.AppendClick(r.Context(), addr, target, time.Now()); err != nil {
			s.logger.Error("click record failed", "email", addr, "error", err)
		} else {
			s.metrics.ClicksTotal.Inc()
			s.logger.Info("click recorded", "email", addr, "url", target)
		}
	}

	if target == "" {
		target = s.config.Tracking.FallbackURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleUnsubscribe handles GET /unsubscribe
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("email")
	if addr == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := s.store.AddUnsubscribe(r.Context(), addr); err != nil {
		// The confirmation page still renders; the recipient considers
		// themselves unsubscribed either way.
		s.logger.Error("unsubscribe record failed", "email", addr, "error", err)
	} else {
		s.metrics.UnsubscribesTotal.Inc()
		s.logger.Info("unsubscribe recorded", "email", addr)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
	<h1>You have been unsubscribed</h1>
	<p>You will no longer receive emails from us.</p>
</body></html>`))
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.collectStats(r)
	if err != nil {
		s.logger.Error("failed to collect stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleStatsDetail handles GET /api/v1/stats/detail
func (s *Server) handleStatsDetail(w http.ResponseWriter, r *http.Request) {
	stats, err := s.collectStats(r)
	if err != nil {
		s.logger.Error("failed to collect stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}

	clientLogs, err := s.store.ListLogs(r.Context(), store.AudienceClient)
	if err != nil {
		s.logger.Error("failed to list client logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list delivery logs")
		return
	}
	studentLogs, err := s.store.ListLogs(r.Context(), store.AudienceStudent)
	if err != nil {
		s.logger.Error("failed to list student logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list delivery logs")
		return
	}
	unsubs, err := s.store.ListUnsubscribes(r.Context())
	if err != nil {
		s.logger.Error("failed to list unsubscribes", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list unsubscribes")
		return
	}

	s.sendJSON(w, http.StatusOK, StatsDetailResponse{
		StatsResponse: *stats,
		ClientLogs:    clientLogs,
		StudentLogs:   studentLogs,
		Unsubscribes:  unsubs,
	})
}

func (s *Server) collectStats(r *http.Request) (*StatsResponse, error) {
	clientCount, err := s.store.CountLogs(r.Context(), store.AudienceClient)
	if err != nil {
		return nil, err
	}
	studentCount, err := s.store.CountLogs(r.Context(), store.AudienceStudent)
	if err != nil {
		return nil, err
	}
	unsubCount, err := s.store.CountUnsubscribes(r.Context())
	if err != nil {
		return nil, err
	}

	return &StatsResponse{
		TotalStudentSent: studentCount,
		TotalClientSent:  clientCount,
		TotalAllSent:     clientCount + studentCount,
		UnsubCount:       unsubCount,
	}, nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: "0.1.0",
		Uptime:  time.Since(s.startTime).String(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
