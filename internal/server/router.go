package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"echoattime/internal/intake"
	"echoattime/internal/journal"
	"echoattime/internal/log"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// Scheduler accepts client messages.
type Scheduler interface {
	Schedule(ctx context.Context, rawTime, message string) (intake.Receipt, error)
}

// Checker answers liveness probes.
type Checker interface {
	Check(ctx context.Context) error
}

// DeliveryLister lists journaled deliveries.
type DeliveryLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Delivery, error)
}

type Deps struct {
	Intake    Scheduler
	Health    Checker
	Journal   DeliveryLister // optional
	RateLimit int            // requests per minute per client IP
	Logger    *log.Logger
}

const (
	defaultDeliveriesLimit = 50
	maxDeliveriesLimit     = 1000
)

// SetupRouter mounts the intake, health, and journal routes on r.
func SetupRouter(r *chi.Mux, deps Deps) {
	logger := deps.Logger
	if deps.RateLimit > 0 {
		r.Use(httprate.Limit(deps.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Server is running!"))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Health.Check(r.Context()); err != nil {
			logger.Error("Health check failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Post("/echoAtTime", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			logger.Error("Failed to decode schedule request", zap.Error(err))
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		logger.Info("Received schedule request")

		rawTime, okTime := body["time"]
		rawMsg, okMsg := body["message"]
		if !okTime || !okMsg {
			logger.Error("Missing required fields: time and message")
			writeError(w, http.StatusBadRequest, "Missing required fields: time and message")
			return
		}
		if isNull(rawTime) || isNull(rawMsg) {
			logger.Error("Time and message cannot be null")
			writeError(w, http.StatusBadRequest, "Time and message cannot be null")
			return
		}
		var at, message string
		if json.Unmarshal(rawTime, &at) != nil || json.Unmarshal(rawMsg, &message) != nil {
			logger.Error("Time and message must be strings")
			writeError(w, http.StatusBadRequest, "Time and message must be strings")
			return
		}

		receipt, err := deps.Intake.Schedule(r.Context(), at, message)
		var verr *intake.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		case err != nil:
			logger.Error("Failed to schedule message", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":         "Message scheduled successfully",
			"message_id":     receipt.ID,
			"scheduled_time": receipt.ScheduledTime,
		}, logger)
	})

	if deps.Journal != nil {
		r.Get("/deliveries", func(w http.ResponseWriter, r *http.Request) {
			limit := defaultDeliveriesLimit
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeError(w, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				limit = min(n, maxDeliveriesLimit)
			}
			deliveries, err := deps.Journal.Recent(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list deliveries", zap.Error(err))
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if deliveries == nil {
				deliveries = []journal.Delivery{}
			}
			writeJSON(w, http.StatusOK, deliveries, logger)
		})
	}
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
