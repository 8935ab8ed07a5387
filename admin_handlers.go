package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"kyt-gateway/work/config"
	"kyt-gateway/work/database"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/session"
)

// CreateKeyRequest is the body of POST /api/keys.
type CreateKeyRequest struct {
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	ValidDays int    `json:"valid_days"`
	IsAdmin   bool   `json:"is_admin"`
}

var (
	// restartChan signals the serve loop to tear the stack down and rebuild
	// it from a freshly loaded config.
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes registers the management surface. Every route runs behind
// requireAdmin; the admin key arrives as a query parameter (admin_key or
// api_key) or the X-API-Key header.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, db *database.DB, refresher *session.Refresher) {
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return requireAdmin(db, h)
	}

	router.HandleFunc("/api/keys", admin(handleListKeys(db))).Methods("GET")
	router.HandleFunc("/api/keys", admin(handleCreateKey(cfg, db))).Methods("POST")
	router.HandleFunc("/api/keys/{id}/revoke", admin(handleRevokeKey(db))).Methods("POST")
	router.HandleFunc("/api/usage", admin(handleUsage(db))).Methods("GET")
	router.HandleFunc("/api/records", admin(handleRecords(db))).Methods("GET")
	router.HandleFunc("/api/session", admin(handleSessionStatus(refresher))).Methods("GET")
	router.HandleFunc("/api/restart", admin(handleRestart)).Methods("POST")
}

// requireAdmin authenticates the caller as a live admin key before letting
// the wrapped handler run.
func requireAdmin(db *database.DB, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("admin_key")
		if raw == "" {
			raw = r.URL.Query().Get("api_key")
		}
		if raw == "" {
			raw = r.Header.Get("X-API-Key")
		}
		if raw == "" {
			adminError(w, http.StatusUnauthorized, "admin key required")
			return
		}

		key, err := db.GetAPIKeyByKey(raw)
		if errors.Is(err, database.ErrKeyNotFound) {
			adminError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		if err != nil {
			adminError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !key.IsAdmin || key.Revoked || key.Expired() {
			adminError(w, http.StatusForbidden, "admin access required")
			return
		}

		next(w, r)
	}
}

// handleListKeys returns every key row, newest first. Raw key material is
// included: this surface is the only place an operator can recover it.
func handleListKeys(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := db.ListAPIKeys()
		if err != nil {
			logger.Error("{admin - handleListKeys} %v", err)
			adminError(w, http.StatusInternalServerError, "failed to list keys")
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

// handleCreateKey mints a key. Window limits come from the configured tier;
// unknown tiers fall back to the free tier.
func handleCreateKey(cfg *config.Config, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			adminError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Name == "" {
			adminError(w, http.StatusBadRequest, "name is required")
			return
		}
		if req.Tier == "" {
			req.Tier = "free"
		}
		if req.ValidDays <= 0 {
			req.ValidDays = 365
		}

		raw := r.URL.Query().Get("admin_key")
		if raw == "" {
			raw = r.URL.Query().Get("api_key")
		}
		if raw == "" {
			raw = r.Header.Get("X-API-Key")
		}
		var creator int64
		if k, err := db.GetAPIKeyByKey(raw); err == nil {
			creator = k.ID
		}

		limits := cfg.TierFor(req.Tier)
		key, err := db.CreateAPIKey(req.Name, req.Tier, req.IsAdmin,
			limits.PerMinute, limits.PerHour, limits.PerDay,
			time.Duration(req.ValidDays)*24*time.Hour, creator)
		if err != nil {
			logger.Error("{admin - handleCreateKey} %v", err)
			adminError(w, http.StatusInternalServerError, "failed to create key")
			return
		}

		adminJSON(w, http.StatusCreated, key)
	}
}

// handleRevokeKey flips the revoked flag. Admin keys are refused downstream.
func handleRevokeKey(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			adminError(w, http.StatusBadRequest, "invalid key id")
			return
		}

		switch err := db.RevokeAPIKey(id); {
		case errors.Is(err, database.ErrKeyNotFound):
			adminError(w, http.StatusNotFound, "key not found")
		case err != nil:
			adminError(w, http.StatusConflict, err.Error())
		default:
			adminJSON(w, http.StatusOK, map[string]any{"revoked": id})
		}
	}
}

// handleUsage reports the aggregate metrics for the dashboard.
func handleUsage(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := db.UsageMetrics()
		if err != nil {
			logger.Error("{admin - handleUsage} %v", err)
			adminError(w, http.StatusInternalServerError, "failed to compute usage")
			return
		}
		adminJSON(w, http.StatusOK, m)
	}
}

// handleRecords returns the newest audit rows; limit defaults to 50, capped
// at 500.
func handleRecords(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := db.RecentRecords(limit)
		if err != nil {
			logger.Error("{admin - handleRecords} %v", err)
			adminError(w, http.StatusInternalServerError, "failed to list records")
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"records": records})
	}
}

// handleSessionStatus exposes the refresher snapshot so an operator can see
// whether a challenge has wedged the session without reading logs.
func handleSessionStatus(refresher *session.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, refresher.Status())
	}
}

// handleRestart asks the serve loop to rebuild the whole stack from a fresh
// config load. In-flight streams are cut.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	select {
	case restartChan <- true:
		adminJSON(w, http.StatusOK, map[string]any{"restarting": true})
	default:
		adminError(w, http.StatusConflict, "restart already pending")
	}
}

func adminJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func adminError(w http.ResponseWriter, status int, msg string) {
	adminJSON(w, status, map[string]string{"error": msg})
}
