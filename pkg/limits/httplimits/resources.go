// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httplimits exposes the rate limiter over HTTP for gateways.
package httplimits

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/throttle/pkg/limits/limitdb"
)

// Config configures Resources.
type Config struct {
	AuthToken      string      `help:"bearer token gateways present when checking limits" default:""`
	AllowAnonymous bool        `help:"accept any caller's subject header when no gateway token is set; only suitable for development" devDefault:"true" releaseDefault:"false"`
	AdminToken     string      `help:"bearer token for administrative endpoints; empty disables them" default:""`
	SubjectHeader  string      `help:"header carrying the subject resolved by the gateway" default:"X-Subject-Id"`
	AllowedOrigins []string    `help:"origins allowed to call the API from browsers" default:""`
	BodySizeLimit  memory.Size `help:"maximum size of request bodies" default:"4KiB"`
}

// Resources wrap a Limiter and expose its operations over HTTP.
type Resources struct {
	log     *zap.Logger
	limiter *limitdb.Limiter
	sweeper *limitdb.Sweeper
	db      limitdb.Storage

	identifier    Identifier
	adminToken    string
	bodySizeLimit memory.Size

	handler http.Handler

	mu         sync.Mutex
	startup    bool
	inShutdown bool
}

// New constructs Resources. A nil identifier defaults to a HeaderIdentifier
// built from config.
func New(log *zap.Logger, limiter *limitdb.Limiter, sweeper *limitdb.Sweeper, db limitdb.Storage, identifier Identifier, config Config) *Resources {
	if config.SubjectHeader == "" {
		config.SubjectHeader = DefaultSubjectHeader
	}
	if identifier == nil {
		identifier = HeaderIdentifier{Token: config.AuthToken, Header: config.SubjectHeader}
	}
	if config.BodySizeLimit <= 0 {
		config.BodySizeLimit = 4 * memory.KiB
	}

	res := &Resources{
		log:     log,
		limiter: limiter,
		sweeper: sweeper,
		db:      db,

		identifier:    identifier,
		adminToken:    config.AdminToken,
		bodySizeLimit: config.BodySizeLimit,
	}

	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health/startup", res.getStartup).Methods(http.MethodGet)
	v1.HandleFunc("/health/live", res.getLive).Methods(http.MethodGet)
	v1.HandleFunc("/check", res.check).Methods(http.MethodPost)
	v1.HandleFunc("/status/{action}", res.status).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(res.requireAdmin)
	admin.HandleFunc("/limits/{action}/{subject:.+}", res.adminStatus).Methods(http.MethodGet)
	admin.HandleFunc("/limits/{action}/{subject:.+}", res.adminReset).Methods(http.MethodDelete)
	admin.HandleFunc("/sweep", res.adminSweep).Methods(http.MethodPost)

	res.handler = r
	if len(config.AllowedOrigins) > 0 {
		res.handler = cors.New(cors.Options{
			AllowedOrigins: config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", config.SubjectHeader},
			ExposedHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
		}).Handler(r)
	}

	return res
}

// ServeHTTP makes Resources an http.Handler.
func (res *Resources) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Below is a pre-flight check to make sure we don't unnecessarily read what
	// we would throw away anyway.
	if req.ContentLength > res.bodySizeLimit.Int64() {
		res.writeError(w, "ServeHTTP", errs.New("request body too large"), http.StatusRequestEntityTooLarge)
		return
	}
	res.handler.ServeHTTP(w, req)
}

// SetStartupDone sets the startup status flag to true indicating startup is complete.
func (res *Resources) SetStartupDone() {
	res.mu.Lock()
	defer res.mu.Unlock()

	res.startup = true
}

// SetShuttingDown makes the live endpoint report unavailable so load
// balancers drain the instance before it stops.
func (res *Resources) SetShuttingDown() {
	res.mu.Lock()
	defer res.mu.Unlock()

	res.inShutdown = true
}

func (res *Resources) shuttingDown() bool {
	res.mu.Lock()
	defer res.mu.Unlock()

	return res.inShutdown
}

func (res *Resources) startupDone() bool {
	res.mu.Lock()
	defer res.mu.Unlock()

	return res.startup
}

// getStartup returns 200 once the service finished starting up and 503
// Service Unavailable before.
func (res *Resources) getStartup(w http.ResponseWriter, req *http.Request) {
	if res.startupDone() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// getLive returns 200 when storage is reachable. The limiter keeps serving
// degraded decisions without storage, but instances that can't reach it
// should be taken out of rotation.
func (res *Resources) getLive(w http.ResponseWriter, req *http.Request) {
	if !res.startupDone() || res.shuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if err := res.db.Ping(req.Context()); err != nil {
		res.log.Debug("storage ping failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type checkResponse struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"resetAt"`
	Degraded  bool  `json:"degraded"`
}

func (res *Resources) check(w http.ResponseWriter, req *http.Request) {
	subject, err := res.identifier.Identify(req)
	if err != nil {
		res.writeError(w, "check", err, statusFor(err))
		return
	}

	var request struct {
		Action string `json:"action"`
	}
	reader := http.MaxBytesReader(w, req.Body, res.bodySizeLimit.Int64())
	if err := json.NewDecoder(reader).Decode(&request); err != nil {
		status := http.StatusBadRequest
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}
		res.writeError(w, "check", err, status)
		return
	}
	if request.Action == "" {
		res.writeError(w, "check", errs.New("missing action"), http.StatusBadRequest)
		return
	}

	result, err := res.limiter.Check(req.Context(), subject, request.Action)
	if err != nil {
		res.writeError(w, "check", err, statusFor(err))
		return
	}
	checkEvent(req, request.Action, result)

	setRateLimitHeaders(w, result.Limit, result.Remaining, result.ResetAt, res.limiter.Now())
	if !result.Admitted() {
		w.Header().Set("Retry-After", strconv.FormatInt(secondsUntil(result.ResetAt, res.limiter.Now()), 10))
	}

	res.writeJSON(w, "check", checkResponse{
		Allowed:   result.Admitted(),
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
		Degraded:  result.Degraded(),
	})
}

type statusResponse struct {
	Used      int   `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"resetAt"`
	Degraded  bool  `json:"degraded,omitempty"`
}

func (res *Resources) status(w http.ResponseWriter, req *http.Request) {
	subject, err := res.identifier.Identify(req)
	if err != nil {
		res.writeError(w, "status", err, statusFor(err))
		return
	}
	res.writeStatus(w, req, "status", subject, mux.Vars(req)["action"])
}

func (res *Resources) adminStatus(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	res.writeStatus(w, req, "adminStatus", vars["subject"], vars["action"])
}

func (res *Resources) writeStatus(w http.ResponseWriter, req *http.Request, method, subject, action string) {
	usage, err := res.limiter.Status(req.Context(), subject, action)
	if err != nil {
		res.writeError(w, method, err, statusFor(err))
		return
	}

	setRateLimitHeaders(w, usage.Limit, usage.Remaining, usage.ResetAt, res.limiter.Now())
	res.writeJSON(w, method, statusResponse{
		Used:      usage.Used,
		Limit:     usage.Limit,
		Remaining: usage.Remaining,
		ResetAt:   usage.ResetAt,
		Degraded:  usage.Degraded,
	})
}

func (res *Resources) adminReset(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	if err := res.limiter.Reset(req.Context(), vars["subject"], vars["action"]); err != nil {
		res.writeError(w, "adminReset", err, statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (res *Resources) adminSweep(w http.ResponseWriter, req *http.Request) {
	result, err := res.sweeper.Run(req.Context())
	if err != nil {
		res.writeError(w, "adminSweep", err, http.StatusInternalServerError)
		return
	}

	res.writeJSON(w, "adminSweep", struct {
		Deleted     int `json:"deleted"`
		Pages       int `json:"pages"`
		FailedPages int `json:"failedPages"`
	}{result.Deleted, result.Pages, result.FailedPages})
}

func (res *Resources) requireAdmin(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case res.adminToken == "":
			res.writeError(w, "requireAdmin", errs.New("administrative endpoints are disabled"), http.StatusForbidden)
		case !validBearer(req, res.adminToken):
			res.writeError(w, "requireAdmin", limitdb.AuthError.New("invalid admin token"), http.StatusUnauthorized)
		default:
			h.ServeHTTP(w, req)
		}
	})
}

func (res *Resources) writeJSON(w http.ResponseWriter, method string, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		res.log.Debug("writing response failed", zap.String("method", method), zap.Error(err))
	}
}

func (res *Resources) writeError(w http.ResponseWriter, method string, err error, status int) {
	res.log.Info("writing error", zap.String("method", method), zap.Error(err), zap.Int("status", status))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{err.Error()})
}

// statusFor maps limiter errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case limitdb.AuthError.Has(err):
		return http.StatusUnauthorized
	case limitdb.ConfigError.Has(err), limitdb.KeyError.Has(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
