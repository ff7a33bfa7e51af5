// Package api serves lease searches and transaction listings over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/pkg/dhcp"
)

const shutdownTimeout = 5 * time.Second

type API struct {
	engine  *dhcp.Engine
	metrics http.Handler
	loc     *time.Location
	now     func() time.Time
}

// NewAPI creates the handlers. metrics may be nil.
func NewAPI(engine *dhcp.Engine, metrics http.Handler) *API {
	return &API{
		engine:  engine,
		metrics: metrics,
		loc:     time.Local,
		now:     time.Now,
	}
}

// RegisterRoutes registers API routes
func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/leases", api.handleSearch).Methods("GET")
	router.HandleFunc("/api/v1/addresses/{addr}", api.handleHolders).Methods("GET")
	router.HandleFunc("/api/v1/transactions", api.handleTransactions).Methods("GET")
	if api.metrics != nil {
		router.Handle("/metrics", api.metrics).Methods("GET")
	}
}

// Router returns a router with every route registered.
func (api *API) Router() *mux.Router {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router
}

// Run serves on addr until ctx is done.
func (api *API) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("Listen", addr).Msg("HTTP API started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http api")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http api shutdown")
	}
	return nil
}

// handleSearch returns the leases overlapping a time window
func (api *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := api.parseQuery(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	leases := api.engine.Search(q)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leases": leases,
		"count":  len(leases),
	})
}

func (api *API) parseQuery(r *http.Request) (dhcp.Query, error) {
	v := r.URL.Query()
	q, err := dhcp.ParseQuery(v.Get("start"), v.Get("end"), v.Get("addr"), v.Get("hw"), api.now(), api.loc)
	if err != nil {
		return q, err
	}
	if s := v.Get("pullup"); s != "" {
		if q.Pullup, err = strconv.ParseBool(s); err != nil {
			return q, errors.Wrap(err, "pullup")
		}
	}
	return q, nil
}

// handleHolders lists the clients with history on an address
func (api *API) handleHolders(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid address", err)
		return
	}

	holders := api.engine.Addresses().Holders(addr)
	macs := make([]string, 0, len(holders))
	for _, hw := range holders {
		macs = append(macs, hw.String())
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ip_addr":   addr.String(),
		"mac_addrs": macs,
	})
}

// handleTransactions lists the live transactions
func (api *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs := api.engine.Transactions()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	api.writeJSON(w, status, response)
}
