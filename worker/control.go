package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
)

const stopDelay = 500 * time.Millisecond

// ControlServer is the local-only HTTP endpoint on the instance's
// allocated port. Management callers poll it to answer "is this
// tenant actually usable"; the supervisor itself relies on OS-level
// process tracking instead.
type ControlServer struct {
	runtime *Runtime
	log     *logger.Logger
	srv     *http.Server
}

// NewControlServer creates the control endpoint for a runtime.
func NewControlServer(rt *Runtime, log *logger.Logger, port int, localOnly bool) *ControlServer {
	host := ""
	if localOnly {
		host = "127.0.0.1"
	}

	c := &ControlServer{runtime: rt, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", c.handleStatus)
	mux.HandleFunc("POST /stop", c.handleStop)
	mux.HandleFunc("GET /pairing-code", c.handlePairingCode)
	mux.HandleFunc("POST /regenerate-code", c.handleRegenerateCode)

	c.srv = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return c
}

// ListenAndServe blocks serving the control API.
func (c *ControlServer) ListenAndServe() error {
	c.log.Info("Control endpoint listening", "addr", c.srv.Addr)
	err := c.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the control server.
func (c *ControlServer) Shutdown(ctx context.Context) error {
	return c.srv.Shutdown(ctx)
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.runtime.Status())
}

func (c *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
	// Let the response flush before the process starts exiting.
	time.AfterFunc(stopDelay, c.runtime.Stop)
}

func (c *ControlServer) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	code := c.runtime.PairingCode()
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code has been issued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pairing_code": code})
}

func (c *ControlServer) handleRegenerateCode(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	code, err := c.runtime.RegeneratePairingCode(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("regenerate pairing code: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pairing_code": code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
