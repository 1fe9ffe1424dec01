// Package worker implements the per-tenant process internals: one
// protocol connection with its own reconnect state machine, credential
// persistence back to the instance store, and a local control
// endpoint. Reconnect backoff here is exponential and bounded, unlike
// the supervisor's flat-delay crash restart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/protocol"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
)

// ClientFactory builds a protocol client for the given starting
// credentials. Each reconnect gets a fresh client.
type ClientFactory func(creds []byte) protocol.Client

// errStopped signals a requested shutdown up through serve; Run turns
// it into a clean nil return.
var errStopped = errors.New("stop requested")

// Runtime drives one instance's connection lifecycle.
type Runtime struct {
	id    string
	phone string
	store storage.Store
	sess  *session.Session
	log   *logger.Logger
	cfg   config.WorkerConfig

	newClient ClientFactory

	mu          sync.Mutex
	state       string
	user        string
	startedAt   time.Time
	client      protocol.Client
	pairingCode string
	lastSync    time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a worker Runtime.
func New(id, phone string, store storage.Store, sess *session.Session, log *logger.Logger, cfg config.WorkerConfig) *Runtime {
	r := &Runtime{
		id:        id,
		phone:     phone,
		store:     store,
		sess:      sess,
		log:       log,
		cfg:       cfg,
		state:     storage.ConnNew,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	r.newClient = func(creds []byte) protocol.Client {
		return protocol.NewWSClient(cfg.GatewayURL, creds)
	}
	return r
}

// SetClientFactory replaces the protocol client constructor. Test hook.
func (r *Runtime) SetClientFactory(f ClientFactory) {
	r.newClient = f
}

// Stop asks the runtime to shut down. Idempotent.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done is closed once Stop has been requested.
func (r *Runtime) Done() <-chan struct{} {
	return r.stopCh
}

// Status is what the local control endpoint reports.
type Status struct {
	Status string `json:"status"`
	User   string `json:"user,omitempty"`
	Uptime string `json:"uptime"`
}

// Status returns the current connection state and liveness metadata.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Status: r.state,
		User:   r.user,
		Uptime: time.Since(r.startedAt).Truncate(time.Second).String(),
	}
}

// PairingCode returns the last pairing code surfaced by the network,
// empty when none has been issued.
func (r *Runtime) PairingCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairingCode
}

// RegeneratePairingCode asks the network for a fresh pairing code.
func (r *Runtime) RegeneratePairingCode(ctx context.Context) (string, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("not connected to the network")
	}
	code, err := client.RequestPairingCode(ctx, r.phone)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.pairingCode = code
	r.mu.Unlock()
	return code, nil
}

// Run executes the connection state machine until Stop is called or
// the context is canceled. Terminal states (corrupted, logged out,
// retries exhausted) idle in place so the control endpoint keeps
// answering while an operator intervenes.
func (r *Runtime) Run(ctx context.Context) error {
	creds, err := r.sess.ReadCredentials()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if len(creds) > 0 {
		if err := protocol.ValidateCredentials(creds); err != nil {
			// Bad material is never handed to the connection layer.
			r.log.Error("Local credentials failed validation", "instance", r.id, "error", err)
			r.setState(ctx, storage.ConnCorrupted, "")
			return r.idle(ctx)
		}
	} else {
		// Fresh instance: connect without a session so the network
		// can issue a pairing code.
		r.setState(ctx, storage.ConnNoSession, "")
	}

	bo := r.newBackoff()
	for {
		if len(creds) > 0 {
			r.setState(ctx, storage.ConnConnecting, "")
		}

		client := r.newClient(creds)
		err := client.Connect(ctx)
		if err != nil {
			r.log.Warn("Connect failed", "instance", r.id, "error", err)
			if !r.waitBackoff(ctx, bo) {
				if r.stopRequested() {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.setState(ctx, storage.ConnOffline, "")
				return fmt.Errorf("reconnect attempts exhausted: %w", err)
			}
			continue
		}

		r.mu.Lock()
		r.client = client
		r.mu.Unlock()

		code, runErr := r.serve(ctx, client, bo)
		client.Close()
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()

		if runErr != nil {
			if errors.Is(runErr, errStopped) {
				return nil
			}
			return runErr
		}

		switch {
		case code == protocol.CodeLoggedOut:
			// Authoritative logout: the material is permanently
			// invalid, wipe it rather than hot-looping.
			if err := r.sess.Wipe(); err != nil {
				r.log.Warn("Failed to wipe session", "instance", r.id, "error", err)
			}
			r.setState(ctx, storage.ConnLoggedOut, "")
			return r.idle(ctx)

		case code == protocol.CodeRestartRequired:
			// Expected right after pairing; reconnect immediately
			// with the freshly rotated credentials.
			bo.Reset()

		default:
			if !r.waitBackoff(ctx, bo) {
				if r.stopRequested() {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.setState(ctx, storage.ConnOffline, "")
				return fmt.Errorf("reconnect attempts exhausted after close code %d", code)
			}
		}

		// Pick up whatever the last connection persisted.
		if fresh, err := r.sess.ReadCredentials(); err == nil && len(fresh) > 0 {
			creds = fresh
		}
	}
}

// serve pumps events for one established connection. Returns the
// close code that ended it, or an error when the runtime should exit.
func (r *Runtime) serve(ctx context.Context, client protocol.Client, bo backoff.BackOff) (protocol.CloseCode, error) {
	healthTicker := time.NewTicker(r.cfg.HealthCheckInterval())
	defer healthTicker.Stop()
	syncTicker := time.NewTicker(r.cfg.SyncInterval())
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-r.stopCh:
			return 0, errStopped

		case ev, ok := <-client.Events():
			if !ok {
				return protocol.CodeConnectionLost, nil
			}
			switch ev.Type {
			case protocol.EventConnected:
				r.log.Info("Connected", "instance", r.id, "user", ev.User)
				r.setState(ctx, storage.ConnConnected, ev.User)
				bo.Reset()
				// State-significant transition: push immediately.
				r.syncCredentials(ctx, client, true)

			case protocol.EventCredentials:
				if err := r.sess.WriteCredentials(ev.Credentials); err != nil {
					r.log.Error("Failed to persist rotated credentials", "instance", r.id, "error", err)
				}
				r.syncCredentials(ctx, client, false)

			case protocol.EventPairingCode:
				r.mu.Lock()
				r.pairingCode = ev.PairingCode
				r.mu.Unlock()
				r.log.Info("Pairing code issued", "instance", r.id)

			case protocol.EventClosed:
				r.log.Warn("Connection closed", "instance", r.id, "code", int(ev.Code))
				return ev.Code, nil
			}

		case <-syncTicker.C:
			r.syncCredentials(ctx, client, false)

		case <-healthTicker.C:
			// Stall detector: no inbound traffic for a long window
			// means the socket is dead even without a close event.
			if r.currentState() == storage.ConnConnected &&
				time.Since(client.LastActivity()) > r.cfg.StallWindow() {
				r.log.Warn("Connection stalled, forcing reconnect",
					"instance", r.id, "idle", time.Since(client.LastActivity()).Truncate(time.Second))
				return protocol.CodeConnectionLost, nil
			}
		}
	}
}

// idle parks a terminal state until stopped, still answering status.
func (r *Runtime) idle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return nil
	}
}

func (r *Runtime) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectBase()
	bo.MaxInterval = r.cfg.ReconnectMax()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // strict doubling up to the cap
	bo.MaxElapsedTime = 0
	bo.Reset()
	if r.cfg.ReconnectAttempts > 0 {
		return backoff.WithMaxRetries(bo, uint64(r.cfg.ReconnectAttempts))
	}
	return bo
}

// waitBackoff sleeps for the next backoff delay. Returns false when
// attempts are exhausted or the runtime is stopping.
func (r *Runtime) waitBackoff(ctx context.Context, bo backoff.BackOff) bool {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	r.log.Info("Reconnecting", "instance", r.id, "delay", delay.Truncate(time.Millisecond))
	select {
	case <-ctx.Done():
		return false
	case <-r.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// setState records a transition locally and in the store. A store
// outage is logged and ignored: a management-plane hiccup must never
// tear down a healthy connection.
func (r *Runtime) setState(ctx context.Context, state, user string) {
	r.mu.Lock()
	r.state = state
	if user != "" || state != storage.ConnConnected {
		r.user = user
	}
	r.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout())
	defer cancel()
	if err := r.store.SetConnectionStatus(storeCtx, r.id, state); err != nil {
		r.log.WarnRateLimited("status-sync", time.Minute,
			"Failed to report status to store", "instance", r.id, "error", err)
	}
}

func (r *Runtime) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runtime) currentState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// syncCredentials pushes the current blob to the store, throttled to
// the configured minimum interval unless forced by a state-significant
// transition.
func (r *Runtime) syncCredentials(ctx context.Context, client protocol.Client, force bool) {
	r.mu.Lock()
	if !force && time.Since(r.lastSync) < r.cfg.SyncInterval() {
		r.mu.Unlock()
		return
	}
	r.lastSync = time.Now()
	r.mu.Unlock()

	blob := client.Credentials()
	if len(blob) == 0 {
		var err error
		if blob, err = r.sess.ReadCredentials(); err != nil || len(blob) == 0 {
			return
		}
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout())
	defer cancel()
	if err := r.store.SetCredentials(storeCtx, r.id, blob); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.WarnRateLimited("cred-sync", time.Minute,
				"Failed to sync credentials to store", "instance", r.id, "error", err)
		}
		return
	}
	r.log.Debug("Credentials synced", "instance", r.id, "bytes", len(blob))
}
