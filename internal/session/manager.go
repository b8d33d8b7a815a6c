// Package session manages the lifecycle of the single authenticated session
// to the messaging network: pairing, connection, credential resets, automatic
// reconnects and the stall watchdog.
//
// All session state is owned by one event loop (Run). Transport callbacks,
// timer fires and control commands are queued onto it and applied one at a
// time. Blocking I/O runs off the loop and posts its result back; results
// belonging to a superseded generation are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wabot/internal/credentials"
	"github.com/cenkalti/backoff"
)

const (
	opQueueSize          = 64
	defaultWatchdog      = 40 * time.Second
	defaultReconnect     = 1500 * time.Millisecond
	defaultLogoutTimeout = 10 * time.Second
	defaultOpenTimeout   = 30 * time.Second
	cleanupTimeout       = 10 * time.Second
)

// Config holds session timer settings. Zero values select defaults.
type Config struct {
	WatchdogTimeout time.Duration
	ReconnectDelay  time.Duration
	LogoutTimeout   time.Duration
	OpenTimeout     time.Duration

	// Reconnect overrides the flat ReconnectDelay policy.
	Reconnect backoff.BackOff
}

// Status is a point-in-time snapshot of the session for readers outside the
// event loop.
type Status struct {
	State           State     `json:"state"`
	Connected       bool      `json:"connected"`
	HasQR           bool      `json:"hasQR"`
	DeviceID        string    `json:"deviceId,omitempty"`
	ConnectedSince  time.Time `json:"connectedSince,omitempty"`
	QRAttempts      int       `json:"qrAttempts"`
	StartInProgress bool      `json:"startInProgress"`
	Generation      uint64    `json:"generation"`
}

// MessageHandler receives inbound messages. It runs on the event loop and
// must not block.
type MessageHandler func(InboundMessage)

// StatusObserver is notified after every status change. It runs on the
// event loop and must not block.
type StatusObserver func(Status)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithQRCache shares an existing QR cache.
func WithQRCache(qr *QRCache) Option {
	return func(m *Manager) { m.qr = qr }
}

// WithObserver registers a status observer.
func WithObserver(observer StatusObserver) Option {
	return func(m *Manager) { m.observers = append(m.observers, observer) }
}

// startAttempt tracks one off-loop credential load and transport open.
type startAttempt struct {
	gen    uint64
	reason string
	early  []Event
	done   chan struct{}
}

// Manager is the session state machine.
type Manager struct {
	cfg       Config
	transport Transport
	creds     credentials.Store
	qr        *QRCache
	logger    *slog.Logger
	observers []StatusObserver
	onMessage MessageHandler
	policy    backoff.BackOff

	ops     chan func()
	done    chan struct{}
	runOnce sync.Once

	// Owned by the event loop.
	phase        phase
	gen          uint64
	pending      *startAttempt
	watchdog     *Watchdog
	reconnect    *time.Timer
	reconnectSeq uint64
	last         Status

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a session manager in the IDLE state. Call Run to start
// the event loop.
func NewManager(transport Transport, creds credentials.Store, cfg Config, opts ...Option) *Manager {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdog
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = defaultLogoutTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		ops:       make(chan func(), opQueueSize),
		done:      make(chan struct{}),
		phase:     idlePhase{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.qr == nil {
		m.qr = NewQRCache()
	}
	m.policy = cfg.Reconnect
	if m.policy == nil {
		m.policy = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	m.watchdog = NewWatchdog(cfg.WatchdogTimeout, func(gen uint64) {
		m.post(func() { m.onWatchdogLocked(gen) })
	})
	m.status = m.snapshotLocked()
	m.last = m.status
	return m
}

// OnMessage sets the inbound message handler. It must be called before Run.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.onMessage = handler
}

// Run processes queued events until ctx is cancelled, then tears the session
// down. It returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session manager already running")
	}

	m.logger.Info("Session loop started")
	defer close(m.done)

	for {
		select {
		case op := <-m.ops:
			op()
		case <-ctx.Done():
			m.stopLocked("shutdown")
			m.logger.Info("Session loop stopped", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// Status returns the latest published snapshot.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// QR returns the cached pairing code, if any.
func (m *Manager) QR() (PairingCode, bool) {
	return m.qr.Current()
}

// Start begins a connection attempt and waits for it to finish. It is a
// no-op when an attempt is already in progress or a connection is live.
// Setup failures are logged, leave the session IDLE and are not returned.
func (m *Manager) Start(ctx context.Context) error {
	var attempt *startAttempt
	if err := m.submit(ctx, func() { attempt = m.startLocked("manual") }); err != nil {
		return err
	}
	return m.await(ctx, attempt)
}

// Stop tears down the connection, cancels the watchdog, any pending
// reconnect and any in-flight start, and leaves the session CLOSED.
func (m *Manager) Stop(ctx context.Context) error {
	return m.submit(ctx, func() { m.stopLocked("manual") })
}

// Relink forces a brand-new pairing: stop, wipe credentials, start.
func (m *Manager) Relink(ctx context.Context) error {
	var attempt *startAttempt
	if err := m.submit(ctx, func() { attempt = m.relinkLocked("relink") }); err != nil {
		return err
	}
	return m.await(ctx, attempt)
}

// HardLogout unlinks the device remotely on a best-effort basis, then
// performs the Relink sequence. Once the connection is detached the relink
// always runs; ctx only bounds the remote logout and the final wait.
func (m *Manager) HardLogout(ctx context.Context) error {
	cleanupCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return err
	}
	var conn Conn
	if err := m.submit(cleanupCtx, func() { conn = m.detachForLogoutLocked() }); err != nil {
		return err
	}

	if conn != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
		if err := conn.Logout(logoutCtx); err != nil {
			m.logger.Warn("Remote logout failed, continuing with local cleanup", "error", err)
		} else {
			m.logger.Info("Remote logout completed")
		}
		cancel()
	}

	var attempt *startAttempt
	if err := m.submit(cleanupCtx, func() { attempt = m.relinkLocked("logout") }); err != nil {
		return err
	}
	return m.await(ctx, attempt)
}

// Send delivers a text message. It fails with ErrNotConnected unless the
// session is CONNECTED; otherwise the transport's outcome is returned as is.
func (m *Manager) Send(ctx context.Context, to, text string) (SendResult, error) {
	var conn Conn
	if err := m.submit(ctx, func() {
		if p, ok := m.phase.(connectedPhase); ok {
			conn = p.c
		}
	}); err != nil {
		return SendResult{}, err
	}
	if conn == nil {
		return SendResult{}, ErrNotConnected
	}
	return conn.Send(ctx, to, text)
}

// submit runs fn on the event loop and waits for it to complete.
func (m *Manager) submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case m.ops <- op:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by callbacks and timers. It reports
// false when the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) await(ctx context.Context, attempt *startAttempt) error {
	if attempt == nil {
		return nil
	}
	select {
	case <-attempt.done:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startLocked begins a new attempt unless one is pending or a connection is
// live. The credential load and transport open run off the loop.
func (m *Manager) startLocked(reason string) *startAttempt {
	if m.pending != nil {
		m.logger.Warn("Start already in progress, ignoring", "reason", reason)
		return nil
	}
	if m.phase.conn() != nil {
		m.logger.Warn("Session already active, ignoring start", "reason", reason, "state", m.phase.state())
		return nil
	}

	m.cancelReconnectLocked()
	m.qr.Clear()
	m.gen++
	attempt := &startAttempt{
		gen:    m.gen,
		reason: reason,
		done:   make(chan struct{}),
	}
	m.pending = attempt
	m.watchdog.Arm()
	m.publishLocked()

	m.logger.Info("Starting session", "reason", reason, "generation", attempt.gen)
	go m.open(attempt)
	return attempt
}

// open loads credentials and dials the transport. It runs off the loop.
func (m *Manager) open(attempt *startAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpenTimeout)
	defer cancel()

	creds, err := m.creds.Load(ctx)
	if errors.Is(err, credentials.ErrCorrupt) {
		m.logger.Warn("Stored credentials unreadable, pairing from scratch", "error", err)
		if wipeErr := m.creds.Wipe(ctx); wipeErr != nil {
			m.logger.Warn("Failed to wipe unreadable credentials", "error", wipeErr)
		}
		creds, err = nil, nil
	}
	if err != nil {
		err = fmt.Errorf("load credentials: %w", err)
		m.post(func() { m.finishStartLocked(attempt, nil, err) })
		return
	}
	if creds == nil {
		m.logger.Info("No stored credentials, a pairing code will be issued")
	}

	gen := attempt.gen
	handler := func(ev Event) {
		m.post(func() { m.handleEventLocked(gen, ev) })
	}

	conn, err := m.transport.Open(ctx, creds, handler)
	if err != nil {
		err = fmt.Errorf("open transport: %w", err)
	}
	if !m.post(func() { m.finishStartLocked(attempt, conn, err) }) && conn != nil {
		m.closeConn(conn)
	}
}

func (m *Manager) finishStartLocked(attempt *startAttempt, conn Conn, err error) {
	defer close(attempt.done)

	if m.pending != attempt || attempt.gen != m.gen {
		m.logger.Debug("Discarding superseded start attempt", "generation", attempt.gen)
		if conn != nil {
			m.closeConn(conn)
		}
		return
	}
	m.pending = nil

	if err != nil {
		m.logger.Error("Failed to start session", "error", err, "reason", attempt.reason)
		m.setPhaseLocked(idlePhase{})
		return
	}

	m.setPhaseLocked(startingPhase{c: conn})
	m.watchdog.Arm()

	for _, ev := range attempt.early {
		m.handleEventLocked(attempt.gen, ev)
	}
}

func (m *Manager) handleEventLocked(gen uint64, ev Event) {
	if gen != m.gen {
		m.logger.Debug("Dropping event from superseded connection", "kind", ev.Kind, "generation", gen)
		return
	}
	if m.pending != nil && m.pending.gen == gen {
		m.pending.early = append(m.pending.early, ev)
		return
	}

	switch ev.Kind {
	case EventQR:
		m.onQRLocked(ev.QR)
	case EventOpen:
		m.onOpenLocked(ev.DeviceID)
	case EventClose:
		m.onCloseLocked(ev.Close)
	case EventCredentials:
		m.onCredentialsLocked(ev.Credentials)
	case EventMessage:
		m.onMessageLocked(ev.Message)
	default:
		m.logger.Warn("Unknown transport event", "kind", ev.Kind)
	}
}

func (m *Manager) onQRLocked(code string) {
	conn := m.phase.conn()
	if conn == nil || code == "" {
		return
	}
	pc, err := m.qr.Set(code)
	if err != nil {
		m.logger.Error("Failed to render QR code", "error", err)
	}
	m.logger.Info("New QR code issued", "attempt", pc.Attempt)
	m.setPhaseLocked(qrPendingPhase{c: conn})
	m.watchdog.Arm()
}

func (m *Manager) onOpenLocked(deviceID string) {
	conn := m.phase.conn()
	if conn == nil {
		return
	}
	m.qr.Clear()
	m.watchdog.Disarm()
	m.policy.Reset()
	m.setPhaseLocked(connectedPhase{c: conn, since: time.Now(), deviceID: deviceID})
	m.logger.Info("Connected", "device_id", deviceID)
}

func (m *Manager) onCloseLocked(info CloseInfo) {
	conn := m.phase.conn()
	if conn == nil {
		return
	}
	m.logger.Warn("Connection closed",
		"reason", info.Reason,
		"status_code", info.StatusCode,
		"error", info.Err,
		"state", m.phase.state(),
	)

	m.gen++
	m.setPhaseLocked(closingPhase{c: conn})
	m.closeConn(conn)

	if info.Reason == CloseLoggedOut {
		m.wipeLocked("remote logout")
		m.setPhaseLocked(loggedOutPhase{})
		m.startLocked("logged_out")
		return
	}

	m.setPhaseLocked(closedPhase{})
	m.scheduleReconnectLocked()
	m.watchdog.Arm()
}

func (m *Manager) onCredentialsLocked(creds []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.creds.Save(ctx, creds); err != nil {
		m.logger.Warn("Failed to save credentials", "error", err)
	}
}

func (m *Manager) onMessageLocked(msg InboundMessage) {
	if m.phase.conn() == nil || m.onMessage == nil {
		return
	}
	m.onMessage(msg)
}

func (m *Manager) onWatchdogLocked(gen uint64) {
	if !m.watchdog.Current(gen) {
		return
	}
	switch m.phase.state() {
	case StateConnected, StateQRPending:
		return
	}
	m.logger.Warn("Watchdog: no connection and no QR, forcing restart", "state", m.phase.state())
	m.stopLocked("watchdog")
	m.startLocked("watchdog")
}

func (m *Manager) scheduleReconnectLocked() {
	m.cancelReconnectLocked()
	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Error("Reconnect policy exhausted, waiting for watchdog")
		return
	}
	seq := m.reconnectSeq
	m.reconnect = time.AfterFunc(delay, func() {
		m.post(func() { m.fireReconnectLocked(seq) })
	})
	m.logger.Info("Reconnect scheduled", "delay", delay)
}

func (m *Manager) fireReconnectLocked(seq uint64) {
	if seq != m.reconnectSeq || m.reconnect == nil {
		return
	}
	m.reconnect = nil
	m.startLocked("reconnect")
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconnectSeq++
}

func (m *Manager) stopLocked(reason string) {
	m.cancelReconnectLocked()
	m.watchdog.Disarm()
	m.pending = nil
	m.gen++

	if conn := m.phase.conn(); conn != nil {
		m.logger.Info("Stopping session", "reason", reason, "state", m.phase.state())
		m.setPhaseLocked(closingPhase{c: conn})
		m.closeConn(conn)
	}
	m.setPhaseLocked(closedPhase{})
}

func (m *Manager) relinkLocked(reason string) *startAttempt {
	m.stopLocked(reason)
	m.wipeLocked(reason)
	return m.startLocked(reason)
}

// detachForLogoutLocked cancels timers, invalidates the current generation
// and returns the live connection still in CLOSING so the caller can unlink
// it remotely before it is closed.
func (m *Manager) detachForLogoutLocked() Conn {
	m.cancelReconnectLocked()
	m.watchdog.Disarm()
	m.pending = nil
	m.gen++

	conn := m.phase.conn()
	if conn != nil {
		m.setPhaseLocked(closingPhase{c: conn})
	}
	return conn
}

func (m *Manager) wipeLocked(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.creds.Wipe(ctx); err != nil {
		m.logger.Warn("Failed to wipe credentials, continuing", "reason", reason, "error", err)
	}
	m.qr.Clear()
	m.publishLocked()
}

func (m *Manager) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		m.logger.Debug("Error closing transport connection", "error", err)
	}
}

func (m *Manager) setPhaseLocked(p phase) {
	m.phase = p
	m.publishLocked()
}

func (m *Manager) snapshotLocked() Status {
	_, hasQR := m.qr.Current()
	st := Status{
		State:           m.phase.state(),
		HasQR:           hasQR,
		QRAttempts:      m.qr.Attempts(),
		StartInProgress: m.pending != nil,
		Generation:      m.gen,
	}
	if p, ok := m.phase.(connectedPhase); ok {
		st.Connected = true
		st.DeviceID = p.deviceID
		st.ConnectedSince = p.since
	}
	return st
}

func (m *Manager) publishLocked() {
	st := m.snapshotLocked()

	m.statusMu.Lock()
	m.status = st
	m.statusMu.Unlock()

	if st == m.last {
		return
	}
	m.last = st
	for _, observer := range m.observers {
		observer(st)
	}
}
