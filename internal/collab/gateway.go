// Package collab implements Weave's real-time collaborative session layer:
// identity binding, access-gated document joins, CRDT delta broadcast, and
// presence bookkeeping over a websocket gateway.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "weave/contracts/collab/v1"
	"weave/internal/access"
	"weave/internal/auth"
	"weave/internal/crdt"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "weave.collab.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig carries the transport-level knobs. Zero values fall back to
// secure defaults; origin checking is on unless explicitly disabled.
type GatewayConfig struct {
	// OriginRequired rejects upgrade requests without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" honored if explicitly set).
	AllowedOrigins []string
	// DevInsecure skips TLS origin verification (dev-only knob).
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the websocket entrypoint for Weave collaboration.
//
// It enforces origin policy, subprotocol selection, and rate limits, binds
// identities exactly once per connection, and routes validated envelopes to
// the session registry.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	verifier auth.CredentialVerifier
	gate     *access.Gate

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Registry may be nil (a fresh one is
// created); verifier and gate are required.
func NewWSGateway(log *slog.Logger, registry *Registry, verifier auth.CredentialVerifier, gate *access.Gate, cfg GatewayConfig) (*WSGateway, error) {
	if verifier == nil {
		return nil, errors.New("collab: nil credential verifier")
	}
	if gate == nil {
		return nil, errors.New("collab: nil access gate")
	}
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log, crdt.NewDocument)
	}

	g := &WSGateway{
		log:      log,
		registry: registry,
		verifier: verifier,
		gate:     gate,
		cfg:      cfg.withDefaults(),
	}
	g.originPatterns = deriveOriginPatterns(g.cfg.AllowedOrigins)
	return g, nil
}

// Registry exposes the session registry (read-mostly, used by app wiring and tests).
func (g *WSGateway) Registry() *Registry { return g.registry }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// per-connection loop until teardown.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id allocation failed")
		return
	}
	client := NewClient(connID, g.cfg.SendQueueSize)

	metricOpenConnections.Inc()
	defer metricOpenConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent. It does NOT close client.Send.
	// The disconnect sweep runs before client.Close so "user disconnected"
	// events reach remaining members of every affected session.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, dep := range g.registry.SweepDisconnect(client) {
				payload, _ := json.Marshal(v1.PresencePayload{
					DocumentID: dep.Session.ID,
					UserID:     dep.UserID,
					Email:      dep.Email,
				})
				dep.Session.Broadcast(g.newEnvelope(v1.TypeUserDisconnected, payload), connID)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Identity binding is one-shot per connection: a bearer token on the
	// upgrade request binds now, otherwise the first envelope must be a
	// handshake. Everything else before binding terminates the connection.
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		if err := g.bindIdentity(ctx, conn, client, token); err != nil {
			g.rejectUnauthenticated(ctx, conn, shutdown)
			<-writerDone
			return
		}
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Before binding, any garbage is unauthenticated traffic.
				if _, bound := client.Identity(); !bound {
					g.rejectUnauthenticated(ctx, conn, shutdown)
					break readLoop
				}
				g.trySendError(ctx, client, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			// Terminal errors are written synchronously so they reach the
			// peer before the close frame.
			payload, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeRateLimited, Message: "too many events"})
			_ = writeEnvelope(ctx, conn, g.newEnvelope(v1.TypeError, payload), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		_, bound := client.Identity()

		if err := env.Validate(); err != nil {
			if !bound {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHandshake:
			if bound {
				g.trySendError(ctx, client, v1.CodeBadEnvelope, "identity already bound")
				continue readLoop
			}
			var p v1.HandshakePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}
			if err := g.bindIdentity(ctx, conn, client, p.Token); err != nil {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}

		case v1.TypeDocumentJoin:
			if !bound {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}
			if err := g.onJoin(ctx, client, env); err != nil {
				g.sendOpError(ctx, client, err)
				continue readLoop
			}

		case v1.TypeSyncUpdate:
			if !bound {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}
			if err := g.onSyncUpdate(ctx, client, env); err != nil {
				g.sendOpError(ctx, client, err)
				continue readLoop
			}

		default:
			// An unbound connection gets exactly one chance, and it must be a
			// handshake.
			if !bound {
				g.rejectUnauthenticated(ctx, conn, shutdown)
				break readLoop
			}
			g.trySendError(ctx, client, v1.CodeBadEnvelope, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- identity binding ----

func (g *WSGateway) bindIdentity(ctx context.Context, conn *websocket.Conn, client *Client, token string) error {
	id, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.log.Info("ws.handshake.reject", "conn_id", client.ConnID, "err", err)
		return err
	}

	client.Bind(id)
	g.log.Info("ws.handshake.bind", "conn_id", client.ConnID, "user_id", id.UserID)

	payload, _ := json.Marshal(v1.HandshakeAckPayload{
		ConnectionID: client.ConnID,
		UserID:       id.UserID,
	})
	// The ack is written synchronously: nothing else is in flight yet and the
	// client must observe it before issuing joins.
	return writeEnvelope(ctx, conn, g.newEnvelope(v1.TypeHandshakeAck, payload), g.cfg.WriteTimeout)
}

// rejectUnauthenticated reports the terminal error synchronously, then tears
// the connection down. An unbound connection processes no further messages.
func (g *WSGateway) rejectUnauthenticated(ctx context.Context, conn *websocket.Conn, shutdown func(websocket.StatusCode, string)) {
	payload, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeUnauthenticated, Message: "Unauthorized"})
	_ = writeEnvelope(ctx, conn, g.newEnvelope(v1.TypeError, payload), g.cfg.WriteTimeout)
	shutdown(websocket.StatusPolicyViolation, "unauthenticated")
}

// ---- operation errors ----

// opError tags an operation failure with its wire code.
type opError struct {
	code string
	msg  string
}

func (e *opError) Error() string { return e.msg }

func opErr(code, msg string) *opError { return &opError{code: code, msg: msg} }

func (g *WSGateway) sendOpError(ctx context.Context, client *Client, err error) {
	var oe *opError
	if errors.As(err, &oe) {
		g.trySendError(ctx, client, oe.code, oe.msg)
		return
	}
	g.log.Error("ws.op.fail", "conn_id", client.ConnID, "err", err)
	g.trySendError(ctx, client, v1.CodeInternal, "internal error")
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.DocumentJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return opErr(v1.CodeMalformedInput, "invalid payload")
	}

	docID := strings.TrimSpace(p.DocumentID)
	if docID == "" {
		return opErr(v1.CodeMalformedInput, "missing document_id")
	}

	id, _ := client.Identity()

	// The access check suspends on the external store; the registry lookup
	// below re-runs under its own mutex, so concurrent first joins still
	// converge on one session.
	dec, err := g.gate.CanJoin(ctx, id.UserID, docID)
	if err != nil {
		metricJoinsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("access gate: %w", err)
	}
	if !dec.Allowed {
		metricJoinsTotal.WithLabelValues("denied").Inc()
		return opErr(v1.CodeAccessDenied, dec.Reason)
	}

	s := g.registry.GetOrCreate(docID)
	already := s.AddMember(id)
	s.Attach(client)

	// Presence is per identity: a second connection by an already-joined
	// user does not announce again.
	if !already {
		payload, _ := json.Marshal(v1.PresencePayload{
			DocumentID: docID,
			UserID:     id.UserID,
			Email:      id.Email,
		})
		s.Broadcast(g.newEnvelope(v1.TypeUserConnected, payload), client.ConnID)
	}

	resultPayload, _ := json.Marshal(v1.DocumentJoinResultPayload{
		DocumentID: docID,
		Members:    s.Members(),
		State:      s.EncodeState(),
	})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeDocumentJoinResult, resultPayload)) {
		metricJoinsTotal.WithLabelValues("error").Inc()
		return opErr(v1.CodeInternal, "backpressure: join result")
	}

	metricJoinsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (g *WSGateway) onSyncUpdate(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.SyncUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		metricUpdatesTotal.WithLabelValues("malformed").Inc()
		return opErr(v1.CodeMalformedInput, "invalid payload")
	}

	docID := strings.TrimSpace(p.DocumentID)
	if docID == "" {
		metricUpdatesTotal.WithLabelValues("malformed").Inc()
		return opErr(v1.CodeMalformedInput, "missing document_id")
	}
	if len(p.Delta) == 0 {
		metricUpdatesTotal.WithLabelValues("malformed").Inc()
		return opErr(v1.CodeMalformedInput, "missing delta")
	}
	if len(p.Delta) > maxDeltaBytes {
		metricUpdatesTotal.WithLabelValues("malformed").Inc()
		return opErr(v1.CodeMalformedInput, fmt.Sprintf("delta too large: max=%d bytes", maxDeltaBytes))
	}

	// No implicit join-on-update: the session must already be resident.
	s, ok := g.registry.Get(docID)
	if !ok {
		metricUpdatesTotal.WithLabelValues("not_found").Inc()
		return opErr(v1.CodeNotFound, "Document not found")
	}

	// A merge failure is the sender's problem only: the session document and
	// the other members are untouched.
	if err := s.ApplyDelta(p.Delta); err != nil {
		if errors.Is(err, crdt.ErrMalformedDelta) {
			metricUpdatesTotal.WithLabelValues("malformed").Inc()
			return opErr(v1.CodeMalformedInput, "undecodable delta")
		}
		metricUpdatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("apply delta: %w", err)
	}

	id, _ := client.Identity()

	ackPayload, _ := json.Marshal(v1.SyncUpdateResultPayload{DocumentID: docID})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeSyncUpdateResult, ackPayload)) {
		metricUpdatesTotal.WithLabelValues("error").Inc()
		return opErr(v1.CodeInternal, "backpressure: update result")
	}

	updatePayload, _ := json.Marshal(v1.UpdatePayload{
		DocumentID: docID,
		Delta:      p.Delta,
		UserID:     id.UserID,
	})
	s.Broadcast(g.newEnvelope(v1.TypeUpdate, updatePayload), client.ConnID)

	metricUpdatesTotal.WithLabelValues("ok").Inc()
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, g.newEnvelope(v1.TypeError, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		g.log.Error("ws.envelope_id.fail", "err", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from
	// the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
