// Package main provides a CI-friendly WebSocket smoke test for the Weave
// collaboration gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - credential handshake -> handshake_ack binding
//   - document_join -> document_join_result with members and state
//   - presence fanout (user_connected) to the other client
//   - sync_update -> sync_update_result ack
//   - delta fanout (update) converging on the same text
//   - user_disconnected on peer close
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "weave/contracts/collab/v1"
	"weave/internal/crdt"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSubprotocol = "weave.collab.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string
	doc    *crdt.TextDoc

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		docID   = flag.String("doc", "dev-doc-1", "Document ID to join (both users need read access)")
		secret  = flag.String("secret", "", "HMAC secret to self-sign dev tokens (matches WEAVE_JWT_SECRET)")
		tokenA  = flag.String("token-a", "", "Pre-issued token for user A (overrides -secret)")
		tokenB  = flag.String("token-b", "", "Pre-issued token for user B (overrides -secret)")
		text    = flag.String("text", "hello weave", "Text for user A to insert")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	credA := mustCredential(*tokenA, *secret, "smoke-user-a", "a@smoke.local")
	credB := mustCredential(*tokenB, *secret, "smoke-user-b", "b@smoke.local")

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, credA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, credB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *docID, *timeout)
	mustJoin(root, b, *docID, *timeout)

	// A should learn about B arriving.
	mustAssertPresence(root, a, v1.TypeUserConnected, *docID, b.userID, *timeout)

	delta := mustInsertDelta(a, *text)
	mustSyncAndAssertAck(root, a, *docID, delta, *timeout)

	mustAssertUpdate(root, b, *docID, a.userID, *timeout)

	if got, want := a.doc.Text(), b.doc.Text(); got != want {
		fatalf("replicas diverged: A=%q B=%q", got, want)
	}
	if !strings.Contains(b.doc.Text(), *text) {
		fatalf("B replica missing inserted text: %q", b.doc.Text())
	}

	closeWS(b.conn)
	mustAssertPresence(root, a, v1.TypeUserDisconnected, *docID, b.userID, *timeout)

	fmt.Printf("OK: A=%s B=%s doc_id=%s text=%q\n", a.userID, b.userID, *docID, a.doc.Text())
}

// mustCredential prefers a pre-issued token, otherwise self-signs a short
// dev token the way the identity service would.
func mustCredential(token, secret, userID, email string) string {
	if strings.TrimSpace(token) != "" {
		return token
	}
	if strings.TrimSpace(secret) == "" {
		fatalf("either -token-a/-token-b or -secret is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"id":    userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(10 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign dev token: %v", err)
	}
	return signed
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		doc:   crdt.NewTextDoc(),
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hs := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHandshake,
		ID:      fmt.Sprintf("%s-handshake", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HandshakePayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hs, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHandshakeAck, stepTimeout, nil)

	var p v1.HandshakeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal handshake_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("handshake_ack missing user_id (%s)", name)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("handshake_ack missing connection_id (%s)", name)
	}
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, docID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeDocumentJoin,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.DocumentJoinPayload{
			DocumentID: docID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserConnected: {}}
	res := c.mustReadUntilType(parent, v1.TypeDocumentJoinResult, stepTimeout, skip)

	var p v1.DocumentJoinResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal join result payload (%s): %v", c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("join result doc_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
	}

	found := false
	for _, m := range p.Members {
		if m.UserID == c.userID {
			found = true
			break
		}
	}
	if !found {
		fatalf("join result members missing self (%s)", c.name)
	}

	// Initialize the local replica from the full state encoding.
	if len(p.State) > 0 {
		if err := c.doc.ApplyDelta(p.State); err != nil {
			fatalf("apply join state (%s): %v", c.name, err)
		}
	}
}

// mustInsertDelta builds one insert op per rune, applies it locally, and
// returns the encoded delta.
func mustInsertDelta(c *smokeClient, text string) []byte {
	ops := make([]crdt.Op, 0, len(text))
	clock := uint64(1)
	pos := 1
	for _, r := range text {
		ops = append(ops, crdt.Op{
			Action:   crdt.ActionInsert,
			ID:       crdt.OpID{Peer: c.userID, Clock: clock},
			Value:    string(r),
			Position: []int{pos},
		})
		clock++
		pos++
	}

	raw, err := crdt.EncodeDelta(ops)
	if err != nil {
		fatalf("encode delta (%s): %v", c.name, err)
	}
	if err := c.doc.ApplyDelta(raw); err != nil {
		fatalf("apply own delta (%s): %v", c.name, err)
	}
	return raw
}

func mustSyncAndAssertAck(parent context.Context, c *smokeClient, docID string, delta []byte, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSyncUpdate,
		ID:   fmt.Sprintf("%s-sync", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SyncUpdatePayload{
			DocumentID: docID,
			Delta:      delta,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeUpdate: {}, v1.TypeUserConnected: {}}
	ack := c.mustReadUntilType(parent, v1.TypeSyncUpdateResult, stepTimeout, skip)

	var p v1.SyncUpdateResultPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal sync ack payload (%s): %v", c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("sync ack doc_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
	}
}

func mustAssertUpdate(parent context.Context, c *smokeClient, docID, fromUserID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUserConnected: {}}
	env := c.mustReadUntilType(parent, v1.TypeUpdate, stepTimeout, skip)

	var p v1.UpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal update payload (%s): %v", c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("update doc_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
	}
	if p.UserID != fromUserID {
		fatalf("update user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, fromUserID)
	}
	if err := c.doc.ApplyDelta(p.Delta); err != nil {
		fatalf("apply peer delta (%s): %v", c.name, err)
	}
}

func mustAssertPresence(parent context.Context, c *smokeClient, wantType, docID, userID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUpdate: {}}
	env := c.mustReadUntilType(parent, wantType, stepTimeout, skip)

	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal presence payload (%s): %v", c.name, err)
	}
	if p.DocumentID != docID {
		fatalf("presence doc_id mismatch (%s): got=%q want=%q", c.name, p.DocumentID, docID)
	}
	if p.UserID != userID {
		fatalf("presence user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
