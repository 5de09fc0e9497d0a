package chat

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
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Parley realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and dispatches validated envelopes to the presence registry, message
// router, history, friend, and directory services.
type WSGateway struct {
	log       *slog.Logger
	store     Store
	presence  *Registry
	router    *Router
	friends   *FriendService
	history   *HistoryService
	directory *DirectoryService

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When store is nil, it falls back to the in-memory implementation for dev.
func NewWSGateway(log *slog.Logger, store Store) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		store = NewMemoryStore()
	}

	presence := NewRegistry(log)

	g := &WSGateway{
		log:       log,
		store:     store,
		presence:  presence,
		router:    NewRouter(log, store, presence),
		friends:   NewFriendService(log, store, presence),
		history:   NewHistoryService(store),
		directory: NewDirectoryService(store, presence),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Presence exposes the registry for readiness checks and tests.
func (g *WSGateway) Presence() *Registry { return g.presence }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
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

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		sessionID = NewRandomHex(10)
	}
	client := NewClient(sessionID, g.sendQueueSize)

	metricConnections.Inc()
	defer metricConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		userID    string
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Presence is deregistered (both map directions in one step) before the
	// client is closed, and the offline notification fans out to friends.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if gone := g.presence.Unregister(client); gone != "" {
				g.fanoutPresence(context.Background(), gone, false)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

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
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
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

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
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
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		metricEvents.WithLabelValues(env.Type).Inc()

		if env.Type != v1.TypeIdentify && userID == "" {
			g.trySendError(client, "not_identified", "identify first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeIdentify:
			id, err := g.onIdentify(ctx, client, userID, env, now)
			if err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}
			userID = id

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, userID, env); err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, userID, env); err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeUserSearch:
			if err := g.onUserSearch(ctx, client, userID, env); err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeFriendAdd:
			if err := g.onFriendAdd(ctx, client, userID, env); err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMarkRead:
			if err := g.onMarkRead(ctx, userID, env); err != nil {
				g.trySendError(client, errCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onIdentify upserts the user, binds the connection in the presence registry
// (evicting a prior live connection for the same user), pushes the friend
// list to the new connection, and notifies online friends.
func (g *WSGateway) onIdentify(ctx context.Context, client *Client, prevUserID string, env v1.Envelope, now time.Time) (string, error) {
	const op = "chat.Identify"

	var p v1.IdentifyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", invalid(op, "invalid payload")
	}

	username := strings.TrimSpace(p.Username)
	if username == "" {
		return "", invalid(op, "missing username")
	}
	if len([]rune(username)) > maxUsernameChars {
		return "", invalid(op, "username too long")
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		newID, err := NewUserID(now)
		if err != nil {
			return "", persistence(op, err)
		}
		id = newID
	}

	user, err := g.store.UpsertUser(ctx, UpsertUserInput{ID: id, Username: username, Now: now})
	if err != nil {
		return "", err
	}

	// Presence changes independent of store success are not a concern here:
	// registration happens only after the upsert succeeded.
	if prevUserID != "" && prevUserID != user.ID {
		if gone := g.presence.Unregister(client); gone != "" {
			g.fanoutPresence(ctx, gone, false)
		}
	}
	g.presence.Register(user.ID, client)

	if err := g.friends.PushFriends(ctx, user.ID); err != nil {
		g.log.Info("ws.identify.friends_push.fail", "user_id", user.ID, "err", err)
	}
	g.fanoutPresence(ctx, user.ID, true)

	g.log.Info("ws.identify", "user_id", user.ID, "username", user.Username, "session_id", client.SessionID)
	return user.ID, nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, userID string, env v1.Envelope) error {
	const op = "chat.Send"

	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalid(op, "invalid payload")
	}

	_, err := g.router.Send(ctx, userID, p.To, p.Content)
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, userID string, env v1.Envelope) error {
	const op = "chat.History"

	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalid(op, "invalid payload")
	}

	res, err := g.history.History(ctx, userID, p.Peer, p.Page, p.PageSize)
	if err != nil {
		return err
	}

	msgs := make([]v1.MessagePayload, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, messagePayload(m))
	}

	chunk, _ := json.Marshal(v1.HistoryChunkPayload{
		Peer:     p.Peer,
		Messages: msgs,
		HasMore:  res.HasMore,
		Total:    res.Total,
	})
	if !client.TryEnqueue(newEnvelope(v1.TypeHistoryChunk, chunk, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *WSGateway) onUserSearch(ctx context.Context, client *Client, userID string, env v1.Envelope) error {
	const op = "chat.Search"

	var p v1.UserSearchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalid(op, "invalid payload")
	}

	users, err := g.directory.Search(ctx, userID, p.Query)
	if err != nil {
		return err
	}

	res, _ := json.Marshal(v1.UserSearchResultPayload{Query: p.Query, Users: users})
	if !client.TryEnqueue(newEnvelope(v1.TypeUserSearchResult, res, time.Now().UTC())) {
		return errors.New("backpressure: search result")
	}
	return nil
}

func (g *WSGateway) onFriendAdd(ctx context.Context, client *Client, userID string, env v1.Envelope) error {
	const op = "chat.AddFriend"

	var p v1.FriendAddPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalid(op, "invalid payload")
	}

	err := g.friends.AddFriend(ctx, userID, strings.TrimSpace(p.FriendID))

	ack, _ := json.Marshal(v1.FriendAddAckPayload{
		FriendID: p.FriendID,
		Success:  err == nil,
		Message:  ackMessage(err),
	})
	_ = client.TryEnqueue(newEnvelope(v1.TypeFriendAddAck, ack, time.Now().UTC()))
	return err
}

func (g *WSGateway) onMarkRead(ctx context.Context, userID string, env v1.Envelope) error {
	const op = "chat.MarkRead"

	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invalid(op, "invalid payload")
	}

	return g.friends.MarkRead(ctx, userID, strings.TrimSpace(p.Peer))
}

// fanoutPresence notifies userID's online friends that their presence flipped.
func (g *WSGateway) fanoutPresence(ctx context.Context, userID string, online bool) {
	friends, err := g.store.Friends(ctx, userID)
	if err != nil {
		g.log.Info("ws.presence.fanout.fail", "user_id", userID, "err", err)
		return
	}

	p, _ := json.Marshal(v1.PresenceChangedPayload{FriendID: userID, IsOnline: online})
	env := newEnvelope(v1.TypePresenceChanged, p, time.Now().UTC())

	for _, f := range friends {
		if c := g.presence.ClientFor(f.FriendID); c != nil {
			if !c.TryEnqueue(env) {
				metricDeliveriesDropped.Inc()
			}
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.TryEnqueue(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// errCode maps operation errors to stable wire codes.
func errCode(err error) string {
	switch {
	case IsInvalidInput(err):
		return "bad_request"
	case IsNotIdentified(err):
		return "not_identified"
	case IsNotFound(err):
		return "not_found"
	case IsPersistence(err):
		return "persistence_failure"
	default:
		return "internal"
	}
}

func ackMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---- envelope IO ----

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
		return v1.Envelope{}, err
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

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
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

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
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

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
