// Package main provides a CI-friendly WebSocket smoke test for Parley chat.
//
// It validates:
//   - handshake + subprotocol selection
//   - identify -> friends push
//   - user search
//   - friend_add -> ack + friends refresh on both sides
//   - private send -> echo to sender, delivery to recipient
//   - group send -> fanout to everyone online
//   - history fetch
//   - mark_read acceptance
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

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello parley", "Message text to send")
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

	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustIdentify(root, a, "smoke-a-"+suffix, *timeout)
	mustIdentify(root, b, "smoke-b-"+suffix, *timeout)

	if *verbose {
		fmt.Printf("identified: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustSearchFinds(root, a, "smoke-b-"+suffix, b.userID, *timeout)

	mustAddFriend(root, a, b.userID, *timeout)
	mustReadFriendsContains(root, b, a.userID, *timeout)

	msgID := mustSendPrivate(root, a, b.userID, *text, *timeout)
	mustAssertDelivered(root, b, msgID, *text, *timeout)

	groupID := mustSendGroup(root, a, *text+" (group)", *timeout)
	mustAssertDelivered(root, b, groupID, *text+" (group)", *timeout)

	mustHistoryContains(root, b, a.userID, msgID, *timeout)

	mustMarkRead(root, b, a.userID, *timeout)

	fmt.Printf("OK: A=%s B=%s message_id=%s group_message_id=%s\n", a.userID, b.userID, msgID, groupID)
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

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
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
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
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

func mustIdentify(parent context.Context, c *smokeClient, username string, stepTimeout time.Duration) {
	// A fixed id keeps the run reproducible without parsing the assigned one.
	c.userID = username
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeIdentify, c.name+"-identify", v1.IdentifyPayload{
		ID:       username,
		Username: username,
	}), stepTimeout)

	// The friends push confirms identity establishment.
	friends := c.mustReadUntilType(parent, v1.TypeFriends, stepTimeout, skipSet(v1.TypePresenceChanged))

	var p v1.FriendsPayload
	if err := json.Unmarshal(friends.Payload, &p); err != nil {
		fatalf("unmarshal friends payload (%s): %v", c.name, err)
	}
	if len(p.Friends) == 0 || !p.Friends[0].IsGroup {
		fatalf("friends push missing group entry (%s)", c.name)
	}
}

func mustSearchFinds(parent context.Context, c *smokeClient, query, wantID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeUserSearch, c.name+"-search", v1.UserSearchPayload{
		Query: query,
	}), stepTimeout)

	res := c.mustReadUntilType(parent, v1.TypeUserSearchResult, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends))

	var p v1.UserSearchResultPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal search result (%s): %v", c.name, err)
	}
	for _, u := range p.Users {
		if u.ID == wantID {
			return
		}
	}
	fatalf("search %q did not find %q (%s)", query, wantID, c.name)
}

func mustAddFriend(parent context.Context, c *smokeClient, friendID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeFriendAdd, c.name+"-friend-add", v1.FriendAddPayload{
		FriendID: friendID,
	}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeFriendAddAck, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends))

	var p v1.FriendAddAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal friend ack (%s): %v", c.name, err)
	}
	if !p.Success {
		fatalf("friend_add failed (%s): %s", c.name, p.Message)
	}
}

func mustReadFriendsContains(parent context.Context, c *smokeClient, friendID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeFriends, stepTimeout, skipSet(v1.TypePresenceChanged))

	var p v1.FriendsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal friends payload (%s): %v", c.name, err)
	}
	for _, f := range p.Friends {
		if f.ID == friendID {
			return
		}
	}
	fatalf("friends push missing %q (%s)", friendID, c.name)
}

func mustSendPrivate(parent context.Context, c *smokeClient, to, text string, stepTimeout time.Duration) string {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeMessageSend, c.name+"-send", v1.MessageSendPayload{
		To:      to,
		Content: text,
	}), stepTimeout)

	// The sender's echo carries the authoritative persisted record.
	echo := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends))

	var p v1.MessagePayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal echo (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ID) == "" || p.TS.IsZero() {
		fatalf("echo missing server id/ts (%s)", c.name)
	}
	if p.Content != text {
		fatalf("echo text mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	return p.ID
}

func mustSendGroup(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) string {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeMessageSend, c.name+"-send-group", v1.MessageSendPayload{
		To:      v1.GroupPeerID,
		Content: text,
	}), stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends))

	var p v1.MessagePayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal group echo (%s): %v", c.name, err)
	}
	if !p.IsGroup {
		fatalf("group echo not flagged as group (%s)", c.name)
	}
	return p.ID
}

func mustAssertDelivered(parent context.Context, c *smokeClient, wantID, wantText string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends))

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal delivery (%s): %v", c.name, err)
	}
	if p.ID != wantID {
		fatalf("delivery id mismatch (%s): got=%q want=%q", c.name, p.ID, wantID)
	}
	if p.Content != wantText {
		fatalf("delivery text mismatch (%s): got=%q want=%q", c.name, p.Content, wantText)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, peer, wantID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeHistoryFetch, c.name+"-history", v1.HistoryFetchPayload{
		Peer: peer,
	}), stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skipSet(v1.TypePresenceChanged, v1.TypeFriends, v1.TypeMessageNew))

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history chunk (%s): %v", c.name, err)
	}
	for _, m := range p.Messages {
		if m.ID == wantID {
			return
		}
	}
	fatalf("history chunk missing message %q (%s)", wantID, c.name)
}

func mustMarkRead(parent context.Context, c *smokeClient, peer string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeMarkRead, c.name+"-mark-read", v1.MarkReadPayload{
		Peer: peer,
	}), stepTimeout)

	// mark_read has no reply; any error envelope within the grace window fails the run.
	ctx, cancel := context.WithTimeout(parent, 750*time.Millisecond)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection error after mark_read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed after mark_read (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error after mark_read (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
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

func skipSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

func envelope(typ, id string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
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
