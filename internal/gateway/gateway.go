// Package gateway implements the Gateway component: the WebSocket
// front door clients connect to at /ws. A session's first message is
// admitted through the paused -> blocked -> availability -> rate-limit
// checks in that order; later messages on an admitted session re-check
// only paused and blocked, not availability or the rate limit. The
// gateway drives the session through the
// CONNECTED -> ADMITTED -> LIVE -> CLOSING -> CLOSED state machine,
// persists the frame to the object store and publishes a
// FrameEnvelope to clients_data, and runs a single actions consumer
// that fans responses back to the session matching their client_name.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/kv"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/ratelimiter"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// WebSocket close codes surfaced to clients.
	closeRateLimited     = 4003
	closePolicyViolation = 1008
	closeStorageFailure  = 1011
)

// sessionState is the per-connection state machine.
type sessionState int

const (
	stateConnected sessionState = iota
	stateAdmitted
	stateLive
	stateClosing
	stateClosed
)

// inboundFrame is the client -> server wire message.
type inboundFrame struct {
	UserName string `json:"user_name"`
	Image    string `json:"image"` // base64 JPEG/PNG
}

// outboundAction is the server -> client wire message.
type outboundAction struct {
	Action     int    `json:"action"`
	Reason     int    `json:"reason"`
	ClientName string `json:"client_name"`
	SendTime   string `json:"send_time"`
	FinishTime string `json:"finish_time"`
}

func toOutbound(a domain.Action) outboundAction {
	return outboundAction{
		Action:     a.Action,
		Reason:     a.Reason,
		ClientName: a.ClientName,
		SendTime:   a.SendTime.UTC().Format(time.RFC3339Nano),
		FinishTime: a.FinishTime.UTC().Format(time.RFC3339Nano),
	}
}

// session tracks one live WebSocket connection.
type session struct {
	clientName string
	conn       *websocket.Conn
	send       chan domain.Action

	mu    sync.Mutex
	state sessionState

	cancel context.CancelFunc
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ReferenceChecker reports whether clientName has an enrolment image
// on file, i.e. is "available" for the admission check.
type ReferenceChecker func(ctx context.Context, clientName string) bool

// Gateway owns the WebSocket upgrader, the client_name -> session
// registry, and the single actions consumer.
type Gateway struct {
	upgrader    websocket.Upgrader
	broker      queue.Broker
	store       objectstore.Store
	status      *kv.StatusStore
	limiter     *ratelimiter.RateLimiter
	available   ReferenceChecker
	bucket      string
	maxClients  int

	mu       sync.RWMutex
	sessions map[string]*session
	sem      chan struct{}
}

// Config bundles the Gateway's sizing and allowed-origins knobs.
type Config struct {
	Bucket         string
	MaxClients     int
	AllowedOrigins []string
	Available      ReferenceChecker // nil means every client is available
}

// New builds a Gateway.
func New(broker queue.Broker, store objectstore.Store, status *kv.StatusStore, limiter *ratelimiter.RateLimiter, cfg Config) *Gateway {
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 1000
	}
	available := cfg.Available
	if available == nil {
		available = func(context.Context, string) bool { return true }
	}
	g := &Gateway{
		broker:     broker,
		store:      store,
		status:     status,
		limiter:    limiter,
		available:  available,
		bucket:     cfg.Bucket,
		maxClients: maxClients,
		sessions:   make(map[string]*session),
		sem:        make(chan struct{}, maxClients),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(cfg.AllowedOrigins),
	}
	return g
}

// buildCheckOrigin allows every origin when allowed is empty
// (development mode), otherwise only an exact match.
func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket upgrades the connection at /ws. The connection starts
// CONNECTED with no established client_name; the first inbound frame
// that passes admission both names and admits the session.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case g.sem <- struct{}{}:
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-g.sem
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		send:   make(chan domain.Action, 16),
		state:  stateConnected,
		cancel: cancel,
	}

	go g.writePump(sess)
	g.readPump(sessCtx, sess)

	if sess.clientName != "" {
		g.mu.Lock()
		delete(g.sessions, sess.clientName)
		g.mu.Unlock()
		metrics.GatewaySessionsActive.Dec()
		g.release(context.Background(), sess.clientName)
	}
	<-g.sem
}

func (g *Gateway) release(ctx context.Context, clientName string) {
	if g.limiter != nil {
		g.limiter.Release(clientName)
		metrics.RateLimiterActiveClients.Set(float64(g.limiter.ActiveCount()))
	}
	if g.status != nil {
		_ = g.status.Remove(ctx, clientName, bucketStrings())
	}
}

func bucketStrings() []string {
	out := make([]string, len(domain.AllStatusBuckets))
	for i, b := range domain.AllStatusBuckets {
		out[i] = string(b)
	}
	return out
}

// readPump reads frame messages off the connection and hands each one
// to handleMessage in turn. The first message runs all four admission
// checks; later messages re-run only the paused and blocked checks.
func (g *Gateway) readPump(ctx context.Context, sess *session) {
	defer sess.conn.Close()
	defer sess.setState(stateClosed)
	defer sess.cancel()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("gateway: unexpected close", "client", sess.clientName, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("gateway: malformed message, dropping", "error", err)
			continue
		}
		clientName := strings.ToLower(strings.TrimSpace(frame.UserName))
		if clientName == "" {
			continue
		}
		if sess.clientName != "" && clientName != sess.clientName {
			// A session's client_name is fixed at admission; a frame
			// claiming a different identity is dropped, not honored.
			continue
		}

		if g.handleMessage(ctx, sess, clientName, frame) {
			return
		}
	}
}

// handleMessage admits and processes one inbound frame. It returns true
// if the connection was closed and the read loop should stop.
func (g *Gateway) handleMessage(ctx context.Context, sess *session, clientName string, frame inboundFrame) bool {
	if sess.clientName == "" {
		if g.status != nil {
			if paused, _ := g.status.IsMember(ctx, clientName, string(domain.StatusPaused)); paused {
				g.respond(sess, clientName, domain.ActionWarning, domain.ReasonPaused)
				return false
			}
			if blocked, _ := g.status.IsMember(ctx, clientName, string(domain.StatusBlocked)); blocked {
				g.respond(sess, clientName, domain.ActionError, domain.ReasonBlocked)
				g.closeSession(sess, closePolicyViolation)
				return true
			}
		}
		if !g.available(ctx, clientName) {
			g.respond(sess, clientName, domain.ActionError, domain.ReasonNotAvailable)
			g.closeSession(sess, closePolicyViolation)
			return true
		}
		if g.limiter != nil {
			allowed := g.limiter.Allow(clientName)
			metrics.RateLimiterActiveClients.Set(float64(g.limiter.ActiveCount()))
			if !allowed {
				g.respond(sess, clientName, domain.ActionError, domain.ReasonRateLimitExceeded)
				g.closeSession(sess, closeRateLimited)
				return true
			}
		}

		sess.clientName = clientName
		sess.setState(stateAdmitted)
		g.mu.Lock()
		g.sessions[clientName] = sess
		g.mu.Unlock()
		metrics.GatewaySessionsActive.Inc()
		if g.status != nil {
			_ = g.status.MoveTo(ctx, clientName, string(domain.StatusActive), bucketStrings())
		}
	} else {
		// Re-check paused/blocked on every subsequent frame: a client can
		// be paused or blocked mid-session by the admin surface.
		if g.status != nil {
			if paused, _ := g.status.IsMember(ctx, clientName, string(domain.StatusPaused)); paused {
				g.respond(sess, clientName, domain.ActionWarning, domain.ReasonPaused)
				return false
			}
			if blocked, _ := g.status.IsMember(ctx, clientName, string(domain.StatusBlocked)); blocked {
				g.respond(sess, clientName, domain.ActionError, domain.ReasonBlocked)
				g.closeSession(sess, closePolicyViolation)
				return true
			}
		}
	}

	if err := g.publishFrame(ctx, clientName, frame.Image); err != nil {
		if errors.Is(err, errBadFrame) {
			// An undecodable frame is the client's problem, not a server
			// fault: drop it and keep the session open.
			slog.Warn("gateway: undecodable frame, dropping", "client", clientName, "error", err)
			return false
		}
		slog.Error("gateway: publish frame failed", "client", clientName, "error", err)
		g.closeSession(sess, closeStorageFailure)
		return true
	}
	sess.setState(stateLive)
	return false
}

func (g *Gateway) respond(sess *session, clientName string, action, reason int) {
	now := time.Now().UTC()
	select {
	case sess.send <- domain.Action{ClientName: clientName, Action: action, Reason: reason, SendTime: now, FinishTime: now}:
	default:
	}
}

func (g *Gateway) closeSession(sess *session, code int) {
	sess.setState(stateClosing)
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, "")
	sess.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// errBadFrame marks a frame payload the gateway could not decode as an
// image; callers drop the message instead of closing the session.
var errBadFrame = errors.New("gateway: undecodable frame")

// publishFrame decodes the base64 payload to pixels, re-encodes as
// JPEG (normalizing PNG uploads and rejecting garbage in one step),
// persists the bytes to the object store, and publishes a
// FrameEnvelope to clients_data.
func (g *Gateway) publishFrame(ctx context.Context, clientName, imageB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return fmt.Errorf("%w: base64: %v", errBadFrame, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadFrame, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	frameBytes := buf.Bytes()

	sendTime := time.Now().UTC()
	objectKey := fmt.Sprintf("frames/%s/%d-%s.jpg", clientName, sendTime.UnixMilli(), uuid.NewString())

	if err := g.store.Put(ctx, g.bucket, objectKey, "image/jpeg", frameBytes); err != nil {
		return fmt.Errorf("store frame: %w", err)
	}

	frameEnv := domain.FrameEnvelope{
		ClientName:     clientName,
		SendTime:       sendTime,
		ObjectKey:      objectKey,
		Bucket:         g.bucket,
		ContentType:    "image/jpeg",
		FrameSizeBytes: int64(len(frameBytes)),
	}

	env, err := queue.NewEnvelope("com.pipeline.frame", "gateway", clientName, frameEnv)
	if err != nil {
		return fmt.Errorf("build frame envelope: %w", err)
	}
	if err := g.broker.Publish(ctx, queue.QueueClientsData, env); err != nil {
		metrics.QueuePublishTotal.WithLabelValues(queue.QueueClientsData, "error").Inc()
		return fmt.Errorf("publish frame: %w", err)
	}
	metrics.QueuePublishTotal.WithLabelValues(queue.QueueClientsData, "ok").Inc()
	return nil
}

// writePump delivers queued actions to the client and keeps the
// connection alive with periodic pings, on its own ticker goroutine
// independent of the read loop.
func (g *Gateway) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case action, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(toOutbound(action))
			if err != nil {
				slog.Error("gateway: marshal action failed", "client", sess.clientName, "error", err)
				continue
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RunActionsConsumer subscribes to the actions queue and fans each
// action to the session matching its client_name. An action for a
// session that is not currently connected, or whose channel is full,
// is nacked so the broker redelivers it rather than silently dropping
// it — the client may simply reconnect before the next delivery
// attempt.
func (g *Gateway) RunActionsConsumer(ctx context.Context) error {
	return g.broker.Subscribe(ctx, queue.QueueActions, g.deliverAction)
}

func (g *Gateway) deliverAction(ctx context.Context, env queue.Envelope) error {
	var action domain.Action
	if err := env.Unmarshal(&action); err != nil {
		slog.Warn("gateway: malformed action, dropping", "error", err)
		return nil
	}

	g.mu.RLock()
	sess, ok := g.sessions[strings.ToLower(action.ClientName)]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("gateway: no session for client %q", action.ClientName)
	}

	select {
	case sess.send <- action:
		return nil
	default:
		return fmt.Errorf("gateway: send channel full for client %q", action.ClientName)
	}
}
