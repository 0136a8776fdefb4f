// Package relay manages WebSocket connections for both agent instances and
// dashboard viewers, and routes frames between them.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openstreamrotator/osrweb/internal/auth"
	"github.com/openstreamrotator/osrweb/internal/store"
	"github.com/openstreamrotator/osrweb/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay owns the live WebSocket state: one upstream agent connection per
// instance, any number of downstream viewers, and the frame routing between
// them.
type Relay struct {
	store    store.Store
	auth     auth.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader
	registry *Registry
	table    *commandTable
	metrics  *Metrics

	maxMessageBytes int64
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins  []string
	LogCacheSize    int               // per-instance log buffer; default 2000
	MaxMessageBytes int64             // max WebSocket message size; default 256KB
	CommandRoles    map[string]string // action -> minimum role overrides
	Metrics         *Metrics          // nil disables metrics
}

// New creates a new Relay.
func New(s store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Relay {
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 256 * 1024
	}

	return &Relay{
		store:           s,
		auth:            ap,
		logger:          logger.With("component", "relay"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		registry:        NewRegistry(opts.LogCacheSize),
		table:           newCommandTable(opts.CommandRoles),
		metrics:         opts.Metrics,
		maxMessageBytes: maxMsg,
	}
}

// closeWith sends a close frame with the given code and closes the connection.
func closeWith(conn *websocket.Conn, mu *sync.Mutex, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if mu != nil {
		mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		mu.Unlock()
	} else {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	}
	_ = conn.Close()
}

// HandleInstanceWS handles WebSocket connections from agent instances.
// The agent authenticates with its API key: /ws/instance?key=...
func (r *Relay) HandleInstanceWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("instance websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.maxMessageBytes)

	ctx := context.Background()

	key := req.URL.Query().Get("key")
	if key == "" {
		r.metrics.IncAgentConnect("rejected")
		closeWith(conn, nil, protocol.CloseInvalidCredential, "missing api key")
		return
	}
	inst, err := r.store.GetInstanceByAPIKey(ctx, key)
	if err != nil {
		r.logger.Error("instance lookup failed", "error", err)
		closeWith(conn, nil, websocket.CloseInternalServerErr, "lookup failed")
		return
	}
	if inst == nil {
		r.metrics.IncAgentConnect("rejected")
		closeWith(conn, nil, protocol.CloseInvalidCredential, "invalid api key")
		return
	}

	ac := &agentConn{conn: conn}
	sess := r.registry.session(inst.ID)
	if old := sess.attachUpstream(ac); old != nil {
		r.logger.Warn("agent reconnect: closing previous connection", "instance_id", inst.ID)
		r.metrics.IncAgentConnect("superseded")
		closeWith(old.conn, &old.mu, websocket.CloseGoingAway, "superseded")
	}
	r.metrics.IncAgentConnect("accepted")
	r.metrics.AddAgentsConnected(1)

	stopPings := ac.keepAlive()
	defer stopPings()

	if err := r.store.SetInstanceStatus(ctx, inst.ID, string(protocol.StatusOnline), time.Now()); err != nil {
		r.logger.Warn("failed to mark instance online", "instance_id", inst.ID, "error", err)
	}
	r.logger.Info("agent connected", "instance_id", inst.ID, "team_id", inst.TeamID)

	defer func() {
		_ = conn.Close()
		r.metrics.AddAgentsConnected(-1)
		// Only mark offline if this connection is still the active one. A
		// newer reconnection may have already replaced us.
		if !sess.detachUpstream(ac) {
			r.logger.Info("agent connection superseded, skipping cleanup", "instance_id", inst.ID)
			return
		}
		if err := r.store.SetInstanceStatus(ctx, inst.ID, string(protocol.StatusOffline), time.Now()); err != nil {
			r.logger.Warn("failed to mark instance offline", "instance_id", inst.ID, "error", err)
		}
		r.broadcastOffline(sess)
		r.logger.Info("agent disconnected", "instance_id", inst.ID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "instance_id", inst.ID, "error", err)
			return
		}
		armReadDeadline(conn)

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			r.logger.Warn("invalid frame from agent", "instance_id", inst.ID, "error", err)
			r.metrics.IncMalformed("agent")
			continue
		}

		r.handleAgentFrame(ctx, sess, inst.ID, frame)
	}
}

// handleAgentFrame processes one inbound frame from an instance's upstream.
func (r *Relay) handleAgentFrame(ctx context.Context, sess *session, instanceID string, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeState:
		snap, err := protocol.DecodeState(frame)
		if err != nil {
			r.logger.Warn("malformed state frame", "instance_id", instanceID, "error", err)
			r.metrics.IncMalformed("agent")
			return
		}
		sess.cache.SetState(frame.Data)
		r.persistSnapshot(ctx, instanceID, snap)
		r.broadcastFrame(sess, frame)
		r.metrics.IncFrameRelayed(protocol.TypeState)

	case protocol.TypeLog:
		if _, err := protocol.DecodeLog(frame); err != nil {
			r.logger.Warn("malformed log frame", "instance_id", instanceID, "error", err)
			r.metrics.IncMalformed("agent")
			return
		}
		sess.cache.AppendLog(frame.Data)
		r.broadcastFrame(sess, frame)
		r.metrics.IncFrameRelayed(protocol.TypeLog)

	case protocol.TypeLogHistory:
		if _, err := protocol.DecodeLogHistory(frame); err != nil {
			r.logger.Warn("malformed log_history frame", "instance_id", instanceID, "error", err)
			r.metrics.IncMalformed("agent")
			return
		}
		// Cache the raw entries so replay preserves the agent's exact bytes.
		var entries []json.RawMessage
		if err := json.Unmarshal(frame.Data, &entries); err != nil {
			r.metrics.IncMalformed("agent")
			return
		}
		sess.cache.PrependHistory(entries)
		r.broadcastFrame(sess, frame)
		r.metrics.IncFrameRelayed(protocol.TypeLogHistory)

	case protocol.TypeCommandAck:
		ack, err := protocol.DecodeCommandAck(frame)
		if err != nil {
			r.logger.Warn("malformed command_ack frame", "instance_id", instanceID, "error", err)
			r.metrics.IncMalformed("agent")
			return
		}
		r.routeAck(sess, instanceID, frame, ack.RequestID)

	case protocol.TypeError:
		// Agent-side errors go to everyone watching; there is no single
		// addressee to route them to.
		r.broadcastFrame(sess, frame)
		r.metrics.IncFrameRelayed(protocol.TypeError)

	default:
		r.logger.Warn("unknown frame type from agent", "instance_id", instanceID, "type", frame.Type)
		r.metrics.IncMalformed("agent")
	}
}

// persistSnapshot stores the denormalized display fields from a state push so
// the instance list stays meaningful when no live connection exists.
func (r *Relay) persistSnapshot(ctx context.Context, instanceID string, snap *protocol.StateSnapshot) {
	err := r.store.UpdateInstanceSnapshot(ctx, instanceID, &store.InstanceSnapshot{
		Status:          string(snap.Status),
		CurrentVideo:    snap.CurrentVideo,
		CurrentPlaylist: snap.CurrentPlaylist,
		CurrentCategory: snap.CurrentCategory,
		OBSConnected:    snap.OBSConnected,
		UptimeSeconds:   snap.UptimeSeconds,
	}, time.Now())
	if err != nil {
		r.logger.Warn("failed to persist snapshot", "instance_id", instanceID, "error", err)
	}
}

// HandleDashboardWS handles WebSocket connections from dashboard viewers.
// The viewer authenticates with a session token: /ws/dashboard/{id}?token=...
// Authentication failures close the socket with a code in the terminal range
// so well-behaved clients stop retrying.
func (r *Relay) HandleDashboardWS(w http.ResponseWriter, req *http.Request, instanceID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.maxMessageBytes)

	ctx := context.Background()

	// JWT rides in a query parameter: browsers cannot set custom headers
	// during the WebSocket handshake.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	identity, err := r.auth.ValidateToken(ctx, tokenStr)
	if err != nil {
		closeWith(conn, nil, protocol.CloseInvalidCredential, "invalid token")
		return
	}

	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		r.logger.Error("instance lookup failed", "error", err)
		closeWith(conn, nil, websocket.CloseInternalServerErr, "lookup failed")
		return
	}
	if inst == nil {
		closeWith(conn, nil, protocol.CloseNotFound, "instance not found")
		return
	}

	membership, err := r.store.GetMembership(ctx, inst.TeamID, identity.UserID)
	if err != nil {
		r.logger.Error("membership lookup failed", "error", err)
		closeWith(conn, nil, websocket.CloseInternalServerErr, "lookup failed")
		return
	}
	if membership == nil {
		closeWith(conn, nil, protocol.CloseForbidden, "not a team member")
		return
	}

	vc := &viewerConn{
		id:     uuid.New().String(),
		userID: identity.UserID,
		role:   membership.Role,
		conn:   conn,
	}
	sess := r.registry.session(instanceID)
	sess.addViewer(vc)
	r.metrics.IncViewerConnect()
	r.metrics.AddViewersConnected(1)

	stopPings := vc.keepAlive()
	defer stopPings()

	defer func() {
		_ = conn.Close()
		sess.removeViewer(vc)
		r.metrics.AddViewersConnected(-1)
		r.logger.Debug("viewer disconnected", "instance_id", instanceID, "user_id", identity.UserID)
	}()

	r.logger.Debug("viewer connected", "instance_id", instanceID, "user_id", identity.UserID, "role", membership.Role)

	r.replayTo(sess, vc)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		armReadDeadline(conn)

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != protocol.TypeCommand {
			r.logger.Warn("invalid frame from viewer", "instance_id", instanceID, "user_id", identity.UserID)
			r.metrics.IncMalformed("viewer")
			continue
		}

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			r.logger.Warn("malformed command", "instance_id", instanceID, "error", err)
			r.metrics.IncMalformed("viewer")
			continue
		}

		r.routeCommand(sess, vc, cmd)
	}
}

// routeCommand authorizes a viewer command and forwards it upstream, or
// answers on the instance's behalf when it cannot be delivered.
func (r *Relay) routeCommand(sess *session, vc *viewerConn, cmd *protocol.Command) {
	if !r.table.Allowed(vc.role, cmd.Action) {
		r.metrics.IncCommand("denied")
		r.sendToViewer(sess, vc, mustFrame(protocol.TypeError, protocol.ErrorData{
			Message: "insufficient permissions for " + cmd.Action,
		}))
		return
	}

	upstream := sess.currentUpstream()
	if upstream == nil {
		r.metrics.IncCommand("no_upstream")
		r.sendToViewer(sess, vc, mustFrame(protocol.TypeCommandAck, protocol.CommandAck{
			Delivered: false,
			Action:    cmd.Action,
			RequestID: cmd.RequestID,
		}))
		return
	}

	// Tag the command so the ack can find its way back to this viewer.
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.New().String()
	}
	sess.recordIssuer(cmd.RequestID, vc.id)

	frame, err := protocol.NewFrame(protocol.TypeCommand, cmd)
	if err != nil {
		r.logger.Error("encode command", "error", err)
		return
	}
	if err := r.sendToUpstream(upstream, frame); err != nil {
		r.logger.Warn("command forward failed", "instance_id", sess.instanceID, "action", cmd.Action, "error", err)
		r.metrics.IncCommand("no_upstream")
		r.sendToViewer(sess, vc, mustFrame(protocol.TypeCommandAck, protocol.CommandAck{
			Delivered: false,
			Action:    cmd.Action,
			RequestID: cmd.RequestID,
		}))
		return
	}
	r.metrics.IncCommand("forwarded")
}

// routeAck delivers a command acknowledgement to the viewer that issued the
// command. Acks are never broadcast.
func (r *Relay) routeAck(sess *session, instanceID string, frame protocol.Frame, reqID string) {
	connID, ok := sess.takeIssuer(reqID)
	if !ok {
		r.logger.Debug("command_ack with no recorded issuer", "instance_id", instanceID, "request_id", reqID)
		return
	}
	vc, ok := sess.viewerByID(connID)
	if !ok {
		// Issuer disconnected before the ack arrived.
		return
	}
	r.sendToViewer(sess, vc, frame)
	r.metrics.IncFrameRelayed(protocol.TypeCommandAck)
}

// replayTo sends the cached state (with offline status layered on when no
// upstream is attached) followed by the buffered log history to one viewer.
func (r *Relay) replayTo(sess *session, vc *viewerConn) {
	if state := sess.cache.State(); state != nil {
		data := state
		if sess.currentUpstream() == nil {
			if forced, err := forceOfflineStatus(state); err == nil {
				data = forced
			}
		}
		r.sendToViewer(sess, vc, protocol.Frame{Type: protocol.TypeState, Data: data})
	}

	if logs := sess.cache.Logs(); len(logs) > 0 {
		frame, err := protocol.NewFrame(protocol.TypeLogHistory, logs)
		if err != nil {
			r.logger.Error("encode log history", "error", err)
			return
		}
		r.sendToViewer(sess, vc, frame)
	}
}

// forceOfflineStatus rewrites the status field of a cached state payload so a
// stale snapshot is never presented as live.
func forceOfflineStatus(state json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(state, &m); err != nil {
		return nil, err
	}
	m["status"] = json.RawMessage(`"offline"`)
	return json.Marshal(m)
}

// broadcastOffline pushes the cached snapshot with status forced offline to
// all current viewers when the upstream goes away.
func (r *Relay) broadcastOffline(sess *session) {
	state := sess.cache.State()
	if state == nil {
		return
	}
	forced, err := forceOfflineStatus(state)
	if err != nil {
		return
	}
	r.broadcastFrame(sess, protocol.Frame{Type: protocol.TypeState, Data: forced})
}

// broadcastFrame fans a frame out to every viewer of the session. A send
// failure to one viewer deregisters that viewer and never blocks the rest.
func (r *Relay) broadcastFrame(sess *session, frame protocol.Frame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal broadcast frame", "error", err)
		return
	}
	for _, vc := range sess.snapshotViewers() {
		if err := writeRaw(vc, msg); err != nil {
			r.logger.Debug("viewer send failed, dropping", "instance_id", sess.instanceID, "error", err)
			sess.removeViewer(vc)
			_ = vc.conn.Close()
		}
	}
}

// sendToViewer marshals and sends one frame to one viewer, deregistering the
// viewer on failure.
func (r *Relay) sendToViewer(sess *session, vc *viewerConn, frame protocol.Frame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "error", err)
		return
	}
	if err := writeRaw(vc, msg); err != nil {
		r.logger.Debug("viewer send failed, dropping", "instance_id", sess.instanceID, "error", err)
		sess.removeViewer(vc)
		_ = vc.conn.Close()
	}
}

// sendToUpstream sends a frame to the agent connection.
func (r *Relay) sendToUpstream(ac *agentConn, frame protocol.Frame) error {
	msg, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.conn.WriteMessage(websocket.TextMessage, msg)
}

func writeRaw(vc *viewerConn, msg []byte) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.conn.WriteMessage(websocket.TextMessage, msg)
}

// mustFrame builds a frame from a payload that cannot fail to marshal.
func mustFrame(frameType string, data any) protocol.Frame {
	f, err := protocol.NewFrame(frameType, data)
	if err != nil {
		panic(err)
	}
	return f
}

// DropInstance tears down the live session for a deleted instance, closing
// the upstream and all viewers with a not-found code.
func (r *Relay) DropInstance(instanceID string) {
	sess, ok := r.registry.drop(instanceID)
	if !ok {
		return
	}
	if up := sess.currentUpstream(); up != nil {
		closeWith(up.conn, &up.mu, protocol.CloseNotFound, "instance deleted")
	}
	for _, vc := range sess.snapshotViewers() {
		closeWith(vc.conn, &vc.mu, protocol.CloseNotFound, "instance deleted")
	}
	r.logger.Info("instance session dropped", "instance_id", instanceID)
}

// KickUser closes the live dashboard connections a user holds on any of the
// given instances. Used when a member is removed from a team.
func (r *Relay) KickUser(instanceIDs []string, userID string) {
	for _, id := range instanceIDs {
		sess, ok := r.registry.lookup(id)
		if !ok {
			continue
		}
		for _, vc := range sess.viewersForUser(userID) {
			sess.removeViewer(vc)
			closeWith(vc.conn, &vc.mu, protocol.CloseForbidden, "membership revoked")
		}
	}
	r.logger.Info("kicked user connections", "user_id", userID)
}

// SessionCount returns the number of live relay sessions.
func (r *Relay) SessionCount() int {
	return r.registry.count()
}
