package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"commune/global"
	"commune/logger"
	"commune/service/auth"
	"commune/service/presence"
	"commune/service/proto"
	"commune/service/store"
	"commune/tools/safe"
)

// Deps bundles what every session needs. One value per process.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Registry *Registry
	Hub      *Hub
	Presence *presence.Tracker
}

// Session is one websocket connection. It starts waiting for an
// Authenticate request, becomes active on success, and is terminated
// by disconnect, heartbeat timeout, logout or a consistency error.
//
// The read loop handles requests one at a time; the write pump owns
// the socket's write side and the heartbeat.
type Session struct {
	deps *Deps
	conn *websocket.Conn

	user   proto.UserID
	device proto.DeviceID
	perms  proto.PermissionFlags

	active      atomic.Bool
	lastInbound atomic.Int64 // unix nanos

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(deps *Deps, conn *websocket.Conn) *Session {
	s := &Session{
		deps:   deps,
		conn:   conn,
		send:   make(chan []byte, global.Config.SendQueueSize),
		closed: make(chan struct{}),
	}
	s.lastInbound.Store(time.Now().UnixNano())
	return s
}

// Deliver queues an outbound message. A full queue means the client
// cannot keep up; the session is dropped rather than blocking a
// router or another user's session.
func (s *Session) Deliver(m proto.ServerMessage) bool {
	raw, err := proto.EncodeServerMessage(m)
	if err != nil {
		logger.Errorf("encode server message: %v", err)
		return false
	}
	select {
	case s.send <- raw:
		return true
	case <-s.closed:
		return false
	default:
		logger.Warnf("send queue full, dropping session of device %s", s.device)
		s.close()
		return false
	}
}

// Kick tells the client its session ended and closes the connection.
func (s *Session) Kick() {
	s.Deliver(proto.EventMessage(proto.SessionLoggedOutEvent{}))
	s.close()
}

// close signals termination. The write pump flushes what is already
// queued, then closes the socket, which unblocks the read loop.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Run serves the connection until it dies. Blocks; the caller's
// goroutine becomes the read loop.
func (s *Session) Run() {
	limiter := NewLimiter(global.Config.RateLimitPerMinute, global.Config.RateLimitBurst)
	safe.Go("session-write-pump", func() { s.writePump(limiter) })

	s.conn.SetReadLimit(maxInboundFrame)
	s.conn.SetPongHandler(func(string) error {
		s.lastInbound.Store(time.Now().UnixNano())
		return nil
	})

	// The client has one heartbeat window to authenticate.
	authDeadline := time.AfterFunc(global.Config.HeartbeatTimeout(), func() {
		if !s.active.Load() {
			logger.Infof("closing unauthenticated connection")
			s.close()
		}
	})
	defer authDeadline.Stop()

	s.readLoop(limiter)

	s.close()
	if s.active.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.deps.Registry.Deregister(s.user, s.device)
		s.deps.Presence.Offline(ctx, s.user, s.device)
	}
}

const maxInboundFrame = 1 << 20

func (s *Session) readLoop(limiter *Limiter) {
	for {
		kind, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())
		if kind != websocket.BinaryMessage {
			continue
		}

		// Client frames never wait for a token: either it is there or
		// the client is told when to come back.
		if ok, retryIn := limiter.Allow(); !ok {
			s.Deliver(proto.ServerMessage{RateLimited: &proto.RateLimited{
				ReadyInMS: uint64(retryIn.Milliseconds()) + 1,
			}})
			continue
		}

		msg, err := proto.DecodeClientMessage(raw)
		if err != nil {
			s.Deliver(proto.ServerMessage{Malformed: true})
			continue
		}

		if s.handleMessage(msg) {
			return
		}
	}
}

// handleMessage dispatches one request; true means terminate.
func (s *Session) handleMessage(msg proto.ClientMessage) (terminate bool) {
	ctx, cancel := context.WithTimeout(context.Background(), global.Config.RequestTimeout())
	defer cancel()

	if !s.active.Load() {
		authReq, ok := msg.Request.(proto.Authenticate)
		if !ok {
			// Anything but Authenticate before authentication is a
			// protocol violation; refuse and drop the connection.
			s.Deliver(proto.ErrorMessage(msg.ID, proto.ErrAccessDenied))
			return true
		}
		return s.handleAuthenticate(ctx, msg.ID, authReq)
	}

	if _, isAuth := msg.Request.(proto.Authenticate); isAuth {
		// Re-authenticating an active session is not a thing.
		s.Deliver(proto.ErrorMessage(msg.ID, proto.ErrAccessDenied))
		return false
	}
	if _, isLogout := msg.Request.(proto.LogOut); isLogout {
		return s.handleLogOut(ctx, msg.ID)
	}

	ok, wireErr := s.handleRequest(ctx, msg.Request)
	if wireErr != proto.ErrNone {
		s.Deliver(proto.ErrorMessage(msg.ID, wireErr))
		return wireErr.Terminal()
	}
	s.Deliver(proto.ResponseMessage(msg.ID, ok))
	return false
}

func (s *Session) handleAuthenticate(ctx context.Context, id proto.RequestID, req proto.Authenticate) (terminate bool) {
	user, token, err := s.deps.Auth.Authenticate(ctx, req.Device, req.Token)
	if err != nil {
		wireErr := proto.ErrInternal
		if ae, ok := err.(*auth.Error); ok {
			wireErr = ae.Wire()
		} else {
			logger.Errorf("authenticate: %v", err)
		}
		s.Deliver(proto.ErrorMessage(id, wireErr))
		return true
	}

	s.user = user.ID
	s.device = req.Device
	s.perms = token.Permissions

	if err := s.deps.Registry.Activate(ctx, s.user, s.device, s); err != nil {
		if err == ErrDeviceActive {
			s.Deliver(proto.ErrorMessage(id, proto.ErrTokenInUse))
			return true
		}
		logger.Errorf("activate session: %v", err)
		s.Deliver(proto.ErrorMessage(id, proto.ErrInternal))
		return true
	}
	s.active.Store(true)
	s.deps.Presence.Online(ctx, s.user, s.device)

	ready, wireErr := s.buildReady(ctx, user)
	if wireErr != proto.ErrNone {
		s.Deliver(proto.ErrorMessage(id, wireErr))
		return true
	}
	s.Deliver(proto.ResponseMessage(id, proto.NoData{}))
	s.Deliver(proto.EventMessage(proto.ClientReadyEvent{Ready: ready}))
	logger.Infof("session active: user=%s device=%s", s.user, s.device)
	return false
}

func (s *Session) buildReady(ctx context.Context, user store.UserRecord) (proto.ClientReady, proto.ErrResponse) {
	communities, err := s.deps.Store.CommunitiesOf(ctx, s.user)
	if err != nil {
		logger.Errorf("communities of %s: %v", s.user, err)
		return proto.ClientReady{}, proto.ErrInternal
	}
	structures := make([]proto.CommunityStructure, 0, len(communities))
	for _, c := range communities {
		router, wireErr := s.deps.Hub.Get(ctx, c.ID)
		if wireErr != proto.ErrNone {
			continue // community vanished between the two reads
		}
		structure, wireErr := router.Structure(ctx, s.user)
		if wireErr != proto.ErrNone {
			return proto.ClientReady{}, wireErr
		}
		structures = append(structures, structure)
	}

	adminPerms, err := s.deps.Store.AdminPermissions(ctx, s.user)
	if err != nil {
		logger.Errorf("admin permissions of %s: %v", s.user, err)
		return proto.ClientReady{}, proto.ErrInternal
	}

	return proto.ClientReady{
		User:             s.user,
		Profile:          user.Profile(),
		Communities:      structures,
		Permissions:      s.perms,
		AdminPermissions: adminPerms,
	}, proto.ErrNone
}

// handleLogOut revokes the device token and ends every session on this
// device. The response goes out before the close.
func (s *Session) handleLogOut(ctx context.Context, id proto.RequestID) (terminate bool) {
	if err := s.deps.Auth.RevokeToken(ctx, s.device); err != nil && err != store.ErrTokenNotFound {
		logger.Errorf("revoke token on logout: %v", err)
		s.Deliver(proto.ErrorMessage(id, proto.ErrInternal))
		return false
	}
	s.Deliver(proto.ResponseMessage(id, proto.NoData{}))
	return true
}

func (s *Session) writePump(limiter *Limiter) {
	interval := global.Config.HeartbeatInterval()
	timeout := global.Config.HeartbeatTimeout()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.conn.Close()
	defer s.close()

	for {
		select {
		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(interval))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastInbound.Load()))
			if idle > timeout {
				logger.Infof("heartbeat timeout on device %s (idle %s)", s.device, idle)
				return
			}
			// Server-initiated traffic waits for its token instead of
			// skipping the limit.
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := limiter.Wait(ctx)
			cancel()
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(interval))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if s.active.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				s.deps.Presence.Heartbeat(ctx, s.user, s.device)
				cancel()
			}

		case <-s.closed:
			// Flush responses queued just before termination, logout
			// confirmations in particular.
			for {
				select {
				case raw := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(interval))
					if err := s.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
