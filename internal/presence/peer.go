package presence

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"sudooom.im.presence/internal/connection"
	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/protocol"
	"sudooom.im.presence/internal/service"
)

// State 连接状态
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer 单个连接
// 入站事件由传输层读协程顺序调用 Handle
type Peer struct {
	o       *Orchestrator
	sink    connection.Sink
	limiter *rate.Limiter

	// mu 保护 state 和 session，房间加入与清理在 mu 下互斥
	mu          sync.Mutex
	state       State
	session     *connection.Session
	cleanupOnce sync.Once
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.UserID
}

func (p *Peer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.ID
}

// Handle 处理一个入站帧，错误只回给本连接
func (p *Peer) Handle(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		p.reply("", err)
		return
	}
	if !p.limiter.Allow() {
		p.reply(env.ReqID, apperrors.ErrRateLimited)
		return
	}
	if err := p.dispatch(ctx, env); err != nil {
		p.reply(env.ReqID, err)
	}
}

func (p *Peer) dispatch(ctx context.Context, env *protocol.Envelope) error {
	if env.Event == protocol.EventIdentify {
		var req protocol.IdentifyRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		return p.identify(env.ReqID, req)
	}

	session, ok := p.current()
	if !ok {
		return apperrors.ErrNotIdentified
	}

	switch env.Event {
	case protocol.EventJoinGroup:
		var req protocol.GroupRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		return p.joinGroup(env.ReqID, req.PlaylistID)

	case protocol.EventLeaveGroup:
		var req protocol.GroupRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		return p.leaveGroup(env.ReqID, req.PlaylistID)

	case protocol.EventSendDirect:
		var req protocol.SendDirectRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		// 首次私聊时惰性加入会话房间
		if key, err := identity.DirectKey(session.UserID, req.ReceiverID); err == nil {
			p.joinRoom(key)
		}
		_, err := p.o.messages.SendDirect(ctx, service.DirectRequest{
			SessionID:       session.ID,
			SenderID:        session.UserID,
			ReceiverID:      req.ReceiverID,
			Content:         req.Content,
			Kind:            req.Kind,
			SongRef:         req.SongRef,
			ImageRef:        req.ImageRef,
			ParentMessageID: req.ParentMessageID,
			ClientMsgID:     req.ClientMsgID,
		})
		return err

	case protocol.EventSendGroup:
		var req protocol.SendGroupRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		_, err := p.o.messages.SendGroup(ctx, service.GroupRequest{
			SessionID:       session.ID,
			SenderID:        session.UserID,
			PlaylistID:      req.PlaylistID,
			Content:         req.Content,
			Kind:            req.Kind,
			SongRef:         req.SongRef,
			ImageRef:        req.ImageRef,
			ParentMessageID: req.ParentMessageID,
			ClientMsgID:     req.ClientMsgID,
		})
		return err

	case protocol.EventReact:
		var req protocol.ReactRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		_, err := p.o.messages.React(ctx, req.MessageID, session.UserID, req.ReactionType)
		return err

	case protocol.EventMarkRead:
		var req protocol.MarkReadRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		_, err := p.o.messages.MarkRead(ctx, req.MessageID, session.UserID)
		return err

	case protocol.EventUpdatePlaylistSong:
		var req protocol.PlaylistSongRequest
		if err := env.Bind(&req); err != nil {
			return err
		}
		return p.o.messages.UpdatePlaylistSong(ctx, session.UserID, req.PlaylistID, req.SongID, req.Action)

	case protocol.EventLogout:
		p.Logout()
		return nil

	default:
		return apperrors.ErrValidationFailed.WithMessage("unknown event %q", env.Event)
	}
}

func (p *Peer) identify(reqID string, req protocol.IdentifyRequest) error {
	if err := identity.ValidateID(req.UserID); err != nil {
		return err
	}
	inbox, err := identity.InboxKey(req.UserID)
	if err != nil {
		return err
	}
	if p.o.auth != nil {
		if err := p.o.auth.VerifyUser(req.Token, req.UserID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	switch p.state {
	case StateIdentified:
		p.mu.Unlock()
		return apperrors.ErrValidationFailed.WithMessage("session already identified")
	case StateDisconnected:
		p.mu.Unlock()
		return apperrors.ErrTransportError.WithMessage("connection closed")
	}
	session := p.o.registry.Register(req.UserID, p.sink)
	p.o.rooms.Join(inbox, session.ID)
	p.session = session
	p.state = StateIdentified
	p.o.peers.Store(session.ID, p)
	p.mu.Unlock()

	p.o.logger.Info("Session identified",
		"sessionId", session.ID,
		"userId", session.UserID)
	p.o.online(session.UserID, session.ID)

	return p.emit(protocol.EventIdentified, reqID, protocol.Identified{
		UserID:    session.UserID,
		SessionID: session.ID,
	})
}

func (p *Peer) joinGroup(reqID, playlistID string) error {
	key, err := identity.GroupKey(playlistID)
	if err != nil {
		return err
	}
	if !p.joinRoom(key) {
		return apperrors.ErrNotIdentified
	}
	return p.emit(protocol.EventJoinedGroup, reqID, protocol.GroupAck{PlaylistID: playlistID})
}

func (p *Peer) leaveGroup(reqID, playlistID string) error {
	key, err := identity.GroupKey(playlistID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != StateIdentified {
		p.mu.Unlock()
		return apperrors.ErrNotIdentified
	}
	p.o.rooms.Leave(key, p.session.ID)
	p.mu.Unlock()

	return p.emit(protocol.EventLeftGroup, reqID, protocol.GroupAck{PlaylistID: playlistID})
}

// joinRoom 与 cleanup 互斥，已断开的连接不会重新进入房间
func (p *Peer) joinRoom(key identity.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdentified {
		return false
	}
	p.o.rooms.Join(key, p.session.ID)
	return true
}

func (p *Peer) current() (*connection.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdentified {
		return nil, false
	}
	return p.session, true
}

// Logout 清理会话后关闭连接
func (p *Peer) Logout() {
	p.cleanup()
	p.sink.Close()
}

// Disconnect 传输层断开时调用，可重复调用
func (p *Peer) Disconnect() {
	p.cleanup()
}

// cleanup 退出所有房间并注销会话，只执行一次
func (p *Peer) cleanup() {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		session := p.session
		p.state = StateDisconnected
		if session != nil {
			p.o.rooms.LeaveAll(session.ID)
			p.o.registry.Unregister(session.ID)
			p.o.peers.Delete(session.ID)
		}
		p.mu.Unlock()

		if session == nil {
			return
		}
		p.o.logger.Info("Session closed",
			"sessionId", session.ID,
			"userId", session.UserID)
		p.o.offline(session.UserID, session.ID)
	})
}

func (p *Peer) emit(event, reqID string, data any) error {
	frame, err := protocol.Encode(event, reqID, data)
	if err != nil {
		return apperrors.ErrServerError.Wrap(err)
	}
	if err := p.sink.Send(frame); err != nil {
		return apperrors.ErrTransportError.Wrap(err)
	}
	return nil
}

func (p *Peer) reply(reqID string, err error) {
	code := apperrors.GetCode(err)
	p.o.metrics.Rejected(string(code))
	if code == apperrors.CodeServerError {
		p.o.logger.Error("Request failed", "reqId", reqID, "sessionId", p.SessionID(), "error", err)
	} else {
		p.o.logger.Debug("Request rejected", "reqId", reqID, "sessionId", p.SessionID(), "code", code)
	}
	if sendErr := p.sink.Send(protocol.EncodeError(reqID, err)); sendErr != nil {
		p.o.logger.Debug("Failed to send error frame", "error", sendErr)
	}
}
