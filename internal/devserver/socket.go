package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Experts speak in this order during an expert-group turn.
var Experts = []string{"Planner", "Critic"}

// Peer is the server side of one chat socket.
type Peer struct {
	Index  int // 1-based connection number
	Ready  protocol.ReadyFrame
	Claims *identity.Claims

	conn *websocket.Conn
}

// outFrame is what the mock writes. It mirrors protocol.Frame but always
// emits message_id and keeps accumulated_content optional.
type outFrame struct {
	Type               protocol.FrameType `json:"type"`
	MessageID          string             `json:"message_id,omitempty"`
	Content            string             `json:"content,omitempty"`
	AccumulatedContent *string            `json:"accumulated_content,omitempty"`
	Response           string             `json:"response,omitempty"`
	Error              string             `json:"error,omitempty"`
	SessionID          string             `json:"session_id,omitempty"`
	UserID             string             `json:"user_id,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		Error(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var ready protocol.ReadyFrame
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		s.logger.Debug("Socket closed before ready", "error", err)
		return
	}
	if ready.Type != protocol.FrameReady || ready.SessionID != claims.SessionID {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad ready frame")
		return
	}

	s.mu.Lock()
	s.peers = append(s.peers, ready)
	index := len(s.peers)
	s.mu.Unlock()

	p := &Peer{Index: index, Ready: ready, Claims: claims, conn: conn}
	s.logger.Info("Chat socket ready", "user_id", claims.UserID, "session_id", claims.SessionID, "index", index)

	if hook := s.SocketHook; hook != nil {
		err = hook(ctx, p)
	} else {
		err = p.Confirm(ctx)
		if err == nil {
			err = p.Serve(ctx)
		}
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Chat socket ended", "index", index, "error", err)
	}
}

// Send writes one frame.
func (p *Peer) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, p.conn, v)
}

// Close closes the socket with code.
func (p *Peer) Close(code websocket.StatusCode, reason string) error {
	return p.conn.Close(code, reason)
}

// Confirm completes the handshake.
func (p *Peer) Confirm(ctx context.Context) error {
	if err := p.Send(ctx, outFrame{
		Type:      protocol.FrameConnectionConfirmed,
		SessionID: p.Claims.SessionID,
		UserID:    p.Claims.UserID,
	}); err != nil {
		return err
	}
	return p.Send(ctx, outFrame{Type: protocol.FrameReadyConfirmed, SessionID: p.Claims.SessionID})
}

// Next reads until the next chat_message frame.
func (p *Peer) Next(ctx context.Context) (protocol.ChatMessageFrame, error) {
	for {
		var msg protocol.ChatMessageFrame
		if err := wsjson.Read(ctx, p.conn, &msg); err != nil {
			return protocol.ChatMessageFrame{}, err
		}
		if msg.Type == protocol.FrameChatMessage {
			return msg, nil
		}
	}
}

// Serve answers chat messages with the default script until the socket closes.
func (p *Peer) Serve(ctx context.Context) error {
	for {
		msg, err := p.Next(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := p.Reply(ctx, msg); err != nil {
			return err
		}
	}
}

// Reply answers one chat message the way the mode expects.
func (p *Peer) Reply(ctx context.Context, msg protocol.ChatMessageFrame) error {
	if err := p.Send(ctx, outFrame{Type: protocol.FrameMessageReceived, MessageID: msg.MessageID}); err != nil {
		return err
	}
	text := ReplyText(msg.Mode, strings.TrimSpace(msg.Message))

	switch msg.Mode {
	case domain.ModeSocraticInterview:
		return p.Send(ctx, outFrame{Type: protocol.FrameChatResponse, Response: text, MessageID: uuid.NewString()})
	case domain.ModeExpertGroup:
		if err := p.Stream(ctx, "Convening the experts.", domain.PhaseMeetingStart); err != nil {
			return err
		}
		for _, expert := range Experts {
			if err := p.Stream(ctx, expert+": considering "+msg.Message, domain.PhaseExpertTurn); err != nil {
				return err
			}
		}
		return p.Stream(ctx, text, domain.PhaseSynthesis)
	default:
		if err := p.Send(ctx, outFrame{Type: protocol.FrameTypingStart}); err != nil {
			return err
		}
		return p.Stream(ctx, text, "")
	}
}

// Stream sends text word by word as one start/chunk.../complete sequence.
// phase is attached as metadata when set.
func (p *Peer) Stream(ctx context.Context, text, phase string) error {
	var meta map[string]any
	if phase != "" {
		meta = map[string]any{domain.MetaPhase: phase}
	}
	if err := p.Send(ctx, outFrame{Type: protocol.FrameMessageStart, Metadata: meta}); err != nil {
		return err
	}

	var acc strings.Builder
	for i, word := range strings.Fields(text) {
		chunk := word
		if i > 0 {
			chunk = " " + word
		}
		acc.WriteString(chunk)
		so := acc.String()
		if err := p.Send(ctx, outFrame{Type: protocol.FrameMessageChunk, Content: chunk, AccumulatedContent: &so}); err != nil {
			return err
		}
	}
	return p.Send(ctx, outFrame{
		Type:      protocol.FrameMessageComplete,
		Content:   text,
		MessageID: uuid.NewString(),
		Metadata:  meta,
	})
}

// Frame sends a bare frame of type t with optional content.
func (p *Peer) Frame(ctx context.Context, t protocol.FrameType, content string) error {
	return p.Send(ctx, outFrame{Type: t, Content: content})
}
