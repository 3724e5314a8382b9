package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
)

// 客户端命令类型
const (
	OpCreate = "create"
	OpJoin   = "join"
	OpLeave  = "leave"
	OpClose  = "close"
	OpReady  = "ready"
	OpCohost = "cohost"
	OpList   = "list"
	OpSpin   = "spin"
	OpReset  = "reset"
	OpPing   = "ping"
)

// 服务端帧类型
const (
	FrameState  = "state"
	FrameResult = "result"
	FramePong   = "pong"
)

const malformedReason = "That request couldn't be understood."

// Command 是客户端发来的一帧
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame 是发往客户端的一帧
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Result 是对单个命令的应答
type Result struct {
	Op     string             `json:"op"`
	OK     bool               `json:"ok"`
	Kind   coordinator.Kind   `json:"kind,omitempty"`
	Reason string             `json:"reason,omitempty"`
	Code   string             `json:"code,omitempty"` // create 成功时的房间码
	Spin   *domain.SpinRecord `json:"spin,omitempty"`
}

type namePayload struct {
	Name string `json:"name"`
}

type joinPayload struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

type readyPayload struct {
	Ready bool `json:"ready"`
}

type cohostPayload struct {
	UID     string `json:"uid"`
	Granted bool   `json:"granted"`
}

type listPayload struct {
	Items []string `json:"items"`
}

// Session 把客户端命令翻译为 Coordinator 调用。同一 Session 的命令必须串行执行。
type Session struct {
	coord *coordinator.Coordinator
	name  string // 命令未带显示名时使用
	log   *logrus.Entry
}

// NewSession 创建 Session，defaultName 通常来自浏览器 cookie
func NewSession(coord *coordinator.Coordinator, defaultName string) *Session {
	return &Session{
		coord: coord,
		name:  roomcode.NormalizeDisplayName(defaultName),
		log:   logrus.WithFields(logrus.Fields{"component": "session", "uid": coord.UID()}),
	}
}

// Handle 执行一个命令并返回应答帧
func (s *Session) Handle(ctx context.Context, cmd Command) Frame {
	if cmd.Type == OpPing {
		return Frame{Type: FramePong}
	}
	res := Result{Op: cmd.Type}
	err := s.dispatch(ctx, cmd, &res)
	switch {
	case errors.Is(err, errMalformed):
		res.Kind = coordinator.KindValidation
		res.Reason = malformedReason
	case err != nil:
		res.Kind = coordinator.KindOf(err)
		res.Reason = coordinator.Reason(err)
		s.log.WithError(err).WithField("op", cmd.Type).Debug("Command rejected")
	default:
		res.OK = true
	}
	return Frame{Type: FrameResult, Payload: res}
}

var errMalformed = errors.New("malformed command")

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errMalformed
	}
	return nil
}

func (s *Session) displayName(name string) string {
	if n := roomcode.NormalizeDisplayName(name); n != "" {
		s.name = n
	}
	return s.name
}

func (s *Session) dispatch(ctx context.Context, cmd Command, res *Result) error {
	switch cmd.Type {
	case OpCreate:
		var p namePayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		code, err := s.coord.CreateRoom(ctx, s.displayName(p.Name))
		res.Code = code
		return err
	case OpJoin:
		var p joinPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		if err := s.coord.JoinRoom(ctx, p.Room, s.displayName(p.Name)); err != nil {
			return err
		}
		res.Code = s.coord.State().RoomCode
		return nil
	case OpLeave:
		return s.coord.LeaveRoom(ctx)
	case OpClose:
		return s.coord.CloseRoom(ctx)
	case OpReady:
		var p readyPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return s.coord.SetReady(ctx, p.Ready)
	case OpCohost:
		var p cohostPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return s.coord.SetCohost(ctx, p.UID, p.Granted)
	case OpList:
		var p listPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return s.coord.PushList(ctx, p.Items)
	case OpSpin:
		rec, err := s.coord.Spin(ctx)
		if err == nil {
			res.Spin = &rec
		}
		return err
	case OpReset:
		return s.coord.ResetSpin(ctx)
	}
	return errMalformed
}
