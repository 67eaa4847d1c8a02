package ws

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"collabOT/backend/internal/ot"
)

// ProtocolVersion 写在每一条服务端消息的 v 字段里
const ProtocolVersion = 1

const (
	TypeSync     = "sync"
	TypeOp       = "op"
	TypeAck      = "ack"
	TypeUserLeft = "user_left"
	TypeError    = "error"
)

// error 消息的 code
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidOp          = "INVALID_OP"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodePersistFailed      = "PERSIST_FAILED"
	CodeInternal           = "INTERNAL"
)

var (
	ErrInvalidMessage     = errors.New(CodeInvalidMessage)
	ErrUnsupportedVersion = errors.New(CodeUnsupportedVersion)
)

// ServerMessage 是服务端下发消息的封闭集合，只有本包里的类型能实现它
type ServerMessage interface {
	MessageType() string
	serverMessage()
}

type SyncMessage struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Version  uint64 `json:"version"`
	ClientID string `json:"clientId"`
}

// OpMessage 推给房间内其他会话，Op.BaseVersion 已改写为提交后的新版本
type OpMessage struct {
	V    int          `json:"v"`
	Type string       `json:"type"`
	Op   ot.Operation `json:"op"`
}

// AckMessage 只发给提交者
type AckMessage struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

type UserLeftMessage struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type ErrorMessage struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (m SyncMessage) MessageType() string     { return m.Type }
func (m OpMessage) MessageType() string       { return m.Type }
func (m AckMessage) MessageType() string      { return m.Type }
func (m UserLeftMessage) MessageType() string { return m.Type }
func (m ErrorMessage) MessageType() string    { return m.Type }

func (SyncMessage) serverMessage()     {}
func (OpMessage) serverMessage()       {}
func (AckMessage) serverMessage()      {}
func (UserLeftMessage) serverMessage() {}
func (ErrorMessage) serverMessage()    {}

func NewSync(content string, version uint64, clientID string) SyncMessage {
	return SyncMessage{V: ProtocolVersion, Type: TypeSync, Content: content, Version: version, ClientID: clientID}
}

func NewOp(op ot.Operation) OpMessage {
	return OpMessage{V: ProtocolVersion, Type: TypeOp, Op: op}
}

func NewAck(version uint64) AckMessage {
	return AckMessage{V: ProtocolVersion, Type: TypeAck, Version: version}
}

func NewUserLeft(clientID string) UserLeftMessage {
	return UserLeftMessage{V: ProtocolVersion, Type: TypeUserLeft, ClientID: clientID}
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{V: ProtocolVersion, Type: TypeError, Code: code, Message: message}
}

// ClientMessage 是客户端上行消息，目前只有 op 一种
type ClientMessage struct {
	V    int           `json:"v"`
	Type string        `json:"type"`
	Op   *ot.Operation `json:"op"`
}

// DecodeClientMessage 解析并校验一帧客户端消息，返回的消息可以直接交给协作引擎。
// v 可以省略；写了就必须是当前协议版本。
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.V != 0 && msg.V != ProtocolVersion {
		return ClientMessage{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.V)
	}
	switch msg.Type {
	case TypeOp:
		if msg.Op == nil {
			return ClientMessage{}, fmt.Errorf("%w: op message without op", ErrInvalidMessage)
		}
		if err := msg.Op.Validate(); err != nil {
			return ClientMessage{}, err
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

// errorCode 把解码或提交错误映射为 error 消息的 code
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return CodeUnsupportedVersion
	case errors.Is(err, ot.ErrInvalidOperation):
		return CodeInvalidOp
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodeInternal
	}
}
