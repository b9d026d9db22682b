package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Requests handled by the master.
const (
	MsgRegister    = "REGISTER_CHUNK_SERVER"
	MsgServerInfo  = "CHUNK_SERVER_INFO"
	MsgFindPrimary = "FIND_PRIMARY_SERVER"
	MsgHeartbeat   = "HEARTBEAT"
)

// Requests handled by a chunk server.
const (
	MsgCreateFile = "CREATE_FILE"
	MsgWriteFile  = "WRITE_FILE"
	MsgReadFile   = "READ_FILE"
	MsgDeleteFile = "DELETE_FILE"
)

// Replies.
const (
	ReplyRegistered  = "CHUNK_SERVER_REGISTERED"
	ReplyPrimaryInfo = "PRIMARY_SERVER_INFO"
	ReplyCreated     = "FILE_CREATED"
	ReplyWritten     = "FILE_WRITTEN"
	ReplyDeleted     = "FILE_DELETED"
	ReplyContent     = "FILE_CONTENT"
	ReplyNotFound    = "FILE_NOT_FOUND"
	ReplyLocked      = "FILE_LOCKED_ERROR"
	ReplyCopyError   = "COPY_ERROR"
	ReplyTimeout     = "TIMEOUT_ERROR"
	ReplyServerError = "SERVER_ERROR"

	// NoPrimary is the PRIMARY_SERVER_INFO payload sent when no node holds the role.
	NoPrimary = "No primary server selected yet."
)

// Role is the role a chunk server announces in its heartbeats.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message kind")
)

// arity describes how many colon separated fields follow a message kind.
// The last field absorbs any remaining colons, so file content may contain them.
type arity struct {
	min, max int
}

var arities = map[string]arity{
	MsgRegister:    {3, 3},
	MsgServerInfo:  {2, 2},
	MsgFindPrimary: {0, 0},
	MsgHeartbeat:   {1, 2},
	MsgCreateFile:  {1, 1},
	MsgWriteFile:   {2, 2},
	MsgReadFile:    {1, 1},
	MsgDeleteFile:  {1, 1},

	ReplyRegistered:  {1, 2},
	ReplyPrimaryInfo: {1, 1},
	ReplyCreated:     {0, 0},
	ReplyWritten:     {0, 0},
	ReplyDeleted:     {0, 0},
	ReplyContent:     {1, 1},
	ReplyNotFound:    {0, 0},
	ReplyLocked:      {0, 0},
	ReplyCopyError:   {0, 0},
	ReplyTimeout:     {0, 0},
	ReplyServerError: {0, 1},
}

// Message is one colon-delimited protocol message.
type Message struct {
	Kind string
	Args []string
}

func New(kind string, args ...string) Message {
	return Message{Kind: kind, Args: args}
}

func (m Message) String() string {
	if len(m.Args) == 0 {
		return m.Kind
	}
	return m.Kind + ":" + strings.Join(m.Args, ":")
}

// Arg returns the i-th argument or "" when absent.
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Parse decodes a raw message. Unknown kinds and wrong field counts are errors
// wrapping ErrUnknownMessage and ErrMalformed respectively.
func Parse(raw string) (Message, error) {
	kind, rest, hasRest := strings.Cut(raw, ":")
	a, ok := arities[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, truncate(raw))
	}

	var args []string
	if hasRest {
		if a.max == 0 {
			return Message{}, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, kind)
		}
		args = strings.SplitN(rest, ":", a.max)
	}
	if len(args) < a.min || len(args) > a.max {
		return Message{}, fmt.Errorf("%w: %s expects %d-%d fields, got %d", ErrMalformed, kind, a.min, a.max, len(args))
	}
	return Message{Kind: kind, Args: args}, nil
}

func Register(id int, host string, port int) Message {
	return New(MsgRegister, strconv.Itoa(id), host, strconv.Itoa(port))
}

func ServerInfo(id int, fileName string) Message {
	return New(MsgServerInfo, strconv.Itoa(id), fileName)
}

func Heartbeat(id int, role Role) Message {
	return New(MsgHeartbeat, strconv.Itoa(id), string(role))
}

func FindPrimary() Message {
	return New(MsgFindPrimary)
}

// PrimaryInfo encodes the primary address as "<ip>,<port>".
func PrimaryInfo(host string, port int) Message {
	return New(ReplyPrimaryInfo, host+","+strconv.Itoa(port))
}

func NoPrimaryInfo() Message {
	return New(ReplyPrimaryInfo, NoPrimary)
}

// ParsePrimaryInfo decodes a PRIMARY_SERVER_INFO reply. ok is false when the
// master reported that no primary is selected.
func ParsePrimaryInfo(m Message) (host string, port int, ok bool, err error) {
	if m.Kind != ReplyPrimaryInfo {
		return "", 0, false, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, ReplyPrimaryInfo, m.Kind)
	}
	payload := m.Arg(0)
	if payload == NoPrimary {
		return "", 0, false, nil
	}
	host, portText, found := strings.Cut(payload, ",")
	if !found || host == "" {
		return "", 0, false, fmt.Errorf("%w: invalid primary address %q", ErrMalformed, payload)
	}
	port, err = strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false, fmt.Errorf("%w: invalid primary port %q", ErrMalformed, portText)
	}
	return host, port, true, nil
}

// ValidFileName reports whether name can be carried in a file request. Names
// are flat: no path separators, no colons, no dot entries.
func ValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\:\x00")
}

// JoinHostPort formats an address the way nodes advertise themselves.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
