package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Message
		wantErr error
	}{
		{"register", "REGISTER_CHUNK_SERVER:2:127.0.0.1:6002", New(MsgRegister, "2", "127.0.0.1", "6002"), nil},
		{"find primary", "FIND_PRIMARY_SERVER", New(MsgFindPrimary), nil},
		{"heartbeat with role", "HEARTBEAT:3:primary", New(MsgHeartbeat, "3", "primary"), nil},
		{"heartbeat without role", "HEARTBEAT:3", New(MsgHeartbeat, "3"), nil},
		{"write keeps colons in content", "WRITE_FILE:a.txt:k:v:w", New(MsgWriteFile, "a.txt", "k:v:w"), nil},
		{"empty content", "FILE_CONTENT:", New(ReplyContent, ""), nil},
		{"reply without args", "FILE_LOCKED_ERROR", New(ReplyLocked), nil},
		{"unknown kind", "HELLO:1", Message{}, ErrUnknownMessage},
		{"missing args", "REGISTER_CHUNK_SERVER:2:127.0.0.1", Message{}, ErrMalformed},
		{"unexpected args", "FIND_PRIMARY_SERVER:now", Message{}, ErrMalformed},
		{"missing file name", "READ_FILE", Message{}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "Parse(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Args, got.Args)
			assert.Equal(t, tt.raw, got.String())
		})
	}
}

func TestPrimaryInfo(t *testing.T) {
	t.Run("address", func(t *testing.T) {
		m, err := Parse(PrimaryInfo("127.0.0.1", 6001).String())
		require.NoError(t, err)
		assert.Equal(t, "PRIMARY_SERVER_INFO:127.0.0.1,6001", m.String())

		host, port, ok, err := ParsePrimaryInfo(m)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "127.0.0.1", host)
		assert.Equal(t, 6001, port)
	})

	t.Run("no primary", func(t *testing.T) {
		m, err := Parse("PRIMARY_SERVER_INFO:No primary server selected yet.")
		require.NoError(t, err)
		_, _, ok, err := ParsePrimaryInfo(m)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("bad port", func(t *testing.T) {
		_, _, _, err := ParsePrimaryInfo(New(ReplyPrimaryInfo, "127.0.0.1,http"))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, _, _, err := ParsePrimaryInfo(New(ReplyCreated))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestConnRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		conn := NewConn(c)
		defer conn.Close()
		for {
			m, err := conn.Receive(time.Second)
			if err != nil {
				return
			}
			if m.Kind == MsgReadFile {
				conn.Send(New(ReplyContent, "hello:world"))
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	conn, err := Dial(ctx, lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.RoundTrip(New(MsgReadFile, "a.txt"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReplyContent, reply.Kind)
	assert.Equal(t, "hello:world", reply.Arg(0))

	// No reply is sent for other kinds, so the read deadline expires.
	_, err = conn.RoundTrip(New(MsgDeleteFile, "a.txt"), 50*time.Millisecond)
	assert.True(t, IsTimeout(err), "expected timeout, got %v", err)
}
