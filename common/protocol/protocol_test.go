package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edamame-systems/edamame-stack/common/models"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		payload []byte
	}{
		{"empty connection test", TypeConnectionTest, nil},
		{"heartbeat", TypeHeartbeat, []byte(`{"agentName":"web-01"}`)},
		{"binary payload", TypeAuth, []byte{0, 0, 0, 1, 'k', 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.msgType, tt.payload))
			assert.Equal(t, headerSize+len(tt.payload), buf.Len())

			frame, err := ReadFrame(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.msgType, frame.Type)
			assert.Equal(t, len(tt.payload), len(frame.Payload))
			if len(tt.payload) > 0 {
				assert.Equal(t, tt.payload, frame.Payload)
			}
		})
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeRegister, []byte("abc")))

	raw := buf.Bytes()
	assert.Equal(t, byte(0x10), raw[0])
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(raw[1:5]))
	assert.Equal(t, "abc", string(raw[5:]))
}

// countingReader fails the test if anything beyond the header is read.
type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	header := make([]byte, headerSize)
	header[0] = byte(TypeLogBatch)
	binary.BigEndian.PutUint32(header[1:], MaxMessageSize+1)

	// Follow the header with plenty of bytes that must never be consumed.
	src := &countingReader{r: io.MultiReader(bytes.NewReader(header), strings.NewReader(strings.Repeat("x", 64)))}

	_, err := ReadFrame(src, MaxMessageSize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	assert.Equal(t, headerSize, src.read)
}

func TestReadFrame_CustomLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeHeartbeat, make([]byte, 100)))

	_, err := ReadFrame(&buf, 50)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeHeartbeat, []byte("0123456789")))
	truncated := bytes.NewReader(buf.Bytes()[:8])

	_, err := ReadFrame(truncated, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_EOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		code ResponseCode
		msg  string
	}{
		{CodeSuccess, ""},
		{CodeSuccess, "Processed 1 logs"},
		{CodeError, "Not registered"},
		{CodeAuthFailed, "Invalid API key"},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteResponse(&buf, tt.code, tt.msg))

			resp, err := ReadResponse(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.msg, resp.Message)
			assert.Equal(t, tt.code == CodeSuccess, resp.OK())
		})
	}
}

func TestMessageTypeKnown(t *testing.T) {
	for _, mt := range []MessageType{TypeLogBatch, TypeHeartbeat, TypeBlockRequest, TypeAuth, TypeConnectionTest, TypeRegister, TypeUnregister} {
		assert.True(t, mt.Known(), mt.String())
	}
	assert.False(t, MessageType(0x42).Known())
	assert.Equal(t, "UNKNOWN(0x42)", MessageType(0x42).String())
}

func TestConnRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		frame, err := ReadFrame(server, 0)
		if err != nil {
			return
		}
		_ = WriteResponse(server, CodeSuccess, "echo:"+string(frame.Payload))
	}()

	conn := NewConn(client, time.Second)
	resp, err := conn.Request(TypeHeartbeat, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", resp.Message)
}

func TestConnRequest_Timeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = ReadFrame(server, 0)
		// never answer
	}()

	conn := NewConn(client, 50*time.Millisecond)
	_, err := conn.Request(TypeHeartbeat, []byte("ping"))
	require.Error(t, err)
	var netErr net.Error
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout())
}

func TestBatchRoundTrip(t *testing.T) {
	zone := time.FixedZone("JST", 9*3600)

	for _, n := range []int{0, 1, 5, 50} {
		batch := models.LogBatch{AgentID: "agent-1752081000000-1a2b"}
		for i := 0; i < n; i++ {
			batch.Entries = append(batch.Entries, models.LogEntry{
				Method:          "GET",
				FullURL:         "/index.html?page=" + strings.Repeat("x", i),
				StatusCode:      200 + i%3,
				IPAddress:       "203.0.113.5",
				AccessTime:      time.Date(2025, 7, 10, 2, 29, 57, 0, zone),
				BlockedByModSec: i%2 == 0,
				ServerName:      "shop",
				SourcePath:      "/var/log/nginx/access.log",
			})
		}

		payload, err := EncodeBatch(batch)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, TypeLogBatch, payload))
		frame, err := ReadFrame(&buf, 0)
		require.NoError(t, err)

		decoded, err := DecodeBatch(frame.Payload)
		require.NoError(t, err)
		assert.Equal(t, batch.AgentID, decoded.AgentID)
		require.Len(t, decoded.Logs, n)

		for i, rec := range decoded.Logs {
			got := rec.Entry()
			want := batch.Entries[i]
			assert.Equal(t, want.Method, got.Method)
			assert.Equal(t, want.FullURL, got.FullURL)
			assert.Equal(t, want.StatusCode, got.StatusCode)
			assert.Equal(t, want.IPAddress, got.IPAddress)
			assert.True(t, want.AccessTime.Equal(got.AccessTime), "access time %v != %v", want.AccessTime, got.AccessTime)
			assert.Equal(t, want.BlockedByModSec, got.BlockedByModSec)
			assert.Equal(t, want.ServerName, got.ServerName)
			assert.Equal(t, want.SourcePath, got.SourcePath)
		}
	}
}

func TestDecodeBatch_Malformed(t *testing.T) {
	_, err := DecodeBatch([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseAccessTime(t *testing.T) {
	got := ParseAccessTime("10/Jul/2025:02:29:57 +0900")
	assert.Equal(t, 2025, got.Year())
	assert.Equal(t, time.July, got.Month())
	_, offset := got.Zone()
	assert.Equal(t, 9*3600, offset)

	assert.False(t, ParseAccessTime("2025-07-10T02:29:57Z").IsZero())
	assert.True(t, ParseAccessTime("yesterday").IsZero())
	assert.True(t, ParseAccessTime("").IsZero())
}
