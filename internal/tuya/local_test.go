package tuya

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"testing"
	"time"
)

const testLocalKey = "0123456789abcdef"

func TestPKCS7Roundtrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0x42}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Errorf("len(pad(%d)) = %d, not a block multiple", n, len(padded))
		}
		out, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Errorf("unpad(pad(%d)) error = %v", n, err)
			continue
		}
		if !bytes.Equal(out, data) {
			t.Errorf("unpad(pad(%d)) = %d bytes, want %d", n, len(out), n)
		}
	}
}

func TestPKCS7UnpadRejectsBadPadding(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zero pad byte", []byte{1, 2, 3, 0}},
		{"pad larger than block", append(bytes.Repeat([]byte{0}, 15), 17)},
		{"pad larger than data", []byte{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pkcs7Unpad(tt.data, 16); err == nil {
				t.Error("pkcs7Unpad() error = nil, want error")
			}
		})
	}
}

func TestECBRoundtrip(t *testing.T) {
	plain := []byte(`{"dps":{"1":true}}`)
	enc, err := encryptECB([]byte(testLocalKey), plain)
	if err != nil {
		t.Fatalf("encryptECB() error = %v", err)
	}
	if len(enc)%16 != 0 {
		t.Fatalf("ciphertext length %d is not a block multiple", len(enc))
	}
	if bytes.Contains(enc, plain[:8]) {
		t.Error("ciphertext contains plaintext")
	}

	dec, err := decryptECB([]byte(testLocalKey), enc)
	if err != nil {
		t.Fatalf("decryptECB() error = %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("roundtrip = %q, want %q", dec, plain)
	}
}

func TestDecryptECBRejectsPartialBlock(t *testing.T) {
	if _, err := decryptECB([]byte(testLocalKey), make([]byte, 15)); err == nil {
		t.Error("decryptECB() error = nil for partial block")
	}
	if _, err := decryptECB([]byte(testLocalKey), nil); err == nil {
		t.Error("decryptECB() error = nil for empty input")
	}
}

func TestEncodeFramePlain(t *testing.T) {
	c := NewLocalClient(LocalConfig{DeviceID: "bf1"})
	payload := []byte(`{"gwId":"bf1"}`)

	frame, err := c.encodeFrame(cmdDPQuery, 3, payload)
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}

	if got := binary.BigEndian.Uint32(frame[0:4]); got != framePrefix {
		t.Errorf("prefix = %#x, want %#x", got, framePrefix)
	}
	if got := binary.BigEndian.Uint32(frame[4:8]); got != 3 {
		t.Errorf("seq = %d, want 3", got)
	}
	if got := binary.BigEndian.Uint32(frame[8:12]); got != cmdDPQuery {
		t.Errorf("cmd = %#x, want %#x", got, cmdDPQuery)
	}
	if got := binary.BigEndian.Uint32(frame[12:16]); got != uint32(len(payload)+8) {
		t.Errorf("length = %d, want %d", got, len(payload)+8)
	}
	if !bytes.Equal(frame[16:16+len(payload)], payload) {
		t.Error("payload not carried verbatim in unencrypted frame")
	}

	wantCRC := crc32.ChecksumIEEE(frame[:16+len(payload)])
	if got := binary.BigEndian.Uint32(frame[16+len(payload):]); got != wantCRC {
		t.Errorf("crc = %#x, want %#x", got, wantCRC)
	}
	if got := binary.BigEndian.Uint32(frame[len(frame)-4:]); got != frameSuffix {
		t.Errorf("suffix = %#x, want %#x", got, frameSuffix)
	}
}

func TestEncodeFrameControlCarriesVersionHeader(t *testing.T) {
	c := NewLocalClient(LocalConfig{
		DeviceID:  "bf1",
		LocalKey:  testLocalKey,
		Version:   "3.3",
		Encrypted: true,
	})
	payload := []byte(`{"dps":{"1":true}}`)

	frame, err := c.encodeFrame(cmdControl, 1, payload)
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}

	body := frame[16 : len(frame)-8]
	if !bytes.HasPrefix(body, []byte("3.3")) {
		t.Error("control frame body does not start with the version header")
	}
	cipher := body[15:]
	if len(cipher)%16 != 0 {
		t.Errorf("ciphertext length %d is not a block multiple", len(cipher))
	}
	dec, err := decryptECB([]byte(testLocalKey), cipher)
	if err != nil {
		t.Fatalf("decryptECB() error = %v", err)
	}
	if !bytes.Equal(dec, payload) {
		t.Errorf("decrypted body = %q, want %q", dec, payload)
	}
}

func TestEncodeFrameHeartbeatSkipsVersionHeader(t *testing.T) {
	c := NewLocalClient(LocalConfig{DeviceID: "bf1", Version: "3.3"})
	frame, err := c.encodeFrame(cmdHeartbeat, 1, nil)
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	// Header(16) + crc(4) + suffix(4) and nothing else.
	if len(frame) != 24 {
		t.Errorf("heartbeat frame length = %d, want 24", len(frame))
	}
}

// replyFrame builds a device response frame around payload with the given
// return code.
func replyFrame(retcode uint32, payload []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(framePrefix))
	binary.Write(buf, binary.BigEndian, uint32(1))           // seq
	binary.Write(buf, binary.BigEndian, uint32(cmdDPQuery))  // cmd
	binary.Write(buf, binary.BigEndian, uint32(len(payload)+12))
	binary.Write(buf, binary.BigEndian, retcode)
	buf.Write(payload)
	binary.Write(buf, binary.BigEndian, uint32(0)) // crc, unchecked
	binary.Write(buf, binary.BigEndian, uint32(frameSuffix))
	return buf.Bytes()
}

// pipeClient returns a client whose session is one end of an in-memory
// pipe, with the other end handed to the test.
func pipeClient(cfg LocalConfig) (*LocalClient, net.Conn) {
	client, server := net.Pipe()
	c := NewLocalClient(cfg)
	c.conn = client
	return c, server
}

func TestReadFramePlain(t *testing.T) {
	c, server := pipeClient(LocalConfig{DeviceID: "bf1"})
	defer c.Disconnect()

	want := []byte(`{"dps":{"1":true}}`)
	go func() {
		server.Write(replyFrame(0, want))
		server.Close()
	}()

	got, err := c.readFrame()
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("readFrame() = %q, want %q", got, want)
	}
}

func TestReadFrameEncrypted(t *testing.T) {
	c, server := pipeClient(LocalConfig{DeviceID: "bf1", LocalKey: testLocalKey, Encrypted: true})
	defer c.Disconnect()

	want := []byte(`{"dps":{"1":false}}`)
	enc, err := encryptECB([]byte(testLocalKey), want)
	if err != nil {
		t.Fatalf("encryptECB() error = %v", err)
	}
	go func() {
		server.Write(replyFrame(0, enc))
		server.Close()
	}()

	got, err := c.readFrame()
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("readFrame() = %q, want %q", got, want)
	}
}

func TestReadFrameDeviceError(t *testing.T) {
	c, server := pipeClient(LocalConfig{DeviceID: "bf1"})
	defer c.Disconnect()

	go func() {
		server.Write(replyFrame(1, []byte("json obj data unvalid")))
		server.Close()
	}()

	_, err := c.readFrame()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("readFrame() error = %v, want *APIError", err)
	}
	if apiErr.Code != 1 || apiErr.Transport != TransportLocalAPI {
		t.Errorf("APIError = %+v, want local code 1", apiErr)
	}
}

func TestReadFrameBadPrefix(t *testing.T) {
	c, server := pipeClient(LocalConfig{DeviceID: "bf1"})
	defer c.Disconnect()

	go func() {
		server.Write(bytes.Repeat([]byte{0xff}, 16))
		server.Close()
	}()

	if _, err := c.readFrame(); err == nil {
		t.Error("readFrame() error = nil for bad prefix")
	}
}

func TestConnectValidation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := NewLocalClient(LocalConfig{})
	if err := c.Connect(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect() without address error = %v, want ErrInvalidState", err)
	}

	c = NewLocalClient(LocalConfig{Address: "127.0.0.1", Encrypted: true, LocalKey: "short"})
	if err := c.Connect(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect() with short key error = %v, want ErrInvalidState", err)
	}
}

func TestOpName(t *testing.T) {
	tests := []struct {
		cmd  uint32
		want string
	}{
		{cmdControl, "control"},
		{cmdHeartbeat, "heartbeat"},
		{cmdDPQuery, "dp_query"},
		{0x12, "cmd_0x12"},
	}
	for _, tt := range tests {
		if got := opName(tt.cmd); got != tt.want {
			t.Errorf("opName(%#x) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
