package tuya

import (
	"bytes"
	"context"
	"crypto/aes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Local protocol command words.
const (
	cmdControl   = 0x07
	cmdHeartbeat = 0x09
	cmdDPQuery   = 0x0a
)

const (
	framePrefix = 0x000055aa
	frameSuffix = 0x0000aa55

	localPort           = 6668
	defaultLocalTimeout = 5 * time.Second
)

// LocalConfig carries the addressing and key material for one device's
// local session.
type LocalConfig struct {
	DeviceID  string
	Address   string
	LocalKey  string
	Version   string
	Encrypted bool
	// GatewayID and NodeID route commands for sub-devices behind a hub.
	GatewayID string
	NodeID    string
}

// LocalClient speaks the Tuya local TCP protocol (version 3.3 framing,
// AES-ECB payload encryption) directly to a device on the LAN.
//
// All methods are safe for concurrent use; the protocol is strictly
// request/response on one connection, so calls are serialised.
type LocalClient struct {
	cfg LocalConfig

	mu   sync.Mutex
	conn net.Conn
	seq  uint32

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLocalClient creates a local client for one device.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	return &LocalClient{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets a logger for session diagnostics.
func (c *LocalClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *LocalClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Connect opens the TCP session to the device.
func (c *LocalClient) Connect(ctx context.Context) error {
	if c.cfg.Address == "" {
		return fmt.Errorf("%w: device address is required", ErrInvalidState)
	}
	if c.cfg.Encrypted && len(c.cfg.LocalKey) != 16 {
		return fmt.Errorf("%w: local key must be 16 bytes", ErrInvalidState)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Address, strconv.Itoa(localPort)))
	if err != nil {
		return &CallError{Transport: TransportLocalAPI, Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.getLogger().Debug("local session opened", "device", c.cfg.DeviceID, "address", c.cfg.Address)
	return nil
}

// IsConnected reports whether a session is open.
func (c *LocalClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the session.
func (c *LocalClient) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Heartbeat keeps the session alive. Devices drop idle connections after
// a few seconds without one.
func (c *LocalClient) Heartbeat(ctx context.Context) error {
	_, err := c.exchange(ctx, cmdHeartbeat, nil)
	return err
}

// ReadStates implements Client. It queries the device's current data
// points. deviceIdentifier selects the sub-device when the session goes
// through a gateway; for a direct session it matches the configured ID.
func (c *LocalClient) ReadStates(ctx context.Context, deviceIdentifier string) ([]DataPointState, error) {
	payload := map[string]any{
		"gwId":  c.gatewayID(),
		"devId": deviceIdentifier,
		"uid":   deviceIdentifier,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	}
	if c.cfg.NodeID != "" {
		payload["cid"] = c.cfg.NodeID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Transport: TransportLocalAPI, Op: "dp_query", Err: err}
	}

	resp, err := c.exchange(ctx, cmdDPQuery, body)
	if err != nil {
		return nil, err
	}

	var result struct {
		DPS map[string]any `json:"dps"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, &CallError{
			Transport: TransportLocalAPI,
			Op:        "dp_query",
			Request:   string(body),
			Response:  string(resp),
			Err:       err,
		}
	}

	states := make([]DataPointState, 0, len(result.DPS))
	for code, value := range result.DPS {
		states = append(states, DataPointState{Code: code, Value: value})
	}
	return states, nil
}

// SetDeviceState implements Client. propertyIdentifier is the numeric
// data-point code as a string.
func (c *LocalClient) SetDeviceState(ctx context.Context, deviceIdentifier, propertyIdentifier string, value any) error {
	payload := map[string]any{
		"devId": deviceIdentifier,
		"uid":   deviceIdentifier,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
		"dps":   map[string]any{propertyIdentifier: value},
	}
	if c.cfg.NodeID != "" {
		payload["cid"] = c.cfg.NodeID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &CallError{Transport: TransportLocalAPI, Op: "control", Err: err}
	}

	_, err = c.exchange(ctx, cmdControl, body)
	return err
}

func (c *LocalClient) gatewayID() string {
	if c.cfg.GatewayID != "" {
		return c.cfg.GatewayID
	}
	return c.cfg.DeviceID
}

// exchange sends one framed command and reads the reply. The connection
// carries one exchange at a time.
func (c *LocalClient) exchange(ctx context.Context, cmd uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("%w: client is not connected", ErrInvalidState)
	}

	deadline := time.Now().Add(defaultLocalTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	c.seq++
	frame, err := c.encodeFrame(cmd, c.seq, payload)
	if err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(frame); err != nil {
		c.dropLocked()
		return nil, &CallError{
			Transport: TransportLocalAPI,
			Op:        opName(cmd),
			Request:   string(payload),
			Err:       err,
		}
	}

	resp, err := c.readFrame()
	if err != nil {
		c.dropLocked()
		return nil, &CallError{
			Transport: TransportLocalAPI,
			Op:        opName(cmd),
			Request:   string(payload),
			Err:       err,
		}
	}
	return resp, nil
}

// dropLocked closes the connection after a transport failure. Callers
// reconnect via Connect.
func (c *LocalClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// encodeFrame builds one 0x55aa frame: prefix, seq, cmd, length, payload
// (encrypted for 3.3, with the version header on control commands),
// CRC32, suffix.
func (c *LocalClient) encodeFrame(cmd, seq uint32, payload []byte) ([]byte, error) {
	body := payload
	if c.cfg.Encrypted && len(payload) > 0 {
		enc, err := encryptECB([]byte(c.cfg.LocalKey), payload)
		if err != nil {
			return nil, &CallError{Transport: TransportLocalAPI, Op: opName(cmd), Err: err}
		}
		body = enc
	}

	// 3.3 control frames carry a 15-byte version header before the
	// ciphertext; queries and heartbeats do not.
	if cmd == cmdControl && c.cfg.Version != "" {
		header := make([]byte, 15)
		copy(header, c.cfg.Version)
		body = append(header, body...)
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(framePrefix))
	binary.Write(buf, binary.BigEndian, seq)
	binary.Write(buf, binary.BigEndian, cmd)
	binary.Write(buf, binary.BigEndian, uint32(len(body)+8))
	buf.Write(body)

	crc := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(buf, binary.BigEndian, crc)
	binary.Write(buf, binary.BigEndian, uint32(frameSuffix))
	return buf.Bytes(), nil
}

// readFrame reads and validates one reply frame, returning the decrypted
// payload with the return-code word stripped.
func (c *LocalClient) readFrame() ([]byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != framePrefix {
		return nil, fmt.Errorf("bad frame prefix %x", header[0:4])
	}

	length := binary.BigEndian.Uint32(header[12:16])
	if length < 12 || length > 1<<16 {
		return nil, fmt.Errorf("implausible frame length %d", length)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(c.conn, rest); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(rest[length-4:]) != frameSuffix {
		return nil, fmt.Errorf("bad frame suffix")
	}

	// Layout: retcode(4) payload crc(4) suffix(4).
	retcode := binary.BigEndian.Uint32(rest[0:4])
	if retcode != 0 {
		return nil, &APIError{
			Transport: TransportLocalAPI,
			Code:      int(retcode),
			Message:   "device returned error code",
		}
	}

	payload := rest[4 : length-8]
	if len(payload) == 0 {
		return nil, nil
	}

	// 3.3 responses may repeat the version header.
	if len(payload) >= 15 && bytes.HasPrefix(payload, []byte("3.")) {
		payload = payload[15:]
	}

	if c.cfg.Encrypted {
		dec, err := decryptECB([]byte(c.cfg.LocalKey), payload)
		if err != nil {
			return nil, err
		}
		payload = dec
	}
	return payload, nil
}

func opName(cmd uint32) string {
	switch cmd {
	case cmdControl:
		return "control"
	case cmdHeartbeat:
		return "heartbeat"
	case cmdDPQuery:
		return "dp_query"
	default:
		return fmt.Sprintf("cmd_%#x", cmd)
	}
}

// encryptECB applies AES-ECB with PKCS7 padding, the scheme the 3.3
// protocol uses.
func encryptECB(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:], padded[i:])
	}
	return out, nil
}

func decryptECB(key, cipher []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(cipher) == 0 || len(cipher)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(cipher))
	}

	out := make([]byte, len(cipher))
	for i := 0; i < len(cipher); i += block.BlockSize() {
		block.Decrypt(out[i:], cipher[i:])
	}
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("bad padding %d", pad)
	}
	return data[:len(data)-pad], nil
}
