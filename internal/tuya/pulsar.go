package tuya

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
)

const (
	pulsarReconnectMin = time.Second
	pulsarReconnectMax = time.Minute
	pulsarPingInterval = 30 * time.Second
	pulsarReadTimeout  = 65 * time.Second
)

// PulsarConfig configures one push-channel subscription.
type PulsarConfig struct {
	Endpoint     string
	AccessID     string
	AccessSecret string
	Topic        string
	// Connector is the connector key stamped onto produced messages.
	Connector string
}

// PulsarListener subscribes to the Tuya OpenPulsar websocket push channel
// and turns device events into queue messages: status reports become
// property-state messages, online/offline events become connection-state
// messages.
type PulsarListener struct {
	cfg   PulsarConfig
	queue interface{ Append(queue.Message) }

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewPulsarListener creates a listener producing into q.
func NewPulsarListener(cfg PulsarConfig, q interface{ Append(queue.Message) }) *PulsarListener {
	return &PulsarListener{
		cfg:    cfg,
		queue:  q,
		stop:   make(chan struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets a logger for subscription diagnostics.
func (l *PulsarListener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *PulsarListener) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

// Start launches the subscription loop with automatic reconnection.
func (l *PulsarListener) Start(ctx context.Context) error {
	if l.cfg.AccessID == "" || l.cfg.AccessSecret == "" {
		return fmt.Errorf("%w: access_id and access_secret are required", ErrInvalidState)
	}
	if l.cfg.Endpoint == "" {
		return fmt.Errorf("%w: openpulsar endpoint is required", ErrInvalidState)
	}

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop ends the subscription loop and waits for it to exit.
func (l *PulsarListener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *PulsarListener) run(ctx context.Context) {
	defer l.wg.Done()

	backoff := pulsarReconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		default:
		}

		err := l.session(ctx)
		if err != nil {
			l.getLogger().Warn("push channel session ended", "error", err, "retry_in", backoff.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pulsarReconnectMax {
			backoff = pulsarReconnectMax
		}
	}
}

// subscriptionURL builds the consumer URL for the configured topic.
func (l *PulsarListener) subscriptionURL() string {
	base := strings.TrimSuffix(l.cfg.Endpoint, "/")
	return fmt.Sprintf("%s/ws/v2/consumer/persistent/%s/out/%s/%s/sub?ackTimeoutMillis=3000&subscriptionType=Failover",
		base, l.cfg.AccessID, l.cfg.Topic, l.cfg.AccessID+"-sub")
}

// session runs one websocket connection until it fails or is stopped.
func (l *PulsarListener) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := map[string][]string{
		"username": {l.cfg.AccessID},
		"password": {pulsarPassword(l.cfg.AccessID, l.cfg.AccessSecret)},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.subscriptionURL(), header)
	if err != nil {
		return fmt.Errorf("dialing push channel: %w", err)
	}
	defer conn.Close()

	l.getLogger().Debug("push channel connected", "endpoint", l.cfg.Endpoint, "topic", l.cfg.Topic)

	done := make(chan struct{})
	defer close(done)
	go l.keepalive(conn, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(pulsarReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading push message: %w", err)
		}

		msgID, err := l.handle(raw)
		if err != nil {
			l.getLogger().Warn("undecodable push message dropped", "error", err)
		}
		if msgID != "" {
			ack, _ := json.Marshal(map[string]string{"messageId": msgID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return fmt.Errorf("acking push message: %w", err)
			}
		}
	}
}

// keepalive pings the server until the session ends.
func (l *PulsarListener) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pulsarPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-l.stop:
			return
		case <-ticker.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

// pushEvent is the decrypted event carried inside a push message.
type pushEvent struct {
	BizCode string          `json:"bizCode"`
	BizData json.RawMessage `json:"bizData"`
	DevID   string          `json:"devId"`
	// status-report events carry the readings at the top level
	DataID string `json:"dataId"`
	Status []struct {
		Code  string `json:"code"`
		Value any    `json:"value"`
	} `json:"status"`
}

// handle decodes one raw websocket message and enqueues the resulting
// pipeline message. It returns the message ID to ack, when present.
func (l *PulsarListener) handle(raw []byte) (string, error) {
	var outer struct {
		MessageID string `json:"messageId"`
		Payload   string `json:"payload"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", fmt.Errorf("decoding envelope: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(outer.Payload)
	if err != nil {
		return outer.MessageID, fmt.Errorf("decoding payload: %w", err)
	}

	var inner struct {
		Data     string `json:"data"`
		Protocol int    `json:"protocol"`
	}
	if err := json.Unmarshal(payload, &inner); err != nil {
		return outer.MessageID, fmt.Errorf("decoding payload wrapper: %w", err)
	}

	data, err := decryptPushData(inner.Data, l.cfg.AccessSecret)
	if err != nil {
		return outer.MessageID, fmt.Errorf("decrypting event: %w", err)
	}

	var event pushEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return outer.MessageID, fmt.Errorf("decoding event: %w", err)
	}

	l.dispatch(event)
	return outer.MessageID, nil
}

// dispatch maps one event onto a queue message. Unknown event kinds are
// ignored; the push channel carries more than this pipeline consumes.
func (l *PulsarListener) dispatch(event pushEvent) {
	if len(event.Status) > 0 && event.DevID != "" {
		dps := make([]queue.DataPointValue, 0, len(event.Status))
		for _, s := range event.Status {
			dps = append(dps, queue.DataPointValue{Code: s.Code, Value: s.Value})
		}
		l.queue.Append(queue.StoreChannelPropertyState{
			Connector:  l.cfg.Connector,
			Identifier: event.DevID,
			DataPoints: dps,
		})
		return
	}

	switch event.BizCode {
	case "online":
		l.queue.Append(queue.StoreDeviceConnectionState{
			Connector:  l.cfg.Connector,
			Identifier: l.eventDevice(event),
			State:      device.StateConnected,
		})
	case "offline":
		l.queue.Append(queue.StoreDeviceConnectionState{
			Connector:  l.cfg.Connector,
			Identifier: l.eventDevice(event),
			State:      device.StateDisconnected,
		})
	default:
		l.getLogger().Debug("push event ignored", "biz_code", event.BizCode)
	}
}

func (l *PulsarListener) eventDevice(event pushEvent) string {
	if event.DevID != "" {
		return event.DevID
	}
	var biz struct {
		DevID string `json:"devId"`
	}
	if len(event.BizData) > 0 {
		json.Unmarshal(event.BizData, &biz)
	}
	return biz.DevID
}

// pulsarPassword derives the subscription password the push channel
// expects: md5(accessID + md5(accessSecret)) middle 16 characters.
func pulsarPassword(accessID, accessSecret string) string {
	secretSum := md5.Sum([]byte(accessSecret))
	sum := md5.Sum([]byte(accessID + hex.EncodeToString(secretSum[:])))
	digest := hex.EncodeToString(sum[:])
	return digest[8:24]
}

// decryptPushData decrypts the AES-ECB event body. The key is the middle
// 16 characters of md5(accessSecret).
func decryptPushData(data, accessSecret string) ([]byte, error) {
	cipher, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum([]byte(accessSecret))
	key := hex.EncodeToString(sum[:])[8:24]
	return decryptECB([]byte(key), cipher)
}
