package tuya

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
)

// ScannerConfig configures the cloud discovery and state-reading loops of
// one connector.
type ScannerConfig struct {
	// Connector is the connector key stamped onto produced messages.
	Connector string
	// Local marks connectors whose devices are driven over the LAN; their
	// discovery payloads carry the local session attributes.
	Local bool
	// DiscoveryInterval is the delay between device listings.
	DiscoveryInterval time.Duration
	// ReadInterval is the delay between state read sweeps.
	ReadInterval time.Duration
}

// Scanner drives discovery against the cloud API: it lists the account's
// devices, fetches their data-point schemas, and produces store messages
// for the pipeline. A second loop polls device states at the configured
// reading delay, honouring the per-device tuning attributes
// (state_reading_delay, read_state_exclude_dps) stored on each device.
type Scanner struct {
	cfg    ScannerConfig
	client *OpenAPIClient
	reader Client
	repo   device.Repository
	queue  interface{ Append(queue.Message) }

	mu       sync.Mutex
	devices  []string
	lastRead map[string]time.Time

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	logger Logger
}

// NewScanner creates a scanner. client performs discovery; reader performs
// the state sweeps and may be the same client or a local transport. repo
// supplies the per-device tuning attributes.
func NewScanner(cfg ScannerConfig, client *OpenAPIClient, reader Client, repo device.Repository, q interface{ Append(queue.Message) }, logger Logger) *Scanner {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Minute
	}
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = 5 * time.Second
	}
	return &Scanner{
		cfg:      cfg,
		client:   client,
		reader:   reader,
		repo:     repo,
		queue:    q,
		lastRead: make(map[string]time.Time),
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the discovery and reading loops.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.discoveryLoop(ctx)
	go s.readLoop(ctx)
}

// Stop ends both loops and waits for them to exit.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scanner) discoveryLoop(ctx context.Context) {
	defer s.wg.Done()

	// First discovery runs immediately so the pipeline has entities to
	// work with before the first interval elapses.
	s.Discover(ctx)

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Discover(ctx)
		}
	}
}

func (s *Scanner) readLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.readStates(ctx)
		}
	}
}

// Discover performs one listing pass, producing store messages for every
// device. Gateways are emitted before their children so the child's
// parent lookup succeeds.
func (s *Scanner) Discover(ctx context.Context) {
	devices, err := s.client.Devices(ctx)
	if err != nil {
		s.logger.Error("device listing failed", "connector", s.cfg.Connector, "error", err)
		return
	}

	ordered := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if !d.Sub {
			ordered = append(ordered, d)
		}
	}
	for _, d := range devices {
		if d.Sub {
			ordered = append(ordered, d)
		}
	}

	identifiers := make([]string, 0, len(ordered))
	for _, d := range ordered {
		identifiers = append(identifiers, d.ID)
		s.emitDevice(ctx, d)
	}

	s.mu.Lock()
	s.devices = identifiers
	s.mu.Unlock()
}

func (s *Scanner) emitDevice(ctx context.Context, d DeviceInfo) {
	spec, err := s.client.Specification(ctx, d.ID)
	if err != nil {
		s.logger.Warn("specification fetch failed, storing device without data points",
			"device", d.ID,
			"error", err,
		)
		spec = &DeviceSpecification{}
	}

	msg := queue.StoreCloudDevice{
		Connector:   s.cfg.Connector,
		Identifier:  d.ID,
		IPAddress:   optional(d.IP),
		LocalKey:    optional(d.LocalKey),
		Name:        optional(d.Name),
		Model:       optional(d.Model),
		Icon:        optional(d.Icon),
		Category:    optional(d.Category),
		ProductID:   optional(d.ProductID),
		ProductName: optional(d.ProductName),
		Latitude:    optional(d.Latitude),
		Longitude:   optional(d.Longitude),
		DataPoints:  dataPoints(spec),
	}

	if s.cfg.Local {
		local := queue.StoreLocalDevice{
			StoreCloudDevice: msg,
			Encrypted:        d.LocalKey != "",
			Version:          "3.3",
			Gateway:          optional(d.GatewayID),
			NodeID:           optional(d.NodeID),
		}
		s.queue.Append(local)
	} else {
		s.queue.Append(msg)
	}

	state := device.StateDisconnected
	if d.Online {
		state = device.StateConnected
	}
	s.queue.Append(queue.StoreDeviceConnectionState{
		Connector:  s.cfg.Connector,
		Identifier: d.ID,
		State:      state,
	})

	if len(d.Status) > 0 {
		dps := make([]queue.DataPointValue, 0, len(d.Status))
		for _, st := range d.Status {
			var value any
			if err := json.Unmarshal(st.Value, &value); err != nil {
				continue
			}
			dps = append(dps, queue.DataPointValue{Code: st.Code, Value: value})
		}
		s.queue.Append(queue.StoreChannelPropertyState{
			Connector:  s.cfg.Connector,
			Identifier: d.ID,
			DataPoints: dps,
		})
	}
}

// readStates sweeps every known device through the reader transport. A
// device carrying a state_reading_delay attribute is only polled once that
// many seconds have passed since its previous read; codes listed in
// read_state_exclude_dps are dropped from the report.
func (s *Scanner) readStates(ctx context.Context) {
	s.mu.Lock()
	identifiers := make([]string, len(s.devices))
	copy(identifiers, s.devices)
	s.mu.Unlock()

	for _, id := range identifiers {
		delay, excluded := s.readTuning(ctx, id)
		if !s.markRead(id, delay) {
			continue
		}

		states, err := s.reader.ReadStates(ctx, id)
		if err != nil {
			s.logger.Warn("state read failed", "device", id, "error", err)
			continue
		}
		dps := make([]queue.DataPointValue, 0, len(states))
		for _, st := range states {
			if excluded[st.Code] {
				continue
			}
			dps = append(dps, queue.DataPointValue{Code: st.Code, Value: st.Value})
		}
		if len(dps) == 0 {
			continue
		}
		s.queue.Append(queue.StoreChannelPropertyState{
			Connector:  s.cfg.Connector,
			Identifier: id,
			DataPoints: dps,
		})
	}
}

// markRead records a read attempt, reporting false when the device's
// reading delay has not elapsed yet.
func (s *Scanner) markRead(identifier string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if delay > 0 && now.Sub(s.lastRead[identifier]) < delay {
		return false
	}
	s.lastRead[identifier] = now
	return true
}

// readTuning loads the per-device polling attributes. Devices without
// them, or not yet persisted, poll on every sweep with nothing excluded.
func (s *Scanner) readTuning(ctx context.Context, identifier string) (time.Duration, map[string]bool) {
	if s.repo == nil {
		return 0, nil
	}
	dev, err := s.repo.GetDeviceByIdentifier(ctx, s.cfg.Connector, identifier)
	if err != nil {
		return 0, nil
	}

	var delay time.Duration
	if v := s.attr(ctx, dev.ID, device.AttrReadStateDelay); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			delay = time.Duration(secs) * time.Second
		}
	}

	var excluded map[string]bool
	if v := s.attr(ctx, dev.ID, device.AttrExcludedDPS); v != "" {
		excluded = make(map[string]bool)
		for _, code := range strings.Split(v, ",") {
			if code = device.NormalizeIdentifier(code); code != "" {
				excluded[code] = true
			}
		}
	}
	return delay, excluded
}

// attr reads a device attribute value, returning "" when absent.
func (s *Scanner) attr(ctx context.Context, deviceID, identifier string) string {
	prop, err := s.repo.GetDeviceProperty(ctx, deviceID, identifier)
	if err != nil || prop.Value == nil {
		return ""
	}
	return *prop.Value
}

// dataPoints merges the function and status schemas into the discovery
// payload's data-point list. Codes present in both are settable and
// queryable; status-only codes are read-only.
func dataPoints(spec *DeviceSpecification) []queue.DataPoint {
	merged := make(map[string]*queue.DataPoint)
	order := make([]string, 0, len(spec.Functions)+len(spec.Status))

	for _, fn := range spec.Functions {
		dp := specDataPoint(fn)
		dp.Settable = true
		merged[fn.Code] = &dp
		order = append(order, fn.Code)
	}
	for _, st := range spec.Status {
		if existing, ok := merged[st.Code]; ok {
			existing.Queryable = true
			continue
		}
		dp := specDataPoint(st)
		dp.Queryable = true
		merged[st.Code] = &dp
		order = append(order, st.Code)
	}

	out := make([]queue.DataPoint, 0, len(order))
	for _, code := range order {
		out = append(out, *merged[code])
	}
	return out
}

// specDataPoint maps one schema entry onto a discovery data point,
// parsing the values JSON for the numeric constraints.
func specDataPoint(fn FunctionSpec) queue.DataPoint {
	dp := queue.DataPoint{
		Code:     fn.Code,
		Name:     fn.Name,
		DataType: dataTypeFor(fn.Type),
	}

	if fn.Values == "" {
		return dp
	}
	var values struct {
		Unit  string   `json:"unit"`
		Min   *float64 `json:"min"`
		Max   *float64 `json:"max"`
		Scale *int     `json:"scale"`
		Step  *float64 `json:"step"`
		Range []string `json:"range"`
	}
	if err := json.Unmarshal([]byte(fn.Values), &values); err != nil {
		return dp
	}

	dp.Unit = values.Unit
	dp.Scale = values.Scale
	dp.Step = values.Step
	switch {
	case len(values.Range) > 0:
		dp.Format = strings.Join(values.Range, ",")
	case values.Min != nil && values.Max != nil:
		dp.Format = trimFloat(*values.Min) + ":" + trimFloat(*values.Max)
	}
	return dp
}

func dataTypeFor(specType string) device.DataType {
	switch strings.ToLower(specType) {
	case "boolean":
		return device.DataTypeBool
	case "integer":
		return device.DataTypeInt
	case "float", "double":
		return device.DataTypeFloat
	case "enum":
		return device.DataTypeEnum
	case "string":
		return device.DataTypeString
	case "json":
		return device.DataTypeJSON
	case "raw":
		return device.DataTypeRaw
	default:
		return device.DataTypeUnknown
	}
}

func trimFloat(f float64) string {
	s := jsonNumber(f)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
