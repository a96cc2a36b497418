package tuya

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	_ "github.com/nerrad567/tuya-bridge-core/migrations"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/database"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
)

func TestDataPointsMerge(t *testing.T) {
	spec := &DeviceSpecification{
		Functions: []FunctionSpec{
			{Code: "switch_1", Name: "Switch", Type: "Boolean"},
			{Code: "temp_set", Name: "Target", Type: "Integer", Values: `{"unit":"C","min":16,"max":30,"scale":1,"step":5}`},
		},
		Status: []FunctionSpec{
			{Code: "switch_1", Name: "Switch", Type: "Boolean"},
			{Code: "temp_current", Name: "Current", Type: "Integer", Values: `{"unit":"C","min":-10,"max":50,"scale":1}`},
		},
	}

	dps := dataPoints(spec)
	if len(dps) != 3 {
		t.Fatalf("got %d data points, want 3", len(dps))
	}

	sw := dps[0]
	if sw.Code != "switch_1" || !sw.Settable || !sw.Queryable {
		t.Errorf("switch_1 = %+v, want settable and queryable", sw)
	}

	target := dps[1]
	if target.Code != "temp_set" || !target.Settable || target.Queryable {
		t.Errorf("temp_set = %+v, want settable only", target)
	}
	if target.Format != "16:30" {
		t.Errorf("temp_set format = %q, want 16:30", target.Format)
	}
	if target.Scale == nil || *target.Scale != 1 {
		t.Errorf("temp_set scale = %v, want 1", target.Scale)
	}
	if target.Step == nil || *target.Step != 5 {
		t.Errorf("temp_set step = %v, want 5", target.Step)
	}

	current := dps[2]
	if current.Code != "temp_current" || current.Settable || !current.Queryable {
		t.Errorf("temp_current = %+v, want queryable only", current)
	}
	if current.Format != "-10:50" {
		t.Errorf("temp_current format = %q, want -10:50", current.Format)
	}
}

func TestSpecDataPoint(t *testing.T) {
	tests := []struct {
		name       string
		fn         FunctionSpec
		wantType   device.DataType
		wantFormat string
		wantUnit   string
	}{
		{
			name:       "enum range",
			fn:         FunctionSpec{Code: "work_mode", Type: "Enum", Values: `{"range":["white","colour","scene"]}`},
			wantType:   device.DataTypeEnum,
			wantFormat: "white,colour,scene",
		},
		{
			name:       "integer bounds",
			fn:         FunctionSpec{Code: "bright_value", Type: "Integer", Values: `{"unit":"%","min":10,"max":1000}`},
			wantType:   device.DataTypeInt,
			wantFormat: "10:1000",
			wantUnit:   "%",
		},
		{
			name:     "no values",
			fn:       FunctionSpec{Code: "switch_1", Type: "Boolean"},
			wantType: device.DataTypeBool,
		},
		{
			name:     "malformed values ignored",
			fn:       FunctionSpec{Code: "colour_data", Type: "Json", Values: "not json"},
			wantType: device.DataTypeJSON,
		},
		{
			name:     "unknown type",
			fn:       FunctionSpec{Code: "mystery", Type: "Bitmap"},
			wantType: device.DataTypeUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dp := specDataPoint(tt.fn)
			if dp.DataType != tt.wantType {
				t.Errorf("DataType = %s, want %s", dp.DataType, tt.wantType)
			}
			if dp.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", dp.Format, tt.wantFormat)
			}
			if dp.Unit != tt.wantUnit {
				t.Errorf("Unit = %q, want %q", dp.Unit, tt.wantUnit)
			}
		})
	}
}

// discoveryServer lists one gateway, one sub-device behind it, and serves
// an empty specification for both.
func discoveryServer(t *testing.T) *OpenAPIClient {
	t.Helper()
	srv := newAPIServer(t, map[string]http.HandlerFunc{
		"/v1.0/users/test-uid/devices": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, []map[string]any{
				{
					"id":         "child1",
					"name":       "Door Sensor",
					"sub":        true,
					"gateway_id": "gw1",
					"node_id":    "node-7",
					"online":     true,
					"status":     []map[string]any{{"code": "doorcontact_state", "value": false}},
				},
				{
					"id":        "gw1",
					"name":      "Zigbee Hub",
					"local_key": "0123456789abcdef",
					"ip":        "192.168.1.40",
					"online":    true,
				},
			})
		},
		"/v1.0/devices/gw1/specifications": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, map[string]any{"functions": []any{}, "status": []any{}})
		},
		"/v1.0/devices/child1/specifications": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, map[string]any{
				"functions": []any{},
				"status": []any{
					map[string]any{"code": "doorcontact_state", "type": "Boolean"},
				},
			})
		},
	})

	c := newTestClient(srv.URL)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestDiscoverOrdersGatewaysFirst(t *testing.T) {
	q := &captureQueue{}
	client := discoveryServer(t)
	s := NewScanner(ScannerConfig{Connector: "home"}, client, client, nil, q, nil)

	s.Discover(context.Background())

	var order []string
	for _, msg := range q.msgs {
		if m, ok := msg.(queue.StoreCloudDevice); ok {
			order = append(order, m.Identifier)
		}
	}
	if len(order) != 2 || order[0] != "gw1" || order[1] != "child1" {
		t.Errorf("store order = %v, want [gw1 child1]", order)
	}

	// Every device gets a connection-state message, and the child's cached
	// status readings follow its store message.
	var conns, states int
	for _, msg := range q.msgs {
		switch msg.(type) {
		case queue.StoreDeviceConnectionState:
			conns++
		case queue.StoreChannelPropertyState:
			states++
		}
	}
	if conns != 2 {
		t.Errorf("got %d connection messages, want 2", conns)
	}
	if states != 1 {
		t.Errorf("got %d property-state messages, want 1", states)
	}
}

func TestDiscoverLocalCarriesSessionAttributes(t *testing.T) {
	q := &captureQueue{}
	client := discoveryServer(t)
	s := NewScanner(ScannerConfig{Connector: "lan", Local: true}, client, client, nil, q, nil)

	s.Discover(context.Background())

	var locals []queue.StoreLocalDevice
	for _, msg := range q.msgs {
		if m, ok := msg.(queue.StoreLocalDevice); ok {
			locals = append(locals, m)
		}
	}
	if len(locals) != 2 {
		t.Fatalf("got %d local store messages, want 2", len(locals))
	}

	gw := locals[0]
	if gw.Identifier != "gw1" || !gw.Encrypted || gw.Version != "3.3" || gw.Gateway != nil {
		t.Errorf("gateway message = %+v, want encrypted 3.3 with no parent", gw)
	}
	child := locals[1]
	if child.Gateway == nil || *child.Gateway != "gw1" {
		t.Errorf("child gateway = %v, want gw1", child.Gateway)
	}
	if child.NodeID == nil || *child.NodeID != "node-7" {
		t.Errorf("child node id = %v, want node-7", child.NodeID)
	}
	if child.Encrypted {
		t.Error("child without local key marked encrypted")
	}
}

// staticReader serves canned readings for the read sweep.
type staticReader struct {
	states map[string][]DataPointState
}

func (r *staticReader) Connect(context.Context) error { return nil }
func (r *staticReader) IsConnected() bool             { return true }
func (r *staticReader) Disconnect()                   {}

func (r *staticReader) ReadStates(_ context.Context, deviceIdentifier string) ([]DataPointState, error) {
	return r.states[deviceIdentifier], nil
}

func (r *staticReader) SetDeviceState(context.Context, string, string, any) error { return nil }

func TestReadStatesSweepsDiscoveredDevices(t *testing.T) {
	q := &captureQueue{}
	client := discoveryServer(t)
	reader := &staticReader{states: map[string][]DataPointState{
		"gw1":    {{Code: "switch_1", Value: true}},
		"child1": nil, // nothing to report
	}}
	s := NewScanner(ScannerConfig{Connector: "home"}, client, reader, nil, q, nil)

	s.Discover(context.Background())
	q.msgs = nil
	s.readStates(context.Background())

	if len(q.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(q.msgs))
	}
	m, ok := q.msgs[0].(queue.StoreChannelPropertyState)
	if !ok {
		t.Fatalf("message = %T, want StoreChannelPropertyState", q.msgs[0])
	}
	if m.Identifier != "gw1" || len(m.DataPoints) != 1 || m.DataPoints[0].Code != "switch_1" {
		t.Errorf("message = %+v, want gw1 switch_1", m)
	}
}

// tuningRepo persists a device with polling attributes for the sweep.
func tuningRepo(t *testing.T, identifier string, attrs map[string]string) *device.SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := device.NewSQLiteRepository(db.DB)

	dev := &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: "home",
		Identifier:  identifier,
		Name:        identifier,
	}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	for id, value := range attrs {
		v := value
		prop := &device.Property{
			ID:         device.GenerateID(),
			DeviceID:   &dev.ID,
			Identifier: id,
			Name:       id,
			Kind:       device.KindVariable,
			DataType:   device.DataTypeString,
			Value:      &v,
		}
		if err := repo.CreateProperty(ctx, prop); err != nil {
			t.Fatalf("CreateProperty() error = %v", err)
		}
	}
	return repo
}

func TestReadStatesHonoursDeviceTuning(t *testing.T) {
	q := &captureQueue{}
	client := discoveryServer(t)
	repo := tuningRepo(t, "gw1", map[string]string{
		device.AttrReadStateDelay: "3600",
		device.AttrExcludedDPS:    "switch_1, Wifi_Signal",
	})
	reader := &staticReader{states: map[string][]DataPointState{
		"gw1": {
			{Code: "switch_1", Value: true},
			{Code: "wifi_signal", Value: float64(-60)},
			{Code: "doorcontact_state", Value: false},
		},
		"child1": {{Code: "doorcontact_state", Value: true}},
	}}
	s := NewScanner(ScannerConfig{Connector: "home"}, client, reader, repo, q, nil)

	s.Discover(context.Background())
	q.msgs = nil
	s.readStates(context.Background())

	byDevice := map[string]queue.StoreChannelPropertyState{}
	for _, msg := range q.msgs {
		if m, ok := msg.(queue.StoreChannelPropertyState); ok {
			byDevice[m.Identifier] = m
		}
	}

	// The excluded codes are stripped from the tuned device's report.
	gw, ok := byDevice["gw1"]
	if !ok {
		t.Fatal("no report for gw1 on the first sweep")
	}
	if len(gw.DataPoints) != 1 || gw.DataPoints[0].Code != "doorcontact_state" {
		t.Errorf("gw1 data points = %+v, want doorcontact_state only", gw.DataPoints)
	}
	if _, ok := byDevice["child1"]; !ok {
		t.Error("no report for untuned child1")
	}

	// The tuned device's reading delay has not elapsed, so only the
	// untuned device is polled again.
	q.msgs = nil
	s.readStates(context.Background())
	for _, msg := range q.msgs {
		if m, ok := msg.(queue.StoreChannelPropertyState); ok && m.Identifier == "gw1" {
			t.Errorf("gw1 polled again inside its reading delay: %+v", m)
		}
	}
	if len(q.msgs) != 1 {
		t.Errorf("got %d messages on second sweep, want child1 only", len(q.msgs))
	}
}

func TestTrimFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{16, "16"},
		{-10, "-10"},
		{1000, "1000"},
		{21.5, "21.5"},
		{0.1, "0.1"},
	}
	for _, tt := range tests {
		if got := trimFloat(tt.in); got != tt.want {
			t.Errorf("trimFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
