package consumers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/nerrad567/tuya-bridge-core/migrations"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/database"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// env bundles the collaborators every consumer test needs, backed by a
// migrated temp database.
type env struct {
	repo        *device.SQLiteRepository
	registry    *connector.Registry
	states      *state.Store
	connections *state.ConnectionStore
	cache       *DataPointCache
	upserter    *PropertyUpserter
	sessions    *recordedInvalidations
	cloud       *CloudDevice
	local       *LocalDevice
}

// recordedInvalidations captures session drops requested by discovery.
type recordedInvalidations struct {
	dropped []string
}

func (r *recordedInvalidations) Invalidate(connectorID, deviceIdentifier string) {
	r.dropped = append(r.dropped, connectorID+"/"+deviceIdentifier)
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := device.NewSQLiteRepository(db.DB)
	registry := connector.NewRegistry([]config.ConnectorConfig{
		{ID: "home", Mode: config.ModeCloud, AccessID: "id", AccessSecret: "secret", OpenAPIEndpoint: "europe"},
	})
	states := state.NewStore()
	cache := NewDataPointCache(repo)
	upserter := NewPropertyUpserter(repo, states, nil)
	sessions := &recordedInvalidations{}

	return &env{
		repo:        repo,
		registry:    registry,
		states:      states,
		connections: state.NewConnectionStore(),
		cache:       cache,
		upserter:    upserter,
		sessions:    sessions,
		cloud:       NewCloudDevice(repo, registry, upserter, cache, sessions, nil),
		local:       NewLocalDevice(repo, registry, upserter, cache, sessions, nil),
	}
}

// cloudMsg builds a minimal discovery payload for one device.
func cloudMsg(identifier string, dps ...queue.DataPoint) queue.StoreCloudDevice {
	name := "Device " + identifier
	ip := "192.168.1.40"
	return queue.StoreCloudDevice{
		Connector:  "home",
		Identifier: identifier,
		Name:       &name,
		IPAddress:  &ip,
		DataPoints: dps,
	}
}

func switchDP() queue.DataPoint {
	return queue.DataPoint{
		Code:      "switch_1",
		Name:      "Switch",
		DataType:  device.DataTypeBool,
		Settable:  true,
		Queryable: true,
	}
}

func TestCloudDeviceCreatesEntities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if !e.cloud.Consume(ctx, cloudMsg("bf1", switchDP())) {
		t.Fatal("Consume() = false for StoreCloudDevice")
	}

	dev, err := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	if err != nil {
		t.Fatalf("device not created: %v", err)
	}
	if dev.Name != "Device bf1" {
		t.Errorf("device name = %q, want %q", dev.Name, "Device bf1")
	}

	attr, err := e.repo.GetDeviceProperty(ctx, dev.ID, device.AttrIPAddress)
	if err != nil {
		t.Fatalf("ip attribute not created: %v", err)
	}
	if attr.Value == nil || *attr.Value != "192.168.1.40" {
		t.Errorf("ip attribute = %v, want 192.168.1.40", attr.Value)
	}

	ch, err := e.repo.GetChannelByIdentifier(ctx, dev.ID, device.DomainCloud)
	if err != nil {
		t.Fatalf("cloud channel not created: %v", err)
	}
	prop, err := e.repo.GetChannelProperty(ctx, ch.ID, "switch_1")
	if err != nil {
		t.Fatalf("data-point property not created: %v", err)
	}
	if !prop.Dynamic() || !prop.Settable {
		t.Errorf("property = %+v, want dynamic settable", prop)
	}
}

func TestCloudDeviceIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	msg := cloudMsg("bf1", switchDP())
	e.cloud.Consume(ctx, msg)
	e.cloud.Consume(ctx, msg)

	devs, err := e.repo.ListDevicesByConnector(ctx, "home")
	if err != nil {
		t.Fatalf("ListDevicesByConnector() error = %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("got %d devices after re-discovery, want 1", len(devs))
	}

	channels, _ := e.repo.ListChannels(ctx, devs[0].ID)
	if len(channels) != 1 {
		t.Errorf("got %d channels, want 1", len(channels))
	}
	props, _ := e.repo.ListChannelProperties(ctx, channels[0].ID)
	if len(props) != 1 {
		t.Errorf("got %d channel properties, want 1", len(props))
	}
}

func TestCloudDeviceReaddressDropsSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cloud.Consume(ctx, cloudMsg("bf1", switchDP()))
	if len(e.sessions.dropped) != 0 {
		t.Fatalf("first sighting dropped sessions %v, want none", e.sessions.dropped)
	}

	// Same payload again: nothing changed, no session churn.
	e.cloud.Consume(ctx, cloudMsg("bf1", switchDP()))
	if len(e.sessions.dropped) != 0 {
		t.Fatalf("unchanged re-sighting dropped sessions %v, want none", e.sessions.dropped)
	}

	// The device moved to a new address: any cached LAN session dials the
	// old one and must be dropped.
	msg := cloudMsg("bf1", switchDP())
	ip := "192.168.1.99"
	msg.IPAddress = &ip
	e.cloud.Consume(ctx, msg)
	if len(e.sessions.dropped) != 1 || e.sessions.dropped[0] != "home/bf1" {
		t.Errorf("dropped sessions = %v, want [home/bf1]", e.sessions.dropped)
	}

	// A non-addressing attribute change leaves sessions alone.
	e.sessions.dropped = nil
	model := "plug-2"
	msg.Model = &model
	e.cloud.Consume(ctx, msg)
	if len(e.sessions.dropped) != 0 {
		t.Errorf("model change dropped sessions %v, want none", e.sessions.dropped)
	}
}

func TestCloudDeviceEmptyDataPointsKeepsProperties(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cloud.Consume(ctx, cloudMsg("bf1", switchDP()))

	// A later sighting may carry no data points at all (the specification
	// endpoint can fail during discovery). That must not erase what an
	// earlier sighting created.
	e.cloud.Consume(ctx, cloudMsg("bf1"))

	dev, _ := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	ch, err := e.repo.GetChannelByIdentifier(ctx, dev.ID, device.DomainCloud)
	if err != nil {
		t.Fatalf("cloud channel gone after empty re-discovery: %v", err)
	}
	if _, err := e.repo.GetChannelProperty(ctx, ch.ID, "switch_1"); err != nil {
		t.Errorf("data-point property gone after empty re-discovery: %v", err)
	}
}

func TestCloudDeviceUpdatesNameOnResight(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cloud.Consume(ctx, cloudMsg("bf1"))

	renamed := cloudMsg("bf1")
	name := "Living Room Plug"
	renamed.Name = &name
	e.cloud.Consume(ctx, renamed)

	dev, _ := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	if dev.Name != "Living Room Plug" {
		t.Errorf("device name = %q after re-sighting, want %q", dev.Name, "Living Room Plug")
	}
}

func TestCloudDeviceRemovesDroppedAttribute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cloud.Consume(ctx, cloudMsg("bf1"))
	dev, _ := e.repo.GetDeviceByIdentifier(ctx, "home", "bf1")
	if _, err := e.repo.GetDeviceProperty(ctx, dev.ID, device.AttrIPAddress); err != nil {
		t.Fatalf("ip attribute missing after first sighting: %v", err)
	}

	// Second sighting without an IP: the attribute disappears.
	bare := cloudMsg("bf1")
	bare.IPAddress = nil
	e.cloud.Consume(ctx, bare)

	_, err := e.repo.GetDeviceProperty(ctx, dev.ID, device.AttrIPAddress)
	if !errors.Is(err, device.ErrPropertyNotFound) {
		t.Errorf("ip attribute lookup error = %v, want ErrPropertyNotFound", err)
	}
}

func TestCloudDeviceUnknownConnectorDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	msg := cloudMsg("bf1")
	msg.Connector = "nope"
	if !e.cloud.Consume(ctx, msg) {
		t.Fatal("Consume() = false; unknown connector still claims the message")
	}

	devs, _ := e.repo.ListDevices(ctx)
	if len(devs) != 0 {
		t.Errorf("got %d devices, want 0", len(devs))
	}
}

func TestLocalDeviceGatewayOrdering(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	gwID := "gw1"
	nodeID := "node-7"
	child := queue.StoreLocalDevice{
		StoreCloudDevice: cloudMsg("child1"),
		Encrypted:        true,
		Version:          "3.3",
		Gateway:          &gwID,
		NodeID:           &nodeID,
	}

	// Child before gateway: dropped, re-discovery must redeliver.
	if !e.local.Consume(ctx, child) {
		t.Fatal("Consume() = false for StoreLocalDevice")
	}
	if _, err := e.repo.GetDeviceByIdentifier(ctx, "home", "child1"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("child created before its gateway, err = %v", err)
	}

	// Gateway arrives, then the child again.
	gw := queue.StoreLocalDevice{StoreCloudDevice: cloudMsg("gw1"), Version: "3.3"}
	e.local.Consume(ctx, gw)
	e.local.Consume(ctx, child)

	gwDev, err := e.repo.GetDeviceByIdentifier(ctx, "home", "gw1")
	if err != nil {
		t.Fatalf("gateway not created: %v", err)
	}
	childDev, err := e.repo.GetDeviceByIdentifier(ctx, "home", "child1")
	if err != nil {
		t.Fatalf("child not created after gateway: %v", err)
	}
	if childDev.ParentID == nil || *childDev.ParentID != gwDev.ID {
		t.Errorf("child ParentID = %v, want %s", childDev.ParentID, gwDev.ID)
	}

	// Local-only attributes are persisted.
	for attr, want := range map[string]string{
		device.AttrProtocolVersion: "3.3",
		device.AttrEncrypted:       "true",
		device.AttrNodeID:          "node-7",
		device.AttrGatewayID:       "gw1",
	} {
		p, err := e.repo.GetDeviceProperty(ctx, childDev.ID, attr)
		if err != nil {
			t.Errorf("attribute %s missing: %v", attr, err)
			continue
		}
		if p.Value == nil || *p.Value != want {
			t.Errorf("attribute %s = %v, want %q", attr, p.Value, want)
		}
	}

	// The local channel, not the cloud one, owns the data points.
	if _, err := e.repo.GetChannelByIdentifier(ctx, childDev.ID, device.DomainLocal); err != nil {
		t.Errorf("local channel missing: %v", err)
	}
}
