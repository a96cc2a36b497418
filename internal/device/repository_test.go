package device_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/nerrad567/tuya-bridge-core/migrations"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/database"
)

// testRepo opens a migrated temp database and returns a repository over it.
func testRepo(t *testing.T) *device.SQLiteRepository {
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

	return device.NewSQLiteRepository(db.DB)
}

func mkDevice(t *testing.T, repo *device.SQLiteRepository, connector, identifier string) *device.Device {
	t.Helper()
	d := &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: connector,
		Identifier:  identifier,
		Name:        identifier,
	}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) error = %v", identifier, err)
	}
	return d
}

func mkChannel(t *testing.T, repo *device.SQLiteRepository, deviceID string, domain device.ChannelDomain) *device.Channel {
	t.Helper()
	c := &device.Channel{
		ID:         device.GenerateID(),
		DeviceID:   deviceID,
		Identifier: domain,
		Name:       string(domain),
	}
	if err := repo.CreateChannel(context.Background(), c); err != nil {
		t.Fatalf("CreateChannel error = %v", err)
	}
	return c
}

func TestDeviceCRUD(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mkDevice(t, repo, "home", "bf3a9c")

	got, err := repo.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Identifier != "bf3a9c" || got.ConnectorID != "home" {
		t.Errorf("GetDevice() = %+v, want identifier bf3a9c on connector home", got)
	}

	got, err = repo.GetDeviceByIdentifier(ctx, "home", "bf3a9c")
	if err != nil {
		t.Fatalf("GetDeviceByIdentifier() error = %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("GetDeviceByIdentifier() ID = %s, want %s", got.ID, d.ID)
	}

	got.Name = "living room plug"
	if err := repo.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	got, _ = repo.GetDevice(ctx, d.ID)
	if got.Name != "living room plug" {
		t.Errorf("name = %q after update, want %q", got.Name, "living room plug")
	}

	if err := repo.DeleteDevice(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := repo.GetDevice(ctx, d.ID); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestDeviceDuplicateIdentifier(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	mkDevice(t, repo, "home", "bf3a9c")

	dup := &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: "home",
		Identifier:  "bf3a9c",
		Name:        "dup",
	}
	if err := repo.CreateDevice(ctx, dup); !errors.Is(err, device.ErrDeviceExists) {
		t.Errorf("CreateDevice() duplicate error = %v, want ErrDeviceExists", err)
	}

	// The same identifier on another connector is a different device.
	other := &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: "office",
		Identifier:  "bf3a9c",
		Name:        "other",
	}
	if err := repo.CreateDevice(ctx, other); err != nil {
		t.Errorf("CreateDevice() on second connector error = %v", err)
	}
}

func TestDeviceParentForeignKey(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	missing := device.GenerateID()
	child := &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: "home",
		Identifier:  "child-1",
		Name:        "child",
		ParentID:    &missing,
	}
	if err := repo.CreateDevice(ctx, child); !errors.Is(err, device.ErrParentNotFound) {
		t.Errorf("CreateDevice() with missing parent error = %v, want ErrParentNotFound", err)
	}

	gw := mkDevice(t, repo, "home", "gw-1")
	child.ParentID = &gw.ID
	if err := repo.CreateDevice(ctx, child); err != nil {
		t.Fatalf("CreateDevice() with existing parent error = %v", err)
	}
}

func TestChannelUniquePerDomain(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mkDevice(t, repo, "home", "bf3a9c")
	mkChannel(t, repo, d.ID, device.DomainCloud)

	dup := &device.Channel{
		ID:         device.GenerateID(),
		DeviceID:   d.ID,
		Identifier: device.DomainCloud,
		Name:       "cloud",
	}
	if err := repo.CreateChannel(ctx, dup); !errors.Is(err, device.ErrChannelExists) {
		t.Errorf("CreateChannel() duplicate domain error = %v, want ErrChannelExists", err)
	}

	// A second domain is fine.
	mkChannel(t, repo, d.ID, device.DomainLocal)

	channels, err := repo.ListChannels(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(channels) != 2 {
		t.Errorf("ListChannels() = %d channels, want 2", len(channels))
	}
}

func TestPropertyOwnership(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mkDevice(t, repo, "home", "bf3a9c")
	ch := mkChannel(t, repo, d.ID, device.DomainCloud)

	t.Run("requires exactly one owner", func(t *testing.T) {
		p := &device.Property{
			ID:         device.GenerateID(),
			Identifier: "orphan",
			Kind:       device.KindVariable,
			DataType:   device.DataTypeString,
		}
		if err := repo.CreateProperty(ctx, p); !errors.Is(err, device.ErrInvalidOwner) {
			t.Errorf("CreateProperty() with no owner error = %v, want ErrInvalidOwner", err)
		}

		p.DeviceID = &d.ID
		p.ChannelID = &ch.ID
		if err := repo.CreateProperty(ctx, p); !errors.Is(err, device.ErrInvalidOwner) {
			t.Errorf("CreateProperty() with both owners error = %v, want ErrInvalidOwner", err)
		}
	})

	t.Run("device attribute", func(t *testing.T) {
		value := "192.168.1.40"
		p := &device.Property{
			ID:         device.GenerateID(),
			DeviceID:   &d.ID,
			Identifier: device.AttrIPAddress,
			Name:       device.AttrIPAddress,
			Kind:       device.KindVariable,
			DataType:   device.DataTypeString,
			Value:      &value,
		}
		if err := repo.CreateProperty(ctx, p); err != nil {
			t.Fatalf("CreateProperty() error = %v", err)
		}

		got, err := repo.GetDeviceProperty(ctx, d.ID, device.AttrIPAddress)
		if err != nil {
			t.Fatalf("GetDeviceProperty() error = %v", err)
		}
		if got.Value == nil || *got.Value != value {
			t.Errorf("Value = %v, want %q", got.Value, value)
		}
		if got.Dynamic() {
			t.Error("Dynamic() = true for a variable property")
		}
	})

	t.Run("channel data point", func(t *testing.T) {
		scale := 1
		p := &device.Property{
			ID:         device.GenerateID(),
			ChannelID:  &ch.ID,
			Identifier: "temp_current",
			Name:       "Current temperature",
			Kind:       device.KindDynamic,
			DataType:   device.DataTypeInt,
			Format:     "-200:500",
			Unit:       "C",
			Scale:      &scale,
			Settable:   false,
			Queryable:  true,
		}
		if err := repo.CreateProperty(ctx, p); err != nil {
			t.Fatalf("CreateProperty() error = %v", err)
		}

		got, err := repo.GetChannelProperty(ctx, ch.ID, "temp_current")
		if err != nil {
			t.Fatalf("GetChannelProperty() error = %v", err)
		}
		if !got.Dynamic() {
			t.Error("Dynamic() = false for a dynamic property")
		}
		if got.Scale == nil || *got.Scale != 1 {
			t.Errorf("Scale = %v, want 1", got.Scale)
		}
		if got.ChannelID == nil || *got.ChannelID != ch.ID {
			t.Errorf("ChannelID = %v, want %s", got.ChannelID, ch.ID)
		}
	})

	t.Run("duplicate identifier per owner", func(t *testing.T) {
		p := &device.Property{
			ID:         device.GenerateID(),
			ChannelID:  &ch.ID,
			Identifier: "temp_current",
			Kind:       device.KindDynamic,
			DataType:   device.DataTypeInt,
		}
		if err := repo.CreateProperty(ctx, p); !errors.Is(err, device.ErrPropertyExists) {
			t.Errorf("CreateProperty() duplicate error = %v, want ErrPropertyExists", err)
		}
	})
}

func TestDeleteDeviceCascades(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mkDevice(t, repo, "home", "bf3a9c")
	ch := mkChannel(t, repo, d.ID, device.DomainCloud)

	p := &device.Property{
		ID:         device.GenerateID(),
		ChannelID:  &ch.ID,
		Identifier: "switch_1",
		Kind:       device.KindDynamic,
		DataType:   device.DataTypeBool,
	}
	if err := repo.CreateProperty(ctx, p); err != nil {
		t.Fatalf("CreateProperty() error = %v", err)
	}

	if err := repo.DeleteDevice(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	if _, err := repo.GetChannel(ctx, ch.ID); !errors.Is(err, device.ErrChannelNotFound) {
		t.Errorf("GetChannel() after device delete error = %v, want ErrChannelNotFound", err)
	}
	if _, err := repo.GetProperty(ctx, p.ID); !errors.Is(err, device.ErrPropertyNotFound) {
		t.Errorf("GetProperty() after device delete error = %v, want ErrPropertyNotFound", err)
	}
}

func TestInTransactionRollback(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.InTransaction(ctx, func(ctx context.Context) error {
		mk := &device.Device{
			ID:          device.GenerateID(),
			ConnectorID: "home",
			Identifier:  "tx-dev",
			Name:        "tx",
		}
		if err := repo.CreateDevice(ctx, mk); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTransaction() error = %v, want boom", err)
	}

	if _, err := repo.GetDeviceByIdentifier(ctx, "home", "tx-dev"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("device visible after rollback, err = %v", err)
	}
}

func TestInTransactionNestedJoins(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	err := repo.InTransaction(ctx, func(ctx context.Context) error {
		return repo.InTransaction(ctx, func(ctx context.Context) error {
			d := &device.Device{
				ID:          device.GenerateID(),
				ConnectorID: "home",
				Identifier:  "nested-dev",
				Name:        "nested",
			}
			return repo.CreateDevice(ctx, d)
		})
	})
	if err != nil {
		t.Fatalf("nested InTransaction() error = %v", err)
	}

	if _, err := repo.GetDeviceByIdentifier(ctx, "home", "nested-dev"); err != nil {
		t.Errorf("GetDeviceByIdentifier() after nested commit error = %v", err)
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  BF3A9C  ", "bf3a9c"},
		{"bf3a9c", "bf3a9c"},
		{"\tMixedCase\n", "mixedcase"},
	}
	for _, tt := range tests {
		if got := device.NormalizeIdentifier(tt.in); got != tt.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
