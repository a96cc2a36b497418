package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence operations for devices, channels, and
// properties. This abstraction allows for different implementations
// (SQLite, mock, etc.) and enables unit testing without database
// dependencies.
//
// Transaction boundaries are owned by the caller: InTransaction runs the
// given function with every repository call inside fn sharing one
// transaction. Nested calls join the enclosing transaction.
type Repository interface {
	// GetDevice retrieves a device by entity ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// GetDeviceByIdentifier retrieves a device by its connector-scoped
	// Tuya identifier. Returns ErrDeviceNotFound if absent.
	GetDeviceByIdentifier(ctx context.Context, connectorID, identifier string) (*Device, error)

	// ListDevices retrieves all devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListDevicesByConnector retrieves all devices owned by a connector.
	ListDevicesByConnector(ctx context.Context, connectorID string) ([]Device, error)

	// CreateDevice inserts a new device.
	// Returns ErrDeviceExists on duplicate (connector, identifier).
	CreateDevice(ctx context.Context, d *Device) error

	// UpdateDevice modifies an existing device.
	UpdateDevice(ctx context.Context, d *Device) error

	// DeleteDevice removes a device and everything it owns.
	DeleteDevice(ctx context.Context, id string) error

	// GetChannel retrieves a channel by entity ID.
	GetChannel(ctx context.Context, id string) (*Channel, error)

	// GetChannelByIdentifier retrieves a device's channel for one domain.
	// Returns ErrChannelNotFound if absent.
	GetChannelByIdentifier(ctx context.Context, deviceID string, identifier ChannelDomain) (*Channel, error)

	// ListChannels retrieves all channels of a device.
	ListChannels(ctx context.Context, deviceID string) ([]Channel, error)

	// CreateChannel inserts a new channel.
	CreateChannel(ctx context.Context, c *Channel) error

	// GetProperty retrieves a property by entity ID.
	GetProperty(ctx context.Context, id string) (*Property, error)

	// GetDeviceProperty retrieves a device-owned property by identifier.
	// Returns ErrPropertyNotFound if absent.
	GetDeviceProperty(ctx context.Context, deviceID, identifier string) (*Property, error)

	// GetChannelProperty retrieves a channel-owned property by identifier.
	// Returns ErrPropertyNotFound if absent.
	GetChannelProperty(ctx context.Context, channelID, identifier string) (*Property, error)

	// ListDeviceProperties retrieves all properties owned directly by a device.
	ListDeviceProperties(ctx context.Context, deviceID string) ([]Property, error)

	// ListChannelProperties retrieves all properties owned by a channel.
	ListChannelProperties(ctx context.Context, channelID string) ([]Property, error)

	// CreateProperty inserts a new property.
	CreateProperty(ctx context.Context, p *Property) error

	// UpdateProperty modifies an existing property.
	UpdateProperty(ctx context.Context, p *Property) error

	// DeleteProperty removes a property by ID.
	DeleteProperty(ctx context.Context, id string) error

	// InTransaction runs fn with all repository calls made through ctx
	// joined into a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the schema
// migrated (see infrastructure/database).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// dbtx is the subset of sql.DB/sql.Tx used by queries, allowing repository
// methods to run either standalone or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txKey carries the active transaction through the context.
type txKey struct{}

// conn returns the active transaction from ctx, or the plain connection.
func (r *SQLiteRepository) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// InTransaction runs fn inside a single SQLite transaction. A nested call
// joins the enclosing transaction rather than opening a second one.
func (r *SQLiteRepository) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %w: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const deviceColumns = `id, connector_id, identifier, name, parent_id, created_at, updated_at`

// GetDevice retrieves a device by entity ID.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`
	d, err := scanDevice(r.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// GetDeviceByIdentifier retrieves a device by connector-scoped identifier.
func (r *SQLiteRepository) GetDeviceByIdentifier(ctx context.Context, connectorID, identifier string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE connector_id = ? AND identifier = ?`
	d, err := scanDevice(r.conn(ctx).QueryRowContext(ctx, query, connectorID, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by identifier: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY identifier`
	return r.queryDevices(ctx, query)
}

// ListDevicesByConnector retrieves all devices owned by a connector.
func (r *SQLiteRepository) ListDevicesByConnector(ctx context.Context, connectorID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE connector_id = ? ORDER BY identifier`
	return r.queryDevices(ctx, query, connectorID)
}

// CreateDevice inserts a new device.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO devices (id, connector_id, identifier, name, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.conn(ctx).ExecContext(ctx, query,
		d.ID,
		d.ConnectorID,
		d.Identifier,
		d.Name,
		nullableString(d.ParentID),
		d.CreatedAt.Format(time.RFC3339),
		d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		if isForeignKeyError(err) {
			return ErrParentNotFound
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateDevice modifies an existing device.
func (r *SQLiteRepository) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices
		SET name = ?, parent_id = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.conn(ctx).ExecContext(ctx, query,
		d.Name,
		nullableString(d.ParentID),
		d.UpdatedAt.Format(time.RFC3339),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result, ErrDeviceNotFound)
}

// DeleteDevice removes a device. Channels and properties cascade via the
// schema's foreign keys.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id string) error {
	result, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result, ErrDeviceNotFound)
}

const channelColumns = `id, device_id, identifier, name, created_at, updated_at`

// GetChannel retrieves a channel by entity ID.
func (r *SQLiteRepository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`
	c, err := scanChannel(r.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("querying channel by id: %w", err)
	}
	return c, nil
}

// GetChannelByIdentifier retrieves a device's channel for one domain.
func (r *SQLiteRepository) GetChannelByIdentifier(ctx context.Context, deviceID string, identifier ChannelDomain) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE device_id = ? AND identifier = ?`
	c, err := scanChannel(r.conn(ctx).QueryRowContext(ctx, query, deviceID, string(identifier)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("querying channel by identifier: %w", err)
	}
	return c, nil
}

// ListChannels retrieves all channels of a device.
func (r *SQLiteRepository) ListChannels(ctx context.Context, deviceID string) ([]Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE device_id = ? ORDER BY identifier`

	rows, err := r.conn(ctx).QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channels: %w", err)
	}
	return channels, nil
}

// CreateChannel inserts a new channel.
func (r *SQLiteRepository) CreateChannel(ctx context.Context, c *Channel) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO channels (id, device_id, identifier, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.conn(ctx).ExecContext(ctx, query,
		c.ID,
		c.DeviceID,
		string(c.Identifier),
		c.Name,
		c.CreatedAt.Format(time.RFC3339),
		c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrChannelExists
		}
		if isForeignKeyError(err) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("inserting channel: %w", err)
	}
	return nil
}

const propertyColumns = `id, device_id, channel_id, identifier, name, kind, data_type,
	format, unit, scale, step, settable, queryable, value, created_at, updated_at`

// GetProperty retrieves a property by entity ID.
func (r *SQLiteRepository) GetProperty(ctx context.Context, id string) (*Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE id = ?`
	p, err := scanProperty(r.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPropertyNotFound
		}
		return nil, fmt.Errorf("querying property by id: %w", err)
	}
	return p, nil
}

// GetDeviceProperty retrieves a device-owned property by identifier.
func (r *SQLiteRepository) GetDeviceProperty(ctx context.Context, deviceID, identifier string) (*Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE device_id = ? AND identifier = ?`
	p, err := scanProperty(r.conn(ctx).QueryRowContext(ctx, query, deviceID, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPropertyNotFound
		}
		return nil, fmt.Errorf("querying device property: %w", err)
	}
	return p, nil
}

// GetChannelProperty retrieves a channel-owned property by identifier.
func (r *SQLiteRepository) GetChannelProperty(ctx context.Context, channelID, identifier string) (*Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE channel_id = ? AND identifier = ?`
	p, err := scanProperty(r.conn(ctx).QueryRowContext(ctx, query, channelID, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPropertyNotFound
		}
		return nil, fmt.Errorf("querying channel property: %w", err)
	}
	return p, nil
}

// ListDeviceProperties retrieves all properties owned directly by a device.
func (r *SQLiteRepository) ListDeviceProperties(ctx context.Context, deviceID string) ([]Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE device_id = ? ORDER BY identifier`
	return r.queryProperties(ctx, query, deviceID)
}

// ListChannelProperties retrieves all properties owned by a channel.
func (r *SQLiteRepository) ListChannelProperties(ctx context.Context, channelID string) ([]Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE channel_id = ? ORDER BY identifier`
	return r.queryProperties(ctx, query, channelID)
}

// CreateProperty inserts a new property.
func (r *SQLiteRepository) CreateProperty(ctx context.Context, p *Property) error {
	if (p.DeviceID == nil) == (p.ChannelID == nil) {
		return ErrInvalidOwner
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
		INSERT INTO properties (
			id, device_id, channel_id, identifier, name, kind, data_type,
			format, unit, scale, step, settable, queryable, value,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.conn(ctx).ExecContext(ctx, query,
		p.ID,
		nullableString(p.DeviceID),
		nullableString(p.ChannelID),
		p.Identifier,
		p.Name,
		string(p.Kind),
		string(p.DataType),
		p.Format,
		p.Unit,
		nullableInt(p.Scale),
		nullableFloat(p.Step),
		boolToInt(p.Settable),
		boolToInt(p.Queryable),
		nullableString(p.Value),
		p.CreatedAt.Format(time.RFC3339),
		p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrPropertyExists
		}
		return fmt.Errorf("inserting property: %w", err)
	}
	return nil
}

// UpdateProperty modifies an existing property. Ownership and identifier
// are immutable; everything else is replaced.
func (r *SQLiteRepository) UpdateProperty(ctx context.Context, p *Property) error {
	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE properties
		SET name = ?, kind = ?, data_type = ?, format = ?, unit = ?,
			scale = ?, step = ?, settable = ?, queryable = ?, value = ?,
			updated_at = ?
		WHERE id = ?`

	result, err := r.conn(ctx).ExecContext(ctx, query,
		p.Name,
		string(p.Kind),
		string(p.DataType),
		p.Format,
		p.Unit,
		nullableInt(p.Scale),
		nullableFloat(p.Step),
		boolToInt(p.Settable),
		boolToInt(p.Queryable),
		nullableString(p.Value),
		p.UpdatedAt.Format(time.RFC3339),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating property: %w", err)
	}
	return requireRow(result, ErrPropertyNotFound)
}

// DeleteProperty removes a property by ID.
func (r *SQLiteRepository) DeleteProperty(ctx context.Context, id string) error {
	result, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM properties WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting property: %w", err)
	}
	return requireRow(result, ErrPropertyNotFound)
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// queryProperties executes a query and returns a slice of properties.
func (r *SQLiteRepository) queryProperties(ctx context.Context, query string, args ...any) ([]Property, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var props []Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		props = append(props, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return props, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var parentID sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.ConnectorID,
		&d.Identifier,
		&d.Name,
		&parentID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		d.ParentID = &parentID.String
	}

	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// scanChannel scans a row or rows result into a Channel.
func scanChannel(scanner rowScanner) (*Channel, error) {
	var c Channel
	var identifier string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&c.ID,
		&c.DeviceID,
		&identifier,
		&c.Name,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Identifier = ChannelDomain(identifier)
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// scanProperty scans a row or rows result into a Property.
func scanProperty(scanner rowScanner) (*Property, error) {
	var p Property
	var deviceID, channelID, value sql.NullString
	var kind, dataType string
	var scale sql.NullInt64
	var step sql.NullFloat64
	var settable, queryable int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&p.ID,
		&deviceID,
		&channelID,
		&p.Identifier,
		&p.Name,
		&kind,
		&dataType,
		&p.Format,
		&p.Unit,
		&scale,
		&step,
		&settable,
		&queryable,
		&value,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = PropertyKind(kind)
	p.DataType = DataType(dataType)
	p.Settable = settable != 0
	p.Queryable = queryable != 0

	if deviceID.Valid {
		p.DeviceID = &deviceID.String
	}
	if channelID.Valid {
		p.ChannelID = &channelID.String
	}
	if value.Valid {
		p.Value = &value.String
	}
	if scale.Valid {
		s := int(scale.Int64)
		p.Scale = &s
	}
	if step.Valid {
		s := step.Float64
		p.Step = &s
	}

	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// requireRow converts a zero-rows-affected result into notFound.
func requireRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int pointers.
func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// nullableFloat returns a sql.NullFloat64 for optional float pointers.
func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

// isForeignKeyError checks if an error is a SQLite foreign key violation.
func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
