// Package device provides the entity model for Tuya Bridge Core.
//
// Devices, channels, and properties form the catalogue that the discovery
// consumers maintain: a Device is a Tuya endpoint owned by a connector, a
// Channel groups the data points reported through one domain (local or
// cloud), and a Property is either a static configuration value (Variable)
// or the description of a live device value (Dynamic).
//
// Live readings never live on the entity model. Dynamic property values are
// tracked by the state store (internal/state); this package only persists
// the metadata describing them.
//
// # Key Types
//
//   - Device, Channel, Property: the persisted entities
//   - PropertyKind: variable (static) vs dynamic (live)
//   - ConnectionState: device-level reachability status
//   - Repository: persistence abstraction with SQLite implementation
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//
//	err := repo.InTransaction(ctx, func(ctx context.Context) error {
//	    if err := repo.CreateChannel(ctx, ch); err != nil {
//	        return err
//	    }
//	    return repo.CreateProperty(ctx, prop)
//	})
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use; SQLite serialises writers.
// Transaction boundaries are owned by callers via InTransaction.
package device
