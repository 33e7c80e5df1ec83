package registry

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// builtinTypes seeds the catalog so a fresh registry can enumerate
// instruments before the first sync.
var builtinTypes = []DeviceType{
	{VendorID: 0x16d0, ProductID: 0x0e88, Model: "m110", Role: ROLE_APP},
	{VendorID: 0x16d0, ProductID: 0x0e87, Model: "m110", Role: ROLE_BOOTLOADER},
	{VendorID: 0x16d0, ProductID: 0x10b9, Model: "m220", Role: ROLE_APP},
	{VendorID: 0x16d0, ProductID: 0x10ba, Model: "m220", Role: ROLE_UPDATER},
}

// Repository handles database operations for the device registry
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new registry repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.GetDB()}
}

// SeedDefaults installs the built-in catalog rows, keeping any newer
// synced entries.
func (r *Repository) SeedDefaults() error {
	for _, t := range builtinTypes {
		var existing DeviceType
		err := r.db.Where("vendor_id = ? AND product_id = ?", t.VendorID, t.ProductID).
			First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		if err := r.UpsertType(&t); err != nil {
			return err
		}
	}
	return nil
}

// TypeFor finds the catalog entry for a vendor and product id pair.
func (r *Repository) TypeFor(vendorID, productID uint16) (*DeviceType, error) {
	var t DeviceType
	err := r.db.Where("vendor_id = ? AND product_id = ?", vendorID, productID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// KnownTypes returns the full catalog ordered by identity.
func (r *Repository) KnownTypes() ([]DeviceType, error) {
	var types []DeviceType
	err := r.db.Order("vendor_id, product_id").Find(&types).Error
	if err != nil {
		return nil, err
	}
	return types, nil
}

// AppTypes returns the catalog entries running application firmware,
// the only ones the driver can open.
func (r *Repository) AppTypes() ([]DeviceType, error) {
	var types []DeviceType
	err := r.db.Where("role = ?", ROLE_APP).
		Order("vendor_id, product_id").
		Find(&types).Error
	if err != nil {
		return nil, err
	}
	return types, nil
}

// UpsertType creates or updates a single catalog entry
func (r *Repository) UpsertType(t *DeviceType) error {
	if t == nil {
		return fmt.Errorf("device type cannot be nil")
	}

	t.Sanitize()
	if !t.IsValid() {
		return fmt.Errorf("device type is not valid: vendor_id=%04x, model=%s", t.VendorID, t.Model)
	}

	t.UpdatedAt = time.Now()

	// Use GORM's upsert functionality
	return r.db.Save(t).Error
}

// UpsertTypes creates or updates multiple catalog entries in a transaction
func (r *Repository) UpsertTypes(types []DeviceType) error {
	if len(types) == 0 {
		return nil
	}

	now := time.Now()
	return r.db.Transaction(func(tx *gorm.DB) error {
		for i := range types {
			t := types[i]
			t.Sanitize()
			if !t.IsValid() {
				return fmt.Errorf("device type is not valid: vendor_id=%04x, model=%s", t.VendorID, t.Model)
			}
			t.UpdatedAt = now
			if err := tx.Save(&t).Error; err != nil {
				return fmt.Errorf("failed to upsert %s: %w", t.String(), err)
			}
		}
		return nil
	})
}

// CountTypes returns the total number of catalog entries
func (r *Repository) CountTypes() (int64, error) {
	var count int64
	err := r.db.Model(&DeviceType{}).Count(&count).Error
	return count, err
}

// LastCatalogUpdate returns when the catalog row set last changed.
func (r *Repository) LastCatalogUpdate() (time.Time, error) {
	var latest DeviceType
	err := r.db.Order("updated_at DESC").First(&latest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return latest.UpdatedAt, nil
}

// RecordOpen stores a newly opened session.
func (r *Repository) RecordOpen(s *Session) error {
	if s == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if !s.IsValid() {
		return fmt.Errorf("session is not valid: id=%s, serial=%s", s.ID, s.Serial)
	}
	if s.OpenedAt.IsZero() {
		s.OpenedAt = time.Now()
	}
	return r.db.Save(s).Error
}

// RecordClose finalizes a session with its outcome and frame counters.
func (r *Repository) RecordClose(id, result string, framesIn, framesOut uint64) error {
	if result == "" {
		result = "ok"
	}
	now := time.Now()
	return r.db.Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"closed_at":  &now,
			"result":     result,
			"frames_in":  framesIn,
			"frames_out": framesOut,
		}).Error
}

// RecentSessions returns the most recently opened sessions.
func (r *Repository) RecentSessions(limit int) ([]Session, error) {
	var sessions []Session
	err := r.db.Order("opened_at DESC").Limit(limit).Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
