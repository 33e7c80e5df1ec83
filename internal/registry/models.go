package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/dbehnke/meterlink/internal/backend"
)

// Firmware roles a product id can identify.
const (
	ROLE_APP        = "app"
	ROLE_BOOTLOADER = "bootloader"
	ROLE_UPDATER    = "updater"
)

// DeviceType is one supported USB identity from the instrument catalog.
type DeviceType struct {
	VendorID  uint16 `gorm:"primaryKey;autoIncrement:false"`
	ProductID uint16 `gorm:"primaryKey;autoIncrement:false"`
	Model     string `gorm:"size:32;index"`
	Role      string `gorm:"size:16"`
	UpdatedAt time.Time
}

// TableName returns the table name for GORM
func (DeviceType) TableName() string {
	return "device_types"
}

// IsValid checks if the device type has valid data
func (t *DeviceType) IsValid() bool {
	return t.VendorID != 0 && t.Model != ""
}

// Sanitize normalizes the catalog fields.
func (t *DeviceType) Sanitize() {
	t.Model = strings.ToLower(strings.TrimSpace(t.Model))
	t.Role = strings.ToLower(strings.TrimSpace(t.Role))
	if t.Role == "" {
		t.Role = ROLE_APP
	}
}

// String returns a human readable identity like "m220 app (16d0:10b9)".
func (t *DeviceType) String() string {
	return fmt.Sprintf("%s %s (%04x:%04x)", t.Model, t.Role, t.VendorID, t.ProductID)
}

// Info converts the catalog row into enumeration parameters.
func (t *DeviceType) Info() backend.DeviceInfo {
	return backend.DeviceInfo{
		Model:     t.Model,
		VendorID:  t.VendorID,
		ProductID: t.ProductID,
	}
}

// Session records one connection lifetime against a device. Result is
// empty while the session is open and holds "ok" or the shutdown
// failure once closed.
type Session struct {
	ID        string `gorm:"primaryKey;size:36"`
	Serial    string `gorm:"index;size:64"`
	Model     string `gorm:"size:32"`
	OpenedAt  time.Time
	ClosedAt  *time.Time
	Result    string `gorm:"size:64"`
	FramesIn  uint64
	FramesOut uint64
}

// TableName returns the table name for GORM
func (Session) TableName() string {
	return "sessions"
}

// IsValid checks if the session has valid data
func (s *Session) IsValid() bool {
	return s.ID != "" && s.Serial != ""
}
