package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the meterlink configuration
type Config struct {
	filename string

	// Driver section
	pollTimeoutMs uint32
	linkTimeoutMs uint32
	joinTimeoutMs uint32
	queueDepth    uint32

	// Database section
	databasePath string
	cacheSize    uint32

	// Log section
	logLevel       string
	logDevelopment bool

	// Metrics section
	metricsListen string

	// USB section (overrides the registry catalog for one identity)
	usbVendor  uint16
	usbProduct uint16

	// Catalog section
	catalogEnabled   bool
	catalogURL       string
	catalogSyncHours uint32
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,
		// Set reasonable defaults
		pollTimeoutMs: 100,
		linkTimeoutMs: 1000,
		joinTimeoutMs: 1000,
		queueDepth:    64,

		databasePath: "meterlink.db",
		cacheSize:    64,

		logLevel: "info",

		catalogEnabled:   false, // Disabled by default, the seed table suffices offline
		catalogSyncHours: 24,
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", c.filename, err)
	}
	defer file.Close()

	return c.parseINIScanner(bufio.NewScanner(file))
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parseINIScanner(bufio.NewScanner(strings.NewReader(data)))
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' || line[0] == ';' {
			continue
		}

		// Check for section header
		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		// Parse key=value pairs
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Parse based on current section
		switch currentSection {
		case "driver":
			c.parseDriverSection(key, value)
		case "database":
			c.parseDatabaseSection(key, value)
		case "log":
			c.parseLogSection(key, value)
		case "metrics":
			c.parseMetricsSection(key, value)
		case "usb":
			c.parseUSBSection(key, value)
		case "catalog":
			c.parseCatalogSection(key, value)
		}
	}

	return scanner.Err()
}

func (c *Config) parseDriverSection(key, value string) {
	switch key {
	case "poll_timeout_ms":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.pollTimeoutMs = uint32(v)
		}
	case "link_timeout_ms":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkTimeoutMs = uint32(v)
		}
	case "join_timeout_ms":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.joinTimeoutMs = uint32(v)
		}
	case "queue_depth":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.queueDepth = uint32(v)
		}
	}
}

func (c *Config) parseDatabaseSection(key, value string) {
	switch key {
	case "path":
		c.databasePath = value
	case "cache_size":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.cacheSize = uint32(v)
		}
	}
}

func (c *Config) parseLogSection(key, value string) {
	switch key {
	case "level":
		c.logLevel = value
	case "development":
		c.logDevelopment = c.parseBool(value)
	}
}

func (c *Config) parseMetricsSection(key, value string) {
	switch key {
	case "listen":
		c.metricsListen = value
	}
}

func (c *Config) parseUSBSection(key, value string) {
	// Vendor and product ids may be decimal or 0x prefixed hex
	switch key {
	case "vendor":
		if v, err := strconv.ParseUint(value, 0, 16); err == nil {
			c.usbVendor = uint16(v)
		}
	case "product":
		if v, err := strconv.ParseUint(value, 0, 16); err == nil {
			c.usbProduct = uint16(v)
		}
	}
}

func (c *Config) parseCatalogSection(key, value string) {
	switch key {
	case "enabled":
		c.catalogEnabled = c.parseBool(value)
	case "url":
		c.catalogURL = value
	case "sync_hours":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.catalogSyncHours = uint32(v)
		}
	}
}

func (c *Config) parseBool(value string) bool {
	return value == "1" || strings.ToLower(value) == "true" || strings.ToLower(value) == "yes"
}

// Getter methods for Driver section
func (c *Config) GetPollTimeout() time.Duration { return time.Duration(c.pollTimeoutMs) * time.Millisecond }
func (c *Config) GetLinkTimeout() time.Duration { return time.Duration(c.linkTimeoutMs) * time.Millisecond }
func (c *Config) GetJoinTimeout() time.Duration { return time.Duration(c.joinTimeoutMs) * time.Millisecond }
func (c *Config) GetQueueDepth() int            { return int(c.queueDepth) }

// Getter methods for Database section
func (c *Config) GetDatabasePath() string { return c.databasePath }
func (c *Config) GetCacheSize() int       { return int(c.cacheSize) }

// Getter methods for Log section
func (c *Config) GetLogLevel() string     { return c.logLevel }
func (c *Config) GetLogDevelopment() bool { return c.logDevelopment }

// Getter methods for Metrics section. An empty listen address disables
// the endpoint.
func (c *Config) GetMetricsListen() string { return c.metricsListen }

// Getter methods for USB section
func (c *Config) GetUSBVendor() uint16  { return c.usbVendor }
func (c *Config) GetUSBProduct() uint16 { return c.usbProduct }

// HasUSBOverride reports whether the config pins a single USB identity.
func (c *Config) HasUSBOverride() bool { return c.usbVendor != 0 }

// Getter methods for Catalog section
func (c *Config) GetCatalogEnabled() bool { return c.catalogEnabled }
func (c *Config) GetCatalogURL() string   { return c.catalogURL }
func (c *Config) GetCatalogInterval() time.Duration {
	return time.Duration(c.catalogSyncHours) * time.Hour
}
