package registry

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/logging"
)

const (
	// CatalogURL is the URL to download the published device type catalog
	CatalogURL = "https://updates.meterlink.dev/device_types.csv"

	// DefaultSyncInterval is how often to check for updates (24 hours)
	DefaultSyncInterval = 24 * time.Hour

	// RequestTimeout for HTTP requests
	RequestTimeout = 30 * time.Second

	// MaxRetries for failed downloads
	MaxRetries = 3

	// RetryDelay between retry attempts
	RetryDelay = 5 * time.Second
)

// Syncer handles automatic synchronization of the device type catalog
type Syncer struct {
	repository   *Repository
	lookup       *Lookup
	log          *zap.Logger
	url          string
	syncInterval time.Duration
	retryDelay   time.Duration
	httpClient   *http.Client
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	URL          string        // Catalog URL (default: CatalogURL)
	SyncInterval time.Duration // How often to sync (default: 24 hours)
	HTTPTimeout  time.Duration // HTTP request timeout (default: 30 seconds)
	RetryDelay   time.Duration // Delay between download retries (default: 5 seconds)
}

// NewSyncer creates a new catalog syncer. The lookup may be nil when no
// identity cache needs invalidation.
func NewSyncer(repository *Repository, lookup *Lookup) *Syncer {
	return NewSyncerWithConfig(repository, lookup, SyncerConfig{})
}

// NewSyncerWithConfig creates a new catalog syncer with custom configuration
func NewSyncerWithConfig(repository *Repository, lookup *Lookup, config SyncerConfig) *Syncer {
	if config.URL == "" {
		config.URL = CatalogURL
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = RequestTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = RetryDelay
	}

	return &Syncer{
		repository:   repository,
		lookup:       lookup,
		log:          logging.Logger("catalog"),
		url:          config.URL,
		syncInterval: config.SyncInterval,
		retryDelay:   config.RetryDelay,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// Start begins the automatic synchronization process
func (s *Syncer) Start(ctx context.Context) {
	s.log.Info("catalog syncer starting",
		zap.Duration("interval", s.syncInterval))

	// Run initial sync
	if err := s.SyncNow(ctx); err != nil {
		s.log.Warn("initial catalog sync failed", zap.Error(err))
	}

	// Set up periodic sync
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("catalog syncer stopping")
			return

		case <-ticker.C:
			if err := s.SyncNow(ctx); err != nil {
				s.log.Warn("catalog sync failed", zap.Error(err))
			}
		}
	}
}

// SyncNow performs an immediate synchronization
func (s *Syncer) SyncNow(ctx context.Context) error {
	startTime := time.Now()

	s.log.Info("starting catalog sync", zap.String("url", s.url))

	// Download CSV data with retries
	var csvData io.ReadCloser
	var err error

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		csvData, err = s.downloadCSV(ctx)
		if err == nil {
			break
		}

		s.log.Warn("download attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", MaxRetries),
			zap.Error(err))

		if attempt < MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
				// Continue to next attempt
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to download after %d attempts: %w", MaxRetries, err)
	}
	defer csvData.Close()

	// Parse and import data
	types, err := s.parseCSV(csvData)
	if err != nil {
		return fmt.Errorf("failed to parse CSV: %w", err)
	}

	if len(types) == 0 {
		return fmt.Errorf("no valid device types found in CSV")
	}

	// Import to database
	if err := s.repository.UpsertTypes(types); err != nil {
		return fmt.Errorf("failed to import device types: %w", err)
	}

	if s.lookup != nil {
		s.lookup.Invalidate()
	}

	s.log.Info("catalog sync completed",
		zap.Int("device_types", len(types)),
		zap.Duration("duration", time.Since(startTime)))

	return nil
}

// downloadCSV downloads the catalog CSV
func (s *Syncer) downloadCSV(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, err
	}

	// Set user agent to identify our application
	req.Header.Set("User-Agent", "meterlink/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return resp.Body, nil
}

// parseCSV parses the catalog CSV format and returns device types
func (s *Syncer) parseCSV(reader io.Reader) ([]DeviceType, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1 // Allow variable number of fields

	types := make([]DeviceType, 0, 64)

	lineNumber := 0
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV at line %d: %w", lineNumber, err)
		}

		lineNumber++

		// Skip header row
		if lineNumber == 1 {
			continue
		}

		t, err := s.parseCSVRecord(record)
		if err != nil {
			// Log but don't fail for invalid records
			s.log.Warn("skipping invalid record",
				zap.Int("line", lineNumber),
				zap.Error(err))
			continue
		}

		types = append(types, *t)
	}

	return types, nil
}

// parseCSVRecord parses a single CSV record into a DeviceType
// Expected format: VENDOR_ID,PRODUCT_ID,MODEL,ROLE
func (s *Syncer) parseCSVRecord(record []string) (*DeviceType, error) {
	if len(record) < 3 {
		return nil, fmt.Errorf("insufficient fields (got %d, expected at least 3)", len(record))
	}

	// Vendor and product ids may be decimal or 0x prefixed hex
	vendorStr := strings.TrimSpace(record[0])
	vendorID, err := strconv.ParseUint(vendorStr, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid vendor id '%s': %w", vendorStr, err)
	}
	if vendorID == 0 {
		return nil, fmt.Errorf("vendor id cannot be zero")
	}

	productStr := strings.TrimSpace(record[1])
	productID, err := strconv.ParseUint(productStr, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid product id '%s': %w", productStr, err)
	}

	t := &DeviceType{
		VendorID:  uint16(vendorID),
		ProductID: uint16(productID),
		Model:     strings.TrimSpace(record[2]),
	}
	if len(record) > 3 {
		t.Role = strings.TrimSpace(record[3])
	}

	t.Sanitize()
	if !t.IsValid() {
		return nil, fmt.Errorf("device type is not valid: %s", t.String())
	}

	return t, nil
}
