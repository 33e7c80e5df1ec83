package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogCSV = `vendor_id,product_id,model,role
0x16D0,0x0E88,m110,app
0x16D0,0x10B9,M220,APP
0x16D0,0x4000,m330
garbage,row,
0x0000,0x0001,phantom,app
`

func TestSyncNowImportsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "meterlink/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(testCatalogCSV))
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	syncer := NewSyncerWithConfig(repo, nil, SyncerConfig{URL: srv.URL})

	require.NoError(t, syncer.SyncNow(context.Background()))

	// The garbage row and the zero vendor id row are skipped.
	count, err := repo.CountTypes()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	m220, err := repo.TypeFor(0x16d0, 0x10b9)
	require.NoError(t, err)
	assert.Equal(t, "m220", m220.Model)
	assert.Equal(t, ROLE_APP, m220.Role)

	// Role defaults to app when the column is absent.
	m330, err := repo.TypeFor(0x16d0, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, ROLE_APP, m330.Role)

	last, err := repo.LastCatalogUpdate()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
}

func TestSyncNowInvalidatesLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("vendor_id,product_id,model,role\n0x16D0,0x10B9,m220r2,app\n"))
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	require.NoError(t, repo.SeedDefaults())

	lookup, err := NewLookup(repo, 8)
	require.NoError(t, err)

	got, err := lookup.TypeFor(0x16d0, 0x10b9)
	require.NoError(t, err)
	require.Equal(t, "m220", got.Model)

	syncer := NewSyncerWithConfig(repo, lookup, SyncerConfig{URL: srv.URL})
	require.NoError(t, syncer.SyncNow(context.Background()))

	got, err = lookup.TypeFor(0x16d0, 0x10b9)
	require.NoError(t, err)
	assert.Equal(t, "m220r2", got.Model)
}

func TestSyncNowRetriesServerErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("vendor_id,product_id,model,role\n0x16D0,0x0E88,m110,app\n"))
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	syncer := NewSyncerWithConfig(repo, nil, SyncerConfig{
		URL:        srv.URL,
		RetryDelay: time.Millisecond,
	})

	require.NoError(t, syncer.SyncNow(context.Background()))
	assert.Equal(t, 3, hits)

	count, err := repo.CountTypes()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSyncNowFailsAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	syncer := NewSyncerWithConfig(repo, nil, SyncerConfig{
		URL:        srv.URL,
		RetryDelay: time.Millisecond,
	})

	err := syncer.SyncNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download")
}

func TestSyncNowRejectsEmptyCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("vendor_id,product_id,model,role\n"))
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	syncer := NewSyncerWithConfig(repo, nil, SyncerConfig{URL: srv.URL})

	err := syncer.SyncNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid device types")
}

func TestParseCSVRecord(t *testing.T) {
	syncer := NewSyncer(nil, nil)

	tests := []struct {
		name    string
		record  []string
		wantErr bool
		model   string
		role    string
	}{
		{"hex ids", []string{"0x16D0", "0x10B9", "m220", "app"}, false, "m220", "app"},
		{"decimal ids", []string{"5840", "4281", "m220", "updater"}, false, "m220", "updater"},
		{"role defaulted", []string{"0x16d0", "0x0e88", "m110"}, false, "m110", "app"},
		{"too few fields", []string{"0x16d0", "0x0e88"}, true, "", ""},
		{"bad vendor", []string{"zz", "0x0e88", "m110"}, true, "", ""},
		{"zero vendor", []string{"0", "0x0e88", "m110"}, true, "", ""},
		{"blank model", []string{"0x16d0", "0x0e88", "   "}, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := syncer.parseCSVRecord(tt.record)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.model, got.Model)
			assert.Equal(t, tt.role, got.Role)
		})
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("vendor_id,product_id,model,role\n0x16D0,0x0E88,m110,app\n"))
	}))
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	syncer := NewSyncerWithConfig(repo, nil, SyncerConfig{
		URL:          srv.URL,
		SyncInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Start(ctx)
		close(done)
	}()

	// Wait for the initial sync to land before cancelling.
	require.Eventually(t, func() bool {
		count, err := repo.CountTypes()
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop after cancel")
	}
}

func TestParseCSVMalformedStream(t *testing.T) {
	syncer := NewSyncer(nil, nil)
	_, err := syncer.parseCSV(strings.NewReader("a,\"unterminated\n"))
	assert.Error(t, err)
}
