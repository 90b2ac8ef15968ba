package database

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/database/migrations"
)

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("Open() with empty URL should fail")
	}
}

func TestConfigureDefaults(t *testing.T) {
	raw, _, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")

	Configure(db, Config{})
	assert.Equal(t, 10, db.Stats().MaxOpenConnections)

	Configure(db, Config{MaxOpenConns: 4, MaxIdleConns: 9, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
}

func TestHealthCheckPings(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	check := HealthCheck(db)
	assert.NoError(t, check(context.Background()))
	assert.Error(t, check(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	var versions []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := migrationName.FindStringSubmatch(e.Name())
		require.NotNil(t, m, "bad migration file name %q", e.Name())
		base := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".sql"), "."+m[2])
		if m[2] == "up" {
			ups[base] = true
			versions = append(versions, m[1])
		} else {
			downs[base] = true
		}
	}

	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs, "every up migration needs a down migration")
	assert.True(t, sort.StringsAreSorted(versions))
	for i := 1; i < len(versions); i++ {
		assert.NotEqual(t, versions[i-1], versions[i], "duplicate migration version")
	}
}

func TestMigrationsDefineRPCs(t *testing.T) {
	var all strings.Builder
	err := fs.WalkDir(migrations.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		data, err := fs.ReadFile(migrations.FS, path)
		all.Write(data)
		return err
	})
	require.NoError(t, err)

	for _, fn := range []string{
		"create_designer_order",
		"transition_designer_order",
		"match_catalog_prices",
		"search_contractors_nearby",
	} {
		assert.Contains(t, all.String(), "FUNCTION "+fn+"(", "missing function %s", fn)
	}
}
