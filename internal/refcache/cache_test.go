package refcache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"eventlog-ingest/internal/metrics"
	"eventlog-ingest/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDB 는 임시 디렉토리에 스냅샷 DB 를 만들고 경로를 돌려준다.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(Schema)
	require.NoError(t, err)

	stmts := []string{
		`INSERT INTO publisher_app (id, publisher_id, app_key, name) VALUES (10, 1, 'ak-1', 'Demo')`,
		`INSERT INTO placement (id, pub_app_id, ad_type, ab_test_ratio_b) VALUES ('p1', 10, 0, 0), ('p2', 10, 2, 50)`,
		`INSERT INTO currency_rate (code, rate_to_usd) VALUES ('eur', 1.1), ('KRW', 0.00075)`,
		`INSERT INTO geo_prefix (cidr, country, region, city) VALUES ('203.0.113.0/24', 'KR', '11', 'Seoul'), ('garbage', 'XX', '', '')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

func TestSQLiteLoad(t *testing.T) {
	l, err := OpenSQLite(seedDB(t))
	require.NoError(t, err)
	defer l.Close()

	m := metrics.New()
	c := New(l, m)
	require.NoError(t, c.Refresh(context.Background()))

	app, ok := c.PublisherAppByKey("ak-1")
	require.True(t, ok)
	assert.Equal(t, 10, app.ID)
	assert.Equal(t, 1, app.PublisherID)

	p, ok := c.PlacementByID("p2")
	require.True(t, ok)
	assert.Equal(t, model.AdTypeRewardedVideo, p.AdType)
	assert.Equal(t, 50, p.ABTestRatioB)

	assert.InDelta(t, 1.1, c.CurrencyRate("EUR"), 1e-9)
	assert.InDelta(t, 1.1, c.CurrencyRate("eur"), 1e-9)
	assert.Equal(t, 1.0, c.CurrencyRate("USD"))
	assert.Equal(t, 1.0, c.CurrencyRate(""))
	assert.Equal(t, int64(0), m.CurrencyMissTotal)

	assert.Equal(t, 1, c.GeoTable().Len(), "invalid cidr row skipped")
	assert.Equal(t, int64(1), m.RefRefreshTotal)
}

func TestMissesAreNotErrors(t *testing.T) {
	m := metrics.New()
	c := New(nil, m)

	_, ok := c.PublisherAppByKey("nope")
	assert.False(t, ok)
	_, ok = c.PlacementByID("")
	assert.False(t, ok)
	_, ok = c.PlacementByID("p404")
	assert.False(t, ok)

	assert.Equal(t, 1.0, c.CurrencyRate("XYZ"))
	assert.Equal(t, int64(1), m.CurrencyMissTotal)
}

type failingLoader struct{}

func (failingLoader) Load(context.Context) (*Snapshot, error) {
	return nil, errors.New("db locked")
}

type fixedLoader struct{ s *Snapshot }

func (f fixedLoader) Load(context.Context) (*Snapshot, error) { return f.s, nil }

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	m := metrics.New()
	c := New(fixedLoader{&Snapshot{Apps: map[string]*model.PublisherApp{"k": {ID: 1}}}}, m)
	require.NoError(t, c.Refresh(context.Background()))

	c.loader = failingLoader{}
	err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db locked")

	_, ok := c.PublisherAppByKey("k")
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.RefRefreshErrorsTotal)
}

func TestOpenSQLiteMissingFile(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "absent.db"))
	assert.Error(t, err)
}
