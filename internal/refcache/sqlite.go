package refcache

import (
	"context"
	"database/sql"
	"net/netip"
	"strings"
	"time"

	"eventlog-ingest/internal/geo"
	"eventlog-ingest/internal/model"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Schema 는 reference 스냅샷 DB 의 테이블 정의.
// 이 파일은 별도의 export 작업이 만들어 배포하며, ingest 서버는 읽기만 한다.
const Schema = `
CREATE TABLE IF NOT EXISTS publisher_app (
	id           INTEGER PRIMARY KEY,
	publisher_id INTEGER NOT NULL,
	app_key      TEXT    NOT NULL UNIQUE,
	name         TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS placement (
	id              TEXT    PRIMARY KEY,
	pub_app_id      INTEGER NOT NULL,
	ad_type         INTEGER NOT NULL,
	ab_test_ratio_b INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS currency_rate (
	code        TEXT PRIMARY KEY,
	rate_to_usd REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS geo_prefix (
	cidr    TEXT PRIMARY KEY,
	country TEXT NOT NULL,
	region  TEXT NOT NULL DEFAULT '',
	city    TEXT NOT NULL DEFAULT ''
);`

// SQLiteLoader 는 SQLite 파일에서 Snapshot 을 읽는다.
type SQLiteLoader struct {
	db *sql.DB
}

// OpenSQLite 는 path 의 DB 를 읽기 전용으로 연다.
func OpenSQLite(path string) (*SQLiteLoader, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", path)
	}
	return NewSQLiteLoader(db), nil
}

// NewSQLiteLoader 는 이미 열린 DB 를 감싼다.
func NewSQLiteLoader(db *sql.DB) *SQLiteLoader {
	return &SQLiteLoader{db: db}
}

func (l *SQLiteLoader) Close() error {
	return l.db.Close()
}

// Load 는 네 테이블을 하나의 읽기 트랜잭션 안에서 읽어 일관된 Snapshot 을 만든다.
func (l *SQLiteLoader) Load(ctx context.Context) (*Snapshot, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	s := &Snapshot{LoadedAt: time.Now()}

	if s.Apps, err = loadApps(ctx, tx); err != nil {
		return nil, err
	}
	if s.Placements, err = loadPlacements(ctx, tx); err != nil {
		return nil, err
	}
	if s.Rates, err = loadRates(ctx, tx); err != nil {
		return nil, err
	}
	if s.Geo, err = loadGeo(ctx, tx); err != nil {
		return nil, err
	}
	return s, nil
}

func loadApps(ctx context.Context, tx *sql.Tx) (map[string]*model.PublisherApp, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, publisher_id, app_key, name FROM publisher_app`)
	if err != nil {
		return nil, errors.Wrap(err, "query publisher_app")
	}
	defer rows.Close()

	apps := make(map[string]*model.PublisherApp)
	for rows.Next() {
		a := new(model.PublisherApp)
		if err := rows.Scan(&a.ID, &a.PublisherID, &a.AppKey, &a.Name); err != nil {
			return nil, errors.Wrap(err, "scan publisher_app")
		}
		apps[a.AppKey] = a
	}
	return apps, errors.Wrap(rows.Err(), "iterate publisher_app")
}

func loadPlacements(ctx context.Context, tx *sql.Tx) (map[string]*model.Placement, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, pub_app_id, ad_type, ab_test_ratio_b FROM placement`)
	if err != nil {
		return nil, errors.Wrap(err, "query placement")
	}
	defer rows.Close()

	placements := make(map[string]*model.Placement)
	for rows.Next() {
		p := new(model.Placement)
		if err := rows.Scan(&p.ID, &p.PubAppID, &p.AdType, &p.ABTestRatioB); err != nil {
			return nil, errors.Wrap(err, "scan placement")
		}
		placements[p.ID] = p
	}
	return placements, errors.Wrap(rows.Err(), "iterate placement")
}

func loadRates(ctx context.Context, tx *sql.Tx) (map[string]float64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT code, rate_to_usd FROM currency_rate`)
	if err != nil {
		return nil, errors.Wrap(err, "query currency_rate")
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var code string
		var rate float64
		if err := rows.Scan(&code, &rate); err != nil {
			return nil, errors.Wrap(err, "scan currency_rate")
		}
		rates[strings.ToUpper(code)] = rate
	}
	return rates, errors.Wrap(rows.Err(), "iterate currency_rate")
}

func loadGeo(ctx context.Context, tx *sql.Tx) (*geo.Table, error) {
	rows, err := tx.QueryContext(ctx, `SELECT cidr, country, region, city FROM geo_prefix`)
	if err != nil {
		return nil, errors.Wrap(err, "query geo_prefix")
	}
	defer rows.Close()

	var entries []geo.Entry
	for rows.Next() {
		var cidr string
		var e geo.Entry
		if err := rows.Scan(&cidr, &e.Country, &e.Region, &e.City); err != nil {
			return nil, errors.Wrap(err, "scan geo_prefix")
		}
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			// 잘못된 행 하나 때문에 전체 갱신을 실패시키지 않는다.
			continue
		}
		e.Prefix = p
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate geo_prefix")
	}
	return geo.NewTable(entries), nil
}
