package grid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"opengrid.ai/internal/protocol"
)

// SQLiteStore backs both the region directory and the per-user home/last locations.
type SQLiteStore struct {
	db   *sql.DB
	once sync.Once
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regions (
			id TEXT PRIMARY KEY,
			scope_id TEXT NOT NULL,
			name TEXT NOT NULL,
			loc_x INTEGER NOT NULL,
			loc_y INTEGER NOT NULL,
			size_x INTEGER NOT NULL,
			size_y INTEGER NOT NULL,
			server_uri TEXT NOT NULL,
			http_port INTEGER NOT NULL,
			internal_port INTEGER NOT NULL,
			gatekeeper_uri TEXT NOT NULL,
			access INTEGER NOT NULL,
			flags INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_regions_scope_name ON regions(scope_id, name COLLATE NOCASE);`,
		`CREATE INDEX IF NOT EXISTS idx_regions_scope_loc ON regions(scope_id, loc_x, loc_y);`,
		`CREATE TABLE IF NOT EXISTS grid_users (
			user_id TEXT PRIMARY KEY,
			home_region TEXT NOT NULL DEFAULT '',
			home_x REAL NOT NULL DEFAULT 0,
			home_y REAL NOT NULL DEFAULT 0,
			home_z REAL NOT NULL DEFAULT 0,
			home_look_x REAL NOT NULL DEFAULT 0,
			home_look_y REAL NOT NULL DEFAULT 0,
			home_look_z REAL NOT NULL DEFAULT 0,
			last_region TEXT NOT NULL DEFAULT '',
			last_x REAL NOT NULL DEFAULT 0,
			last_y REAL NOT NULL DEFAULT 0,
			last_z REAL NOT NULL DEFAULT 0,
			last_look_x REAL NOT NULL DEFAULT 0,
			last_look_y REAL NOT NULL DEFAULT 0,
			last_look_z REAL NOT NULL DEFAULT 0
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

// UpsertRegion registers or refreshes a region row.
func (s *SQLiteStore) UpsertRegion(ctx context.Context, r Region) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("region %q has nil id", r.Name)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO regions
		(id, scope_id, name, loc_x, loc_y, size_x, size_y, server_uri, http_port, internal_port, gatekeeper_uri, access, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope_id=excluded.scope_id, name=excluded.name, loc_x=excluded.loc_x, loc_y=excluded.loc_y,
			size_x=excluded.size_x, size_y=excluded.size_y, server_uri=excluded.server_uri,
			http_port=excluded.http_port, internal_port=excluded.internal_port,
			gatekeeper_uri=excluded.gatekeeper_uri, access=excluded.access, flags=excluded.flags`,
		r.ID.String(), r.ScopeID.String(), r.Name, r.LocX, r.LocY, r.SizeX, r.SizeY,
		r.ServerURI, r.HTTPPort, r.InternalPort, r.GatekeeperURI, r.Access, uint32(r.Flags))
	return err
}

func (s *SQLiteStore) DeleteRegion(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE id=?`, id.String())
	return err
}

const regionCols = `id, scope_id, name, loc_x, loc_y, size_x, size_y, server_uri, http_port, internal_port, gatekeeper_uri, access, flags`

func (s *SQLiteStore) RegionByID(ctx context.Context, scope, id uuid.UUID) (Region, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+regionCols+` FROM regions WHERE id=? AND scope_id=?`, id.String(), scope.String())
	return scanOne(row)
}

func (s *SQLiteStore) RegionByName(ctx context.Context, scope uuid.UUID, name string) (Region, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Region{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+regionCols+` FROM regions WHERE scope_id=? AND name=? COLLATE NOCASE`, scope.String(), name)
	return scanOne(row)
}

func (s *SQLiteStore) RegionByPosition(ctx context.Context, scope uuid.UUID, x, y uint32) (Region, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+regionCols+` FROM regions
		WHERE scope_id=? AND loc_x<=? AND ?<loc_x+size_x AND loc_y<=? AND ?<loc_y+size_y LIMIT 1`,
		scope.String(), x, x, y, y)
	return scanOne(row)
}

func (s *SQLiteStore) FallbackRegions(ctx context.Context, scope uuid.UUID, x, y uint32) ([]Region, error) {
	regions, err := s.regionsWithFlag(ctx, scope, RegionFallback)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(regions, func(i, j int) bool {
		return distSq(regions[i], x, y) < distSq(regions[j], x, y)
	})
	return regions, nil
}

func (s *SQLiteStore) DefaultRegions(ctx context.Context, scope uuid.UUID) ([]Region, error) {
	return s.regionsWithFlag(ctx, scope, RegionDefault)
}

func (s *SQLiteStore) regionsWithFlag(ctx context.Context, scope uuid.UUID, flag RegionFlags) ([]Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regionCols+` FROM regions WHERE scope_id=? AND (flags & ?) != 0 ORDER BY name`,
		scope.String(), uint32(flag))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Region{}
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (Region, bool, error) {
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Region{}, false, nil
	}
	if err != nil {
		return Region{}, false, err
	}
	return r, true, nil
}

func scanRegion(sc scanner) (Region, error) {
	var (
		r         Region
		id, scope string
		flags     uint32
	)
	if err := sc.Scan(&id, &scope, &r.Name, &r.LocX, &r.LocY, &r.SizeX, &r.SizeY, &r.ServerURI,
		&r.HTTPPort, &r.InternalPort, &r.GatekeeperURI, &r.Access, &flags); err != nil {
		return Region{}, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return Region{}, fmt.Errorf("region row id: %w", err)
	}
	if r.ScopeID, err = uuid.Parse(scope); err != nil {
		return Region{}, fmt.Errorf("region row scope: %w", err)
	}
	r.Flags = RegionFlags(flags)
	return r, nil
}

func distSq(r Region, x, y uint32) int64 {
	cx := int64(r.LocX) + int64(r.SizeX)/2 - int64(x)
	cy := int64(r.LocY) + int64(r.SizeY)/2 - int64(y)
	return cx*cx + cy*cy
}

// UserLocation is a stored home or last position.
type UserLocation struct {
	RegionID uuid.UUID
	Position protocol.Vec3
	LookAt   protocol.Vec3
}

type GridUser struct {
	UserID uuid.UUID
	Home   UserLocation
	Last   UserLocation
}

func (s *SQLiteStore) GridUser(ctx context.Context, userID uuid.UUID) (GridUser, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT home_region, home_x, home_y, home_z, home_look_x, home_look_y, home_look_z,
		last_region, last_x, last_y, last_z, last_look_x, last_look_y, last_look_z FROM grid_users WHERE user_id=?`, userID.String())
	u := GridUser{UserID: userID}
	var home, last string
	err := row.Scan(&home, &u.Home.Position.X, &u.Home.Position.Y, &u.Home.Position.Z,
		&u.Home.LookAt.X, &u.Home.LookAt.Y, &u.Home.LookAt.Z,
		&last, &u.Last.Position.X, &u.Last.Position.Y, &u.Last.Position.Z,
		&u.Last.LookAt.X, &u.Last.LookAt.Y, &u.Last.LookAt.Z)
	if errors.Is(err, sql.ErrNoRows) {
		return GridUser{}, false, nil
	}
	if err != nil {
		return GridUser{}, false, err
	}
	u.Home.RegionID, _ = uuid.Parse(home)
	u.Last.RegionID, _ = uuid.Parse(last)
	return u, true, nil
}

func (s *SQLiteStore) SetHome(ctx context.Context, userID uuid.UUID, loc UserLocation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO grid_users (user_id, home_region, home_x, home_y, home_z, home_look_x, home_look_y, home_look_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET home_region=excluded.home_region,
			home_x=excluded.home_x, home_y=excluded.home_y, home_z=excluded.home_z,
			home_look_x=excluded.home_look_x, home_look_y=excluded.home_look_y, home_look_z=excluded.home_look_z`,
		userID.String(), loc.RegionID.String(), loc.Position.X, loc.Position.Y, loc.Position.Z,
		loc.LookAt.X, loc.LookAt.Y, loc.LookAt.Z)
	return err
}

func (s *SQLiteStore) SetLastPosition(ctx context.Context, userID uuid.UUID, loc UserLocation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO grid_users (user_id, last_region, last_x, last_y, last_z, last_look_x, last_look_y, last_look_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_region=excluded.last_region,
			last_x=excluded.last_x, last_y=excluded.last_y, last_z=excluded.last_z,
			last_look_x=excluded.last_look_x, last_look_y=excluded.last_look_y, last_look_z=excluded.last_look_z`,
		userID.String(), loc.RegionID.String(), loc.Position.X, loc.Position.Y, loc.Position.Z,
		loc.LookAt.X, loc.LookAt.Y, loc.LookAt.Z)
	return err
}
