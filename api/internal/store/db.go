package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

// Open connects to Postgres through the pgx stdlib driver and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return db, nil
}

const schema = `
create table if not exists species (
  scientific_name text primary key,
  common_name     text not null default '',
  description     text not null default '',
  care            text not null default '',
  reference       text not null default '',
  image_url       text not null default '',
  taxonomy        jsonb,
  updated_at      timestamptz not null default now()
);

create table if not exists identifications (
  id                bigserial primary key,
  session_id        text not null,
  outcome           text not null,
  predicted_species text not null default '',
  final_species     text not null default '',
  confidence        double precision not null default 0,
  attempts          integer not null default 1,
  excluded          jsonb not null default '[]',
  engine            text not null default '',
  finished_at       timestamptz not null default now()
);

create index if not exists idx_identifications_finished_at on identifications(finished_at);
create index if not exists idx_identifications_final_species on identifications(final_species);
`

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
