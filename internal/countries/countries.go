package countries

/*
geoingest — parallel ingestion of geospatial record sets into PostGIS
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package countries builds the batch statements that attach notes to the country containing them.

Each statement covers a half-open note_id range so it can be driven by the chunk queue. Assign
fills rows that have no country yet. Verify recomputes the assignment and rewrites only the
rows whose stored country differs, so the affected count is the number of corrected notes.
*/

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/x-stp/geoingest/internal/database"
	"github.com/x-stp/geoingest/internal/retry"
)

// Execer runs a statement and returns the affected row count. *database.Client implements it.
type Execer interface {
	Execute(ctx context.Context, sql string, args ...interface{}) (int64, error)
}

// Querier returns a single integer. *database.Client implements it.
type Querier interface {
	QueryInt(ctx context.Context, sql string, args ...interface{}) (int64, error)
}

var (
	_ Execer  = (*database.Client)(nil)
	_ Querier = (*database.Client)(nil)
)

// Schema names the tables and columns the statements touch.
type Schema struct {
	Notes       string `yaml:"notes_table" env:"NOTES_TABLE" env-default:"notes"`
	NoteID      string `yaml:"note_id_column" env:"NOTE_ID_COLUMN" env-default:"note_id"`
	NoteCountry string `yaml:"note_country_column" env:"NOTE_COUNTRY_COLUMN" env-default:"id_country"`
	Longitude   string `yaml:"longitude_column" env:"LONGITUDE_COLUMN" env-default:"longitude"`
	Latitude    string `yaml:"latitude_column" env:"LATITUDE_COLUMN" env-default:"latitude"`
	Countries   string `yaml:"countries_table" env:"COUNTRIES_TABLE" env-default:"countries"`
	CountryID   string `yaml:"country_id_column" env:"COUNTRY_ID_COLUMN" env-default:"country_id"`
	CountryGeom string `yaml:"country_geom_column" env:"COUNTRY_GEOM_COLUMN" env-default:"geom"`
	SRID        int    `yaml:"srid" env:"SRID" env-default:"4326"`
}

// DefaultSchema returns the standard notes schema.
func DefaultSchema() Schema {
	return Schema{
		Notes:       "notes",
		NoteID:      "note_id",
		NoteCountry: "id_country",
		Longitude:   "longitude",
		Latitude:    "latitude",
		Countries:   "countries",
		CountryID:   "country_id",
		CountryGeom: "geom",
		SRID:        4326,
	}
}

func (s Schema) validate() error {
	for name, v := range map[string]string{
		"notes table": s.Notes, "note id column": s.NoteID, "note country column": s.NoteCountry,
		"longitude column": s.Longitude, "latitude column": s.Latitude,
		"countries table": s.Countries, "country id column": s.CountryID, "country geometry column": s.CountryGeom,
	} {
		if v == "" {
			return retry.Errorf(retry.KindContract, "countries: %s is required", name)
		}
	}
	return nil
}

var dialect = goqu.Dialect("postgres")

// containing returns the sub-select for the country whose geometry contains the note.
func (s Schema) containing() *goqu.SelectDataset {
	point := goqu.Func("ST_SetSRID",
		goqu.Func("ST_MakePoint", goqu.T(s.Notes).Col(s.Longitude), goqu.T(s.Notes).Col(s.Latitude)),
		goqu.L(fmt.Sprint(s.SRID)),
	)
	c := goqu.T(s.Countries).As("c")
	return dialect.From(c).
		Select(goqu.I("c." + s.CountryID)).
		Where(goqu.L("ST_Contains(?, ?)", goqu.I("c."+s.CountryGeom), point)).
		Order(goqu.I("c." + s.CountryID).Asc()).
		Limit(1)
}

func (s Schema) inRange(start, end int64) exp.Expression {
	return goqu.And(
		goqu.C(s.NoteID).Gte(start),
		goqu.C(s.NoteID).Lt(end),
	)
}

// AssignSQL returns the statement assigning a country to unassigned notes in [start, end).
func (s Schema) AssignSQL(start, end int64) (string, []interface{}, error) {
	if err := s.validate(); err != nil {
		return "", nil, err
	}
	return dialect.Update(s.Notes).
		Prepared(true).
		Set(goqu.Record{s.NoteCountry: s.containing()}).
		Where(s.inRange(start, end), goqu.C(s.NoteCountry).IsNull()).
		ToSQL()
}

// VerifySQL returns the statement recomputing the country of notes in [start, end) and
// rewriting those whose stored value differs.
func (s Schema) VerifySQL(start, end int64) (string, []interface{}, error) {
	if err := s.validate(); err != nil {
		return "", nil, err
	}
	return dialect.Update(s.Notes).
		Prepared(true).
		Set(goqu.Record{s.NoteCountry: s.containing()}).
		Where(s.inRange(start, end), goqu.L("? IS DISTINCT FROM ?", goqu.C(s.NoteCountry), s.containing())).
		ToSQL()
}

// MaxIDSQL returns the query for the highest note id, 0 when the table is empty.
func (s Schema) MaxIDSQL() (string, []interface{}, error) {
	if err := s.validate(); err != nil {
		return "", nil, err
	}
	return dialect.From(s.Notes).
		Select(goqu.COALESCE(goqu.MAX(s.NoteID), 0)).
		ToSQL()
}

// Operation names the batch operations.
type Operation string

const (
	OpAssign Operation = "assign"
	OpVerify Operation = "verify"
)

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpAssign, OpVerify:
		return Operation(s), nil
	}
	return "", retry.Errorf(retry.KindContract, "countries: unknown operation %q", s)
}

// BatchOp returns a function running op over one id range through db.
func BatchOp(db Execer, s Schema, op Operation) (func(ctx context.Context, start, end int64) (int64, error), error) {
	build := s.AssignSQL
	switch op {
	case OpAssign:
	case OpVerify:
		build = s.VerifySQL
	default:
		return nil, retry.Errorf(retry.KindContract, "countries: unknown operation %q", op)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return func(ctx context.Context, start, end int64) (int64, error) {
		sql, args, err := build(start, end)
		if err != nil {
			return 0, err
		}
		n, err := db.Execute(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("countries: %s [%d,%d): %w", op, start, end, err)
		}
		return n, nil
	}, nil
}

// MaxID returns the highest note id.
func MaxID(ctx context.Context, db Querier, s Schema) (int64, error) {
	sql, args, err := s.MaxIDSQL()
	if err != nil {
		return 0, err
	}
	return db.QueryInt(ctx, sql, args...)
}
