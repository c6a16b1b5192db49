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

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/geoingest/internal/retry"
)

type recordingExecer struct {
	sql      []string
	args     [][]interface{}
	affected int64
	err      error
}

func (r *recordingExecer) Execute(_ context.Context, sql string, args ...interface{}) (int64, error) {
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return r.affected, r.err
}

func (r *recordingExecer) QueryInt(_ context.Context, sql string, args ...interface{}) (int64, error) {
	r.sql = append(r.sql, sql)
	return r.affected, r.err
}

func TestAssignSQL(t *testing.T) {
	sql, args, err := DefaultSchema().AssignSQL(100, 200)
	require.NoError(t, err)

	assert.Contains(t, sql, `UPDATE "notes" SET "id_country"=(SELECT "c"."country_id" FROM "countries" AS "c"`)
	assert.Contains(t, sql, `ST_Contains("c"."geom", ST_SetSRID(ST_MakePoint("notes"."longitude", "notes"."latitude"), 4326))`)
	assert.Contains(t, sql, `"note_id" >= $`)
	assert.Contains(t, sql, `"note_id" < $`)
	assert.Contains(t, sql, `"id_country" IS NULL`)
	assert.NotContains(t, sql, "IS DISTINCT FROM")
	assert.Contains(t, args, int64(100))
	assert.Contains(t, args, int64(200))
}

func TestVerifySQL(t *testing.T) {
	sql, args, err := DefaultSchema().VerifySQL(0, 50)
	require.NoError(t, err)

	assert.Contains(t, sql, `"id_country" IS DISTINCT FROM (SELECT`)
	assert.NotContains(t, sql, `"id_country" IS NULL`)
	assert.Contains(t, args, int64(0))
	assert.Contains(t, args, int64(50))
}

func TestMaxIDSQL(t *testing.T) {
	s := DefaultSchema()
	s.Notes, s.NoteID = "planet_notes", "id"
	sql, _, err := s.MaxIDSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, `COALESCE(MAX("id"), 0)`)
	assert.Contains(t, sql, `FROM "planet_notes"`)
}

func TestSchemaValidation(t *testing.T) {
	s := DefaultSchema()
	s.Countries = ""
	_, _, err := s.AssignSQL(0, 1)
	require.Error(t, err)
	assert.Equal(t, retry.ExitInvalidArgument, retry.ExitCode(err))
}

func TestBatchOp(t *testing.T) {
	db := &recordingExecer{affected: 7}
	op, err := BatchOp(db, DefaultSchema(), OpAssign)
	require.NoError(t, err)

	n, err := op(context.Background(), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.Len(t, db.sql, 1)
	assert.Contains(t, db.sql[0], `"id_country" IS NULL`)

	db.err = errors.New("connection reset")
	_, err = op(context.Background(), 20, 30)
	assert.ErrorContains(t, err, "assign [20,30)")
}

func TestBatchOpVerify(t *testing.T) {
	db := &recordingExecer{}
	op, err := BatchOp(db, DefaultSchema(), OpVerify)
	require.NoError(t, err)
	_, err = op(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Contains(t, db.sql[0], "IS DISTINCT FROM")
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("verify")
	require.NoError(t, err)
	assert.Equal(t, OpVerify, op)

	_, err = ParseOperation("delete")
	assert.Equal(t, retry.ExitInvalidArgument, retry.ExitCode(err))

	_, err = BatchOp(&recordingExecer{}, DefaultSchema(), "delete")
	assert.Error(t, err)
}

func TestMaxID(t *testing.T) {
	db := &recordingExecer{affected: 250000}
	id, err := MaxID(context.Background(), db, DefaultSchema())
	require.NoError(t, err)
	assert.Equal(t, int64(250000), id)
}
