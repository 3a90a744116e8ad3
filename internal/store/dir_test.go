package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/store"
)

func testSchema() store.Schema {
	return store.Schema{
		{Name: "name", Type: store.TypeString, Required: true},
		{Name: "count", Type: store.TypeInt, Default: 0},
		store.StrChoiceProperty("status", true, "", "QUEUED", "RUNNING", "PASSED", "FAILED"),
	}
}

func TestCreateAndGet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thing")

	d, err := store.Create(dir, testSchema(), map[string]any{"name": "foo", "status": "QUEUED"})
	require.NoError(t, err)

	name, err := d.GetString("name")
	require.NoError(t, err)
	assert.Equal(t, "foo", name)

	count, err := d.Get("count")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestCreateMissingRequired(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thing")
	_, err := store.Create(dir, testSchema(), map[string]any{"name": "foo"})
	require.Error(t, err)

	var se *store.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, store.KindValidation, se.Kind)
}

func TestCreateTwiceConflicts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thing")
	data := map[string]any{"name": "foo", "status": "QUEUED"}

	_, err := store.Create(dir, testSchema(), data)
	require.NoError(t, err)

	_, err = store.Create(dir, testSchema(), data)
	require.Error(t, err)

	var se *store.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, store.KindConflict, se.Kind)
}

func TestUpdateValidatesMergedResult(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thing")
	d, err := store.Create(dir, testSchema(), map[string]any{"name": "foo", "status": "QUEUED"})
	require.NoError(t, err)

	err = d.Update(map[string]any{"status": "RUNNING"})
	require.NoError(t, err)

	status, _ := d.GetString("status")
	assert.Equal(t, "RUNNING", status)

	err = d.Update(map[string]any{"status": "NOT_A_STATUS"})
	assert.Error(t, err)

	// the invalid update must not have been persisted
	status, _ = d.GetString("status")
	assert.Equal(t, "RUNNING", status)
}

func TestOpenIsLazy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thing")
	_, err := store.Create(dir, testSchema(), map[string]any{"name": "foo", "status": "QUEUED"})
	require.NoError(t, err)

	d := store.Open(dir, testSchema())
	name, err := d.GetString("name")
	require.NoError(t, err)
	assert.Equal(t, "foo", name)
}
