package godb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchemaLine(t *testing.T) {
	name, desc, primary, err := parseSchemaLine("students (id int pk, name string, gpa int)")
	require.NoError(t, err)
	assert.Equal(t, "students", name)
	assert.Equal(t, "id", primary)
	require.Len(t, desc.Fields, 3)
	assert.Equal(t, IntType, desc.Fields[0].Ftype)
	assert.Equal(t, StringType, desc.Fields[1].Ftype)
}

func TestParseSchemaLineRejectsMalformed(t *testing.T) {
	_, _, _, err := parseSchemaLine("students id int")
	require.Error(t, err)

	_, _, _, err = parseSchemaLine("students (id notatype)")
	require.Error(t, err)
}

func TestParseSchemaLineSkipsBlank(t *testing.T) {
	name, desc, _, err := parseSchemaLine("   ")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Nil(t, desc)
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "catalog.txt")
	contents := "students (id int pk, name string)\nclasses (id int pk, title string)\n"
	require.NoError(t, os.WriteFile(schemaPath, []byte(contents), 0644))

	bp, err := NewBufferPool(8)
	require.NoError(t, err)
	cat := NewCatalog()
	require.NoError(t, LoadCatalogFromFile(cat, schemaPath, bp, dir))

	id, err := cat.GetTableID("students")
	require.NoError(t, err)
	pk, err := cat.GetPrimaryKey(id)
	require.NoError(t, err)
	assert.Equal(t, "id", pk)

	_, err = cat.GetTableID("nope")
	require.Error(t, err)

	file, err := cat.GetDBFileByName("classes")
	require.NoError(t, err)
	assert.NotNil(t, file)
}
