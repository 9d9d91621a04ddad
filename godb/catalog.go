package godb

// Catalog maps table identities to their backing DBFile, name, and
// primary key field. spec.md treats the catalog as an external
// collaborator consumed through a narrow interface; this is a thin,
// real implementation of that interface so the core has something
// concrete to register tables against in tests.

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type catalogEntry struct {
	file    DBFile
	name    string
	primary string
}

type Catalog struct {
	mu      sync.RWMutex
	byID    map[int32]*catalogEntry
	byName  map[string]*catalogEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byID:   make(map[int32]*catalogEntry),
		byName: make(map[string]*catalogEntry),
	}
}

// AddTable registers file under name with the given primary key field
// name (may be empty if the table has none).
func (c *Catalog) AddTable(file DBFile, name string, primaryKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &catalogEntry{file: file, name: name, primary: primaryKey}
	c.byID[file.getID()] = e
	c.byName[strings.ToLower(name)] = e
}

// GetTableID looks a table up by name, case-insensitively.
func (c *Catalog) GetTableID(name string) (int32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return 0, newGoDBError(NoSuchTableError, "no table named %q", name)
	}
	return e.file.getID(), nil
}

// GetDBFile returns the DBFile registered under id.
func (c *Catalog) GetDBFile(id int32) (DBFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, newGoDBError(NoSuchTableError, "no table with id %d", id)
	}
	return e.file, nil
}

// GetDBFileByName returns the DBFile registered under name.
func (c *Catalog) GetDBFileByName(name string) (DBFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return nil, newGoDBError(NoSuchTableError, "no table named %q", name)
	}
	return e.file, nil
}

// GetTupleDesc returns the TupleDesc of the table registered under id.
func (c *Catalog) GetTupleDesc(id int32) (*TupleDesc, error) {
	f, err := c.GetDBFile(id)
	if err != nil {
		return nil, err
	}
	return f.getTupleDesc(), nil
}

// GetPrimaryKey returns the primary key field name of the table
// registered under id (empty string if it has none).
func (c *Catalog) GetPrimaryKey(id int32) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return "", newGoDBError(NoSuchTableError, "no table with id %d", id)
	}
	return e.primary, nil
}

// parseSchemaLine parses one line of the catalog's line-oriented schema
// format: `name (field type[ pk], field type, ...)`, type being "int" or
// "string" (case-insensitive).
func parseSchemaLine(line string) (name string, desc *TupleDesc, primary string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, "", nil
	}
	open := strings.Index(line, "(")
	close := strings.LastIndex(line, ")")
	if open < 0 || close < open {
		return "", nil, "", newGoDBError(ParseError, "malformed schema line: %q", line)
	}
	name = strings.TrimSpace(line[:open])
	body := line[open+1 : close]

	var fields []FieldType
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.Fields(part)
		if len(tokens) < 2 {
			return "", nil, "", newGoDBError(ParseError, "malformed field spec: %q", part)
		}
		fname := tokens[0]
		var ftype DBType
		switch strings.ToLower(tokens[1]) {
		case "int":
			ftype = IntType
		case "string":
			ftype = StringType
		default:
			return "", nil, "", newGoDBError(ParseError, "unknown field type: %q", tokens[1])
		}
		fields = append(fields, FieldType{Fname: fname, Ftype: ftype})
		if len(tokens) >= 3 && strings.EqualFold(tokens[2], "pk") {
			primary = fname
		}
	}
	return name, &TupleDesc{Fields: fields}, primary, nil
}

// LoadCatalogFromFile parses the schema file at path, creating one
// HeapFile per line (backed by "<rootDir>/<name>.dat") and registering
// it with cat against bp.
func LoadCatalogFromFile(cat *Catalog, path string, bp *BufferPool, rootDir string) error {
	file, err := os.Open(path)
	if err != nil {
		return newGoDBError(IoError, "failed to open catalog file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name, desc, primary, err := parseSchemaLine(scanner.Text())
		if err != nil {
			return err
		}
		if desc == nil {
			continue
		}
		hf, err := NewHeapFile(filepath.Join(rootDir, name+".dat"), desc, bp)
		if err != nil {
			return err
		}
		cat.AddTable(hf, name, primary)
	}
	return scanner.Err()
}
