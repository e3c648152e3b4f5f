package storage

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage/datum"
	"github.com/leftmike/kvcore/storage/tuple"
)

type ColumnSchema struct {
	OID     OID        `msgpack:"oid"`
	Name    string     `msgpack:"name"`
	Type    datum.Type `msgpack:"type"`
	Primary bool       `msgpack:"primary"`
}

// TableSchema is what a caller supplies to create a table. The primary columns, in the
// order they are listed, make up the key.
type TableSchema struct {
	ID      OID            `msgpack:"id"`
	Name    string         `msgpack:"name"`
	Columns []ColumnSchema `msgpack:"columns"`
}

type ColumnDesc struct {
	oid     OID
	name    string
	typ     datum.Type
	primary bool
	index   int
}

func (cd *ColumnDesc) OID() OID {
	return cd.oid
}

func (cd *ColumnDesc) Name() string {
	return cd.name
}

func (cd *ColumnDesc) Type() datum.Type {
	return cd.typ
}

func (cd *ColumnDesc) IsPrimary() bool {
	return cd.primary
}

// DatumIndex is the index of the column within the key tuple if it is primary, otherwise
// within the value tuple.
func (cd *ColumnDesc) DatumIndex() int {
	return cd.index
}

type TableDesc struct {
	id        OID
	name      string
	columns   []*ColumnDesc
	oid2col   map[OID]*ColumnDesc
	keyDesc   *tuple.Desc
	valueDesc *tuple.Desc
}

func MakeTableDesc(ts *TableSchema) (*TableDesc, error) {
	if ts.ID == 0 {
		return nil, errors.Wrapf(ErrFormat, "table %s: missing id", ts.Name)
	}

	td := &TableDesc{
		id:      ts.ID,
		name:    ts.Name,
		oid2col: map[OID]*ColumnDesc{},
	}
	var keyFields, valueFields []tuple.Field
	for _, cs := range ts.Columns {
		if _, ok := td.oid2col[cs.OID]; ok {
			return nil, errors.Wrapf(ErrAlreadyExists, "table %s: duplicate column %d",
				ts.Name, cs.OID)
		}
		if !cs.Type.Valid() {
			return nil, errors.Wrapf(ErrFormat, "table %s: column %s: bad type %d", ts.Name,
				cs.Name, cs.Type)
		}

		cd := &ColumnDesc{
			oid:     cs.OID,
			name:    cs.Name,
			typ:     cs.Type,
			primary: cs.Primary,
		}
		fld := tuple.Field{Name: cs.Name, Size: cs.Type.FixedSize()}
		if cs.Primary {
			cd.index = len(keyFields)
			keyFields = append(keyFields, fld)
		} else {
			cd.index = len(valueFields)
			valueFields = append(valueFields, fld)
		}
		td.columns = append(td.columns, cd)
		td.oid2col[cs.OID] = cd
	}

	if len(keyFields) == 0 {
		return nil, errors.Wrapf(ErrFormat, "table %s: no primary key columns", ts.Name)
	}
	td.keyDesc = tuple.NewKeyDesc(keyFields)
	td.valueDesc = tuple.NewValueDesc(valueFields)
	return td, nil
}

func (td *TableDesc) ID() OID {
	return td.id
}

func (td *TableDesc) Name() string {
	return td.name
}

func (td *TableDesc) Columns() []*ColumnDesc {
	return td.columns
}

func (td *TableDesc) Column(oid OID) (*ColumnDesc, bool) {
	cd, ok := td.oid2col[oid]
	return cd, ok
}

func (td *TableDesc) KeyDesc() *tuple.Desc {
	return td.keyDesc
}

func (td *TableDesc) ValueDesc() *tuple.Desc {
	return td.valueDesc
}

// Schema returns the schema the descriptor was made from.
func (td *TableDesc) Schema() *TableSchema {
	ts := &TableSchema{
		ID:   td.id,
		Name: td.name,
	}
	for _, cd := range td.columns {
		ts.Columns = append(ts.Columns,
			ColumnSchema{
				OID:     cd.oid,
				Name:    cd.name,
				Type:    cd.typ,
				Primary: cd.primary,
			})
	}
	return ts
}

func (td *TableDesc) String() string {
	return fmt.Sprintf("%s(%d)", td.name, td.id)
}
