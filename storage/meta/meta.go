/*
Package meta manages table schemas. Schemas are stored in the KV, encoded with msgpack, and
the table descriptors made from them are kept in an LRU cache.
*/
package meta

import (
	"context"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/kv"
)

const (
	// FirstTableID is the first id assigned to a table created without one.
	FirstTableID storage.OID = 1024
)

type Manager struct {
	logger *log.Entry
	kv     kv.KV
	cache  *lru.Cache[storage.OID, *storage.TableDesc]

	mutex  sync.Mutex
	names  map[string]storage.OID
	nextID storage.OID
}

// Open loads the names and ids of every table in st.
func Open(logger *log.Logger, st kv.KV, cacheSize int) (*Manager, error) {
	cache, err := lru.New[storage.OID, *storage.TableDesc](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "meta: descriptor cache")
	}

	mm := &Manager{
		logger: logger.WithField("component", "meta"),
		kv:     st,
		cache:  cache,
		names:  map[string]storage.OID{},
		nextID: FirstTableID,
	}

	schemas, err := mm.ListTables(context.Background())
	if err != nil {
		return nil, err
	}
	for _, ts := range schemas {
		mm.names[ts.Name] = ts.ID
		if ts.ID >= mm.nextID {
			mm.nextID = ts.ID + 1
		}
	}

	mm.logger.WithField("tables", len(schemas)).Info("schemas loaded")
	return mm, nil
}

func decodeSchema(val []byte) (*storage.TableSchema, error) {
	var ts storage.TableSchema
	err := msgpack.Unmarshal(val, &ts)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrFormat, "meta: decode schema: %s", err)
	}
	return &ts, nil
}

// CreateTable stores a new schema; if ts.ID is zero, an id is assigned and stored in ts.
func (mm *Manager) CreateTable(ctx context.Context, ts *storage.TableSchema) error {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if _, ok := mm.names[ts.Name]; ok {
		return errors.Wrapf(storage.ErrAlreadyExists, "meta: table %s", ts.Name)
	}

	id := ts.ID
	if id == 0 {
		id = mm.nextID
	} else {
		for _, oid := range mm.names {
			if oid == id {
				return errors.Wrapf(storage.ErrAlreadyExists, "meta: table id %d", id)
			}
		}
	}

	cpy := *ts
	cpy.ID = id
	td, err := storage.MakeTableDesc(&cpy)
	if err != nil {
		return err
	}
	val, err := msgpack.Marshal(&cpy)
	if err != nil {
		return errors.Wrapf(err, "meta: encode table %s", ts.Name)
	}

	upd, err := mm.kv.Updater()
	if err != nil {
		return errors.Wrap(err, "meta: create table")
	}
	err = upd.Set(kv.MetaKey(uint64(id)), val)
	if err != nil {
		upd.Rollback()
		return errors.Wrapf(err, "meta: create table %s", ts.Name)
	}
	err = upd.Commit(true)
	if err != nil {
		return errors.Wrapf(err, "meta: create table %s", ts.Name)
	}

	ts.ID = id
	mm.names[ts.Name] = id
	if id >= mm.nextID {
		mm.nextID = id + 1
	}
	mm.cache.Add(id, td)

	mm.logger.WithFields(log.Fields{"table": ts.Name, "id": id}).Info("table created")
	return nil
}

func (mm *Manager) GetTableByID(ctx context.Context, id storage.OID) (*storage.TableDesc, error) {
	if td, ok := mm.cache.Get(id); ok {
		return td, nil
	}

	var ts *storage.TableSchema
	err := mm.kv.Get(kv.MetaKey(uint64(id)),
		func(val []byte) error {
			var err error
			ts, err = decodeSchema(val)
			return err
		})
	if err == io.EOF {
		return nil, errors.Wrapf(storage.ErrNotFound, "meta: table %d", id)
	} else if err != nil {
		return nil, errors.Wrapf(err, "meta: get table %d", id)
	}

	td, err := storage.MakeTableDesc(ts)
	if err != nil {
		return nil, err
	}
	mm.cache.Add(id, td)
	return td, nil
}

func (mm *Manager) LookupTable(ctx context.Context, name string) (*storage.TableDesc, error) {
	mm.mutex.Lock()
	id, ok := mm.names[name]
	mm.mutex.Unlock()

	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "meta: table %s", name)
	}
	return mm.GetTableByID(ctx, id)
}

// ListTables returns the schema of every table, ordered by id.
func (mm *Manager) ListTables(ctx context.Context) ([]*storage.TableSchema, error) {
	prefix := kv.TagPrefix(kv.MetaTag)
	it, err := mm.kv.Iterate(prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "meta: list tables")
	}
	defer it.Close()

	var schemas []*storage.TableSchema
	for {
		err = it.Item(
			func(key, val []byte) error {
				if _, err := kv.ParseMetaKey(key); err != nil {
					return nil
				}
				ts, err := decodeSchema(val)
				if err != nil {
					return err
				}
				schemas = append(schemas, ts)
				return nil
			})
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}
	return schemas, nil
}
