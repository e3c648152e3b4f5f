package kv_test

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage/kv"
	"github.com/leftmike/kvcore/testutil"
)

const (
	iterateCmd = iota
	getCmd
	updaterCmd
	setCmd
	deleteCmd
	commitCmd
	rollbackCmd
)

type keyVal struct {
	key string
	val string
}

type kvCmd struct {
	fln     testutil.FileLineNumber
	cmd     int
	fail    bool
	key     string
	maxKey  string
	val     string
	keyVals []keyVal
}

func fln() testutil.FileLineNumber {
	return testutil.CallerFileLineNumber(1)
}

func runKVTest(t *testing.T, st kv.KV, cmds []kvCmd) {
	t.Helper()

	var updater kv.Updater
	for _, cmd := range cmds {
		switch cmd.cmd {
		case iterateCmd:
			var maxKey []byte
			if cmd.maxKey != "" {
				maxKey = []byte(cmd.maxKey)
			}
			it, err := st.Iterate([]byte(cmd.key), maxKey)
			if err != nil {
				t.Errorf("%sIterate() failed with %s", cmd.fln, err)
				break
			}

			keyVals := cmd.keyVals
			for {
				err := it.Item(
					func(key, val []byte) error {
						if len(keyVals) == 0 {
							return errors.New("too many key vals")
						}
						if string(key) != keyVals[0].key {
							return fmt.Errorf("key: got %s want %s", string(key), keyVals[0].key)
						}
						if string(val) != keyVals[0].val {
							return fmt.Errorf("val: got %s want %s", string(val), keyVals[0].val)
						}
						keyVals = keyVals[1:]
						return nil
					})
				if err == io.EOF {
					break
				} else if err != nil {
					t.Errorf("%sIterate() failed with %s", cmd.fln, err)
					break
				}
			}
			if len(keyVals) > 0 {
				t.Errorf("%sIterate() not enough key vals: %d", cmd.fln, len(keyVals))
			}
			it.Close()

		case getCmd:
			get := st.Get
			if updater != nil {
				get = updater.Get
			}
			var val []byte
			err := get([]byte(cmd.key),
				func(v []byte) error {
					val = append([]byte(nil), v...)
					return nil
				})
			if cmd.fail {
				if err != io.EOF {
					t.Errorf("%sGet(%s) got %v want io.EOF", cmd.fln, cmd.key, err)
				}
			} else if err != nil {
				t.Errorf("%sGet(%s) failed with %s", cmd.fln, cmd.key, err)
			} else if string(val) != cmd.val {
				t.Errorf("%sGet(%s) got %s want %s", cmd.fln, cmd.key, val, cmd.val)
			}

		case updaterCmd:
			if updater != nil {
				panic("updater: updater is not nil")
			}

			var err error
			updater, err = st.Updater()
			if err != nil {
				t.Fatalf("%sUpdater() failed with %s", cmd.fln, err)
			}

		case setCmd:
			if updater == nil {
				panic("set: updater is nil")
			}
			err := updater.Set([]byte(cmd.key), []byte(cmd.val))
			if err != nil {
				t.Errorf("%sSet(%s) failed with %s", cmd.fln, cmd.key, err)
			}

		case deleteCmd:
			if updater == nil {
				panic("delete: updater is nil")
			}
			err := updater.Delete([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sDelete(%s) failed with %s", cmd.fln, cmd.key, err)
			}

		case commitCmd:
			if updater == nil {
				panic("commit: updater is nil")
			}
			err := updater.Commit(true)
			if err != nil {
				t.Errorf("%sCommit() failed with %s", cmd.fln, err)
			}
			updater = nil

		case rollbackCmd:
			if updater == nil {
				panic("rollback: updater is nil")
			}
			updater.Rollback()
			updater = nil

		default:
			panic(fmt.Sprintf("unexpected command: %d", cmd.cmd))
		}
	}
}

func testKV(t *testing.T, st kv.KV) {
	t.Helper()

	runKVTest(t, st,
		[]kvCmd{
			{fln: fln(), cmd: iterateCmd, key: "A"},
			{fln: fln(), cmd: getCmd, key: "Aaaa", fail: true},
			{fln: fln(), cmd: updaterCmd},
			{fln: fln(), cmd: setCmd, key: "Aaaa", val: "aaa@2"},
			{fln: fln(), cmd: setCmd, key: "Accc", val: "ccc@2"},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@2"},
			{fln: fln(), cmd: getCmd, key: "Abbb", val: "bbb@2"},
			{fln: fln(), cmd: commitCmd},

			{fln: fln(), cmd: getCmd, key: "Abbb", val: "bbb@2"},
			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Aaaa", "aaa@2"},
					{"Abbb", "bbb@2"},
					{"Accc", "ccc@2"},
				},
			},

			{fln: fln(), cmd: updaterCmd},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@3"},
			{fln: fln(), cmd: setCmd, key: "Addd", val: "ddd@3"},
			{fln: fln(), cmd: setCmd, key: "B", val: "b@3"},
			{fln: fln(), cmd: commitCmd},

			{fln: fln(), cmd: iterateCmd, key: "A", maxKey: "Azzz",
				keyVals: []keyVal{
					{"Aaaa", "aaa@2"},
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},
			{fln: fln(), cmd: iterateCmd, key: "Abbb", maxKey: "Accc",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
				},
			},

			{fln: fln(), cmd: updaterCmd},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@4"},
			{fln: fln(), cmd: deleteCmd, key: "Aaaa"},
			{fln: fln(), cmd: rollbackCmd},

			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Aaaa", "aaa@2"},
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
					{"B", "b@3"},
				},
			},

			{fln: fln(), cmd: updaterCmd},
			{fln: fln(), cmd: deleteCmd, key: "Accc"},
			{fln: fln(), cmd: getCmd, key: "Accc", fail: true},
			{fln: fln(), cmd: commitCmd},

			{fln: fln(), cmd: getCmd, key: "Accc", fail: true},
			{fln: fln(), cmd: iterateCmd, key: "Ab", maxKey: "Az",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Addd", "ddd@3"},
				},
			},
		})
}

func TestBTreeKV(t *testing.T) {
	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	testKV(t, st)
}

func TestPebbleKV(t *testing.T) {
	dataDir := filepath.Join("testdata", "pebble_kv")
	err := testutil.CleanDir(dataDir, []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	st, err := kv.MakePebbleKV(dataDir,
		testutil.SetupLogger(filepath.Join("testdata", "pebble_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	testKV(t, st)
}

func TestBBoltKV(t *testing.T) {
	dataDir := filepath.Join("testdata", "bbolt_kv")
	err := testutil.CleanDir(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	st, err := kv.MakeBBoltKV(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	testKV(t, st)
}

func TestBadgerKV(t *testing.T) {
	dataDir := filepath.Join("testdata", "badger_kv")
	err := testutil.CleanDir(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	st, err := kv.MakeBadgerKV(dataDir,
		testutil.SetupLogger(filepath.Join("testdata", "badger_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	testKV(t, st)
}

func TestOpen(t *testing.T) {
	_, err := kv.Open("unknown", "testdata", nil)
	if err == nil {
		t.Errorf("Open(unknown) did not fail")
	}

	st, err := kv.Open("btree", "testdata", nil)
	if err != nil {
		t.Fatalf("Open(btree) failed with %s", err)
	}
	st.Close()
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix []byte
		end    []byte
	}{
		{[]byte("r"), []byte("s")},
		{[]byte{'r', 0xFF}, []byte{'s'}},
		{[]byte{'r', 1, 0xFF, 0xFF}, []byte{'r', 2}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, c := range cases {
		end := kv.PrefixEnd(c.prefix)
		if string(end) != string(c.end) || (end == nil) != (c.end == nil) {
			t.Errorf("PrefixEnd(%v) got %v want %v", c.prefix, end, c.end)
		}
	}
}
