package lock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/datum"
	"github.com/leftmike/kvcore/storage/lock"
	"github.com/leftmike/kvcore/storage/tuple"
	"github.com/leftmike/kvcore/testutil"
)

var keyDesc = tuple.NewKeyDesc([]tuple.Field{{Name: "id", Size: 8}})

func key(t *testing.T, id int64) []byte {
	t.Helper()

	k, err := tuple.Build(keyDesc, [][]byte{datum.Int64(id)})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newManager(t *testing.T, timeout time.Duration) *lock.Manager {
	t.Helper()

	m := lock.NewManager(testutil.SetupLogger(filepath.Join("testdata", "lock.log")), timeout)
	err := m.CreateTable(context.Background(), 1, keyDesc)
	if err != nil {
		t.Fatalf("CreateTable() failed with %s", err)
	}
	return m
}

func expect(t *testing.T, ch <-chan storage.LockResult, want storage.LockResult) {
	t.Helper()

	select {
	case lr, ok := <-ch:
		if !ok {
			t.Errorf("notify closed want %s", want)
		} else if lr != want {
			t.Errorf("notify got %s want %s", lr, want)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("notify timed out want %s", want)
	}
}

func expectNothing(t *testing.T, ch <-chan storage.LockResult) {
	t.Helper()

	select {
	case lr, ok := <-ch:
		t.Errorf("notify got %s, %v want nothing", lr, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLockQueue(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 0)

	ch1 := make(chan storage.LockResult, 1)
	ch2 := make(chan storage.LockResult, 1)
	ch3 := make(chan storage.LockResult, 1)

	if err := m.Lock(ctx, ch1, 1, 1, key(t, 10)); err != nil {
		t.Fatalf("Lock() failed with %s", err)
	}
	expect(t, ch1, storage.Locked)

	m.Lock(ctx, ch1, 1, 1, key(t, 10))
	expect(t, ch1, storage.Locked)

	m.Lock(ctx, ch2, 2, 1, key(t, 10))
	m.Lock(ctx, ch3, 3, 1, key(t, 10))
	expectNothing(t, ch2)
	expectNothing(t, ch3)

	m.Lock(ctx, ch2, 2, 1, key(t, 20))
	expect(t, ch2, storage.Locked)

	if m.HeldCount(1) != 1 || m.HeldCount(2) != 1 {
		t.Errorf("HeldCount() got %d and %d want 1 and 1", m.HeldCount(1), m.HeldCount(2))
	}

	m.ReleaseAll(1)
	expect(t, ch2, storage.Locked)
	expectNothing(t, ch3)
	if m.HeldCount(1) != 0 || m.HeldCount(2) != 2 {
		t.Errorf("HeldCount() got %d and %d want 0 and 2", m.HeldCount(1), m.HeldCount(2))
	}

	m.ReleaseAll(2)
	expect(t, ch3, storage.Locked)
	m.ReleaseAll(3)
}

func TestLockErrors(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 0)
	ch := make(chan storage.LockResult, 1)

	err := m.Lock(ctx, ch, 1, 2, key(t, 1))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Lock(no table) got %v want ErrNotFound", err)
	}
	err = m.Lock(ctx, ch, 1, 1, []byte{1, 2, 3})
	if !errors.Is(err, storage.ErrTupleShape) {
		t.Errorf("Lock(bad key) got %v want ErrTupleShape", err)
	}
	err = m.CreateTable(ctx, 1, keyDesc)
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateTable(1) twice got %v want ErrAlreadyExists", err)
	}
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 20*time.Millisecond)
	var failed int
	m.OnLockFailed = func() { failed += 1 }

	ch1 := make(chan storage.LockResult, 1)
	ch2 := make(chan storage.LockResult, 1)

	m.Lock(ctx, ch1, 1, 1, key(t, 1))
	expect(t, ch1, storage.Locked)
	m.Lock(ctx, ch2, 2, 1, key(t, 1))
	expect(t, ch2, storage.LockFailed)
	if failed != 1 {
		t.Errorf("OnLockFailed got %d calls want 1", failed)
	}

	m.ReleaseAll(1)
	ch3 := make(chan storage.LockResult, 1)
	m.Lock(ctx, ch3, 3, 1, key(t, 1))
	expect(t, ch3, storage.Locked)
	if m.HeldCount(2) != 0 {
		t.Errorf("HeldCount(2) got %d want 0", m.HeldCount(2))
	}
}

func TestLockCancel(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 0)

	ch1 := make(chan storage.LockResult, 1)
	ch2 := make(chan storage.LockResult, 1)
	ch3 := make(chan storage.LockResult, 1)

	m.Lock(ctx, ch1, 1, 1, key(t, 1))
	expect(t, ch1, storage.Locked)
	m.Lock(ctx, ch2, 2, 1, key(t, 1))
	m.Lock(ctx, ch3, 3, 1, key(t, 1))

	m.Cancel(2, 1, key(t, 1))
	if _, ok := <-ch2; ok {
		t.Errorf("Cancel() did not close notify")
	}

	m.ReleaseAll(1)
	expect(t, ch3, storage.Locked)
	if m.HeldCount(2) != 0 {
		t.Errorf("HeldCount(2) got %d want 0", m.HeldCount(2))
	}
}

func TestLockClose(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 0)

	ch1 := make(chan storage.LockResult, 1)
	ch2 := make(chan storage.LockResult, 1)

	m.Lock(ctx, ch1, 1, 1, key(t, 1))
	expect(t, ch1, storage.Locked)
	m.Lock(ctx, ch2, 2, 1, key(t, 1))

	m.Close()
	if _, ok := <-ch2; ok {
		t.Errorf("Close() did not close notify")
	}
	err := m.Lock(ctx, make(chan storage.LockResult, 1), 3, 1, key(t, 2))
	if !errors.Is(err, storage.ErrShutdown) {
		t.Errorf("Lock() after Close got %v want ErrShutdown", err)
	}
	m.ReleaseAll(1)
}
