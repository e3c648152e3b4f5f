package testutil_test

import (
	"strings"
	"testing"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/testutil"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		ret  bool
	}{
		{1, 2, false},
		{"abc", "abc", true},
		{[]string{"abc", "def"}, []string{"abc", "def"}, true},
		{storage.MakeTupleID(3, 1), storage.MakeTupleID(3, 1), true},
		{storage.MakeTupleID(3, 1), storage.MakeTupleID(1, 3), false},
		{[]storage.Datum{}, []storage.Datum{}, true},
		{[]storage.Datum{{Column: 1, Value: []byte("a")}},
			[]storage.Datum{{Column: 1, Value: []byte("b")}}, false},
		{[][]byte{}, [][]byte{}, true},
	}

	for _, c := range cases {
		if testutil.DeepEqual(c.a, c.b) != c.ret {
			t.Errorf("DeepEqual(%v, %v) got %v want %v", c.a, c.b, !c.ret, c.ret)
		}
	}

	for _, c := range cases {
		var s string
		testutil.DeepEqual(c.a, c.b, &s)
		if c.ret {
			if s != "" {
				t.Errorf("DeepEqual(%v, %v, &s) succeeded; got %q for s; want \"\"", c.a, c.b, s)
			}
		} else {
			if s == "" {
				t.Errorf("DeepEqual(%v, %v, &s) failed; got \"\" for s", c.a, c.b)
			}
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DeepEqual(123, 123, &s1, &s2) did not panic")
		}
	}()
	var s1, s2 string
	testutil.DeepEqual(123, 123, &s1, &s2)
}

func TestDeepEqualTrace(t *testing.T) {
	type pair struct {
		name  string
		value []byte
	}

	var s string
	if testutil.DeepEqual(pair{"a", []byte("xy")}, pair{"a", []byte("xz")}, &s) {
		t.Errorf("DeepEqual(pair) got true want false")
	}
	if !strings.Contains(s, "value") || !strings.Contains(s, `"xz"`) {
		t.Errorf("DeepEqual(pair) trace got %q", s)
	}
}
