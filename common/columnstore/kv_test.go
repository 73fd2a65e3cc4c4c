// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package columnstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/confdb/common/kvstore"
	apierrors "github.com/cubefs/confdb/errors"
)

func newTestDriver(t *testing.T) Driver {
	kv, err := kvstore.NewKVStore(context.TODO(), "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	d, err := NewKVDriver(kv, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func names(cols []Column) []string {
	ret := make([]string, 0, len(cols))
	for _, c := range cols {
		ret = append(ret, c.Name)
	}
	return ret
}

func TestKVDriver_InsertGet(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)

	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1",
		Column{Name: "type", Value: []byte(`"virtual_network"`)},
		Column{Name: "prop:display_name", Value: []byte(`"vn1"`)},
		Column{Name: "backref:instance_ip:i1", Value: []byte(`{"attr":null}`)},
		Column{Name: "children:routing_instance:r1", Value: []byte("null")},
		Column{Name: "META:latest_col_ts", Value: []byte("null")},
	))
	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u2", Column{Name: "type", Value: []byte(`"project"`)}))

	cols, err := d.Get(ctx, ObjUUIDTable, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"META:latest_col_ts", "backref:instance_ip:i1", "children:routing_instance:r1",
		"prop:display_name", "type"}, names(cols))
	for _, c := range cols {
		require.NotZero(t, c.Ts)
	}

	cols, err = d.Get(ctx, ObjUUIDTable, "u1", &SliceOption{Start: "d"})
	require.NoError(t, err)
	require.Equal(t, []string{"prop:display_name", "type"}, names(cols))

	cols, err = d.Get(ctx, ObjUUIDTable, "u1", PrefixSlice("children:"))
	require.NoError(t, err)
	require.Equal(t, []string{"children:routing_instance:r1"}, names(cols))

	cols, err = d.Get(ctx, ObjUUIDTable, "u1", &SliceOption{Columns: []string{"type", "missing"}})
	require.NoError(t, err)
	require.Equal(t, []string{"type"}, names(cols))
	require.Equal(t, `"virtual_network"`, string(cols[0].Value))

	cols, err = d.Get(ctx, ObjUUIDTable, "u1", &SliceOption{Limit: 2})
	require.NoError(t, err)
	require.Len(t, cols, 2)

	cols, err = d.Get(ctx, ObjUUIDTable, "absent", nil)
	require.NoError(t, err)
	require.Empty(t, cols)

	rows, err := d.MultiGet(ctx, ObjUUIDTable, []string{"u1", "u2", "absent"}, &SliceOption{Columns: []string{"type"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, `"project"`, string(rows["u2"][0].Value))
}

func TestKVDriver_TimestampAdvances(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)
	opt := &SliceOption{Columns: []string{"prop:id_perms"}}

	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1", Column{Name: "prop:id_perms", Value: []byte("1")}))
	cols, err := d.Get(ctx, ObjUUIDTable, "u1", opt)
	require.NoError(t, err)
	ts1 := cols[0].Ts

	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1", Column{Name: "prop:id_perms", Value: []byte("1")}))
	cols, err = d.Get(ctx, ObjUUIDTable, "u1", opt)
	require.NoError(t, err)
	require.Greater(t, cols[0].Ts, ts1)
}

func TestKVDriver_BatchOrder(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)

	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1",
		Column{Name: "propl:f:0", Value: []byte("1")},
		Column{Name: "propl:f:1", Value: []byte("2")},
	))

	b := NewBatch()
	b.Remove(ObjUUIDTable, "u1", "propl:f:0", "propl:f:1")
	b.InsertValue(ObjUUIDTable, "u1", "propl:f:0", []byte("3"))
	b.InsertValue(ObjFQNameTable, "virtual_network", "a:b:u1", []byte("null"))
	require.Equal(t, 4, b.Len())
	require.Equal(t, []string{"u1"}, b.Keys(ObjUUIDTable))
	require.NoError(t, d.Write(ctx, b))

	cols, err := d.Get(ctx, ObjUUIDTable, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"propl:f:0"}, names(cols))
	require.Equal(t, "3", string(cols[0].Value))

	cols, err = d.Get(ctx, ObjFQNameTable, "virtual_network", nil)
	require.NoError(t, err)
	require.Len(t, cols, 1)
}

func TestKVDriver_RemoveRow(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)
	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1", Column{Name: "a", Value: []byte("1")}, Column{Name: "b", Value: []byte("2")}))
	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u10", Column{Name: "a", Value: []byte("1")}))

	require.NoError(t, d.Remove(ctx, ObjUUIDTable, "u1", "a"))
	cols, err := d.Get(ctx, ObjUUIDTable, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names(cols))

	require.NoError(t, d.Remove(ctx, ObjUUIDTable, "u1"))
	cols, err = d.Get(ctx, ObjUUIDTable, "u1", nil)
	require.NoError(t, err)
	require.Empty(t, cols)

	// a row sharing the key prefix survives
	cols, err = d.Get(ctx, ObjUUIDTable, "u10", nil)
	require.NoError(t, err)
	require.Len(t, cols, 1)
}

func TestKVDriver_XGet(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)
	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "u1",
		Column{Name: "propm:m:a", Value: []byte("1")},
		Column{Name: "propm:m:b", Value: []byte("2")},
		Column{Name: "propm:n:a", Value: []byte("3")},
	))

	it := d.XGet(ctx, ObjUUIDTable, "u1", &SliceOption{Start: "propm:m:", Finish: "propm:m;"})
	defer it.Close()
	var got []string
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, c.Name)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"propm:m:a", "propm:m:b"}, got)

	it2 := d.XGet(ctx, ObjUUIDTable, "u1", &SliceOption{Columns: []string{"propm:n:a"}})
	c, ok := it2.Next()
	require.True(t, ok)
	require.Equal(t, "3", string(c.Value))
	_, ok = it2.Next()
	require.False(t, ok)
	it2.Close()
}

func TestKVDriver_Scan(t *testing.T) {
	ctx := context.TODO()
	d := newTestDriver(t)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, d.Insert(ctx, ObjUUIDTable, key,
			Column{Name: "type", Value: []byte("1")},
			Column{Name: "prop:x", Value: []byte("2")}))
	}
	require.NoError(t, d.Insert(ctx, ObjUUIDTable, "d", Column{Name: "prop:x", Value: []byte("2")}))

	rows := map[string]int{}
	err := d.Scan(ctx, ObjUUIDTable, &SliceOption{Columns: []string{"type", "fq_name"}}, func(key string, cols []Column) error {
		rows[key] = len(cols)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 0}, rows)

	stop := errors.New("stop")
	err = d.Scan(ctx, ObjUUIDTable, nil, func(key string, cols []Column) error { return stop })
	require.Equal(t, stop, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = d.Scan(cctx, ObjUUIDTable, nil, func(string, []Column) error { return nil })
	require.True(t, errors.Is(err, apierrors.ErrDatabaseUnavailable))
}

func TestSliceOption_Match(t *testing.T) {
	var nilOpt *SliceOption
	require.True(t, nilOpt.Match("x"))
	opt := &SliceOption{Start: "b", Finish: "d"}
	require.False(t, opt.Match("a"))
	require.True(t, opt.Match("b"))
	require.True(t, opt.Match("d"))
	require.False(t, opt.Match("da"))
	opt = &SliceOption{Columns: []string{"x"}, Start: "z"}
	require.True(t, opt.Match("x"))
	require.False(t, opt.Match("z"))
}

func TestClock(t *testing.T) {
	c := &Clock{}
	a := c.Reserve(10)
	b := c.Now()
	require.GreaterOrEqual(t, b, a+10)
}
