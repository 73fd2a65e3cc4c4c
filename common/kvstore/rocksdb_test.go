// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/cubefs/confdb/util"
	"github.com/stretchr/testify/require"
)

type testEg struct {
	engine Store
	path   string
	opt    *Option
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	var _opt *Option
	if opt != nil {
		_opt = opt
	} else {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	_opt.Sync = true
	engine, err := newRocksdb(ctx, path, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{
		engine: engine,
		path:   path,
		opt:    _opt,
	}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

// engines runs fn against every backend.
func engines(t *testing.T, fn func(t *testing.T, engine Store)) {
	ctx := context.TODO()
	t.Run("rocksdb", func(t *testing.T) {
		eg, err := newEngine(ctx, nil)
		require.NoError(t, err)
		defer eg.close()
		fn(t, eg.engine)
	})
	t.Run("memory", func(t *testing.T) {
		engine, err := NewKVStore(ctx, "", MemoryKVType, nil)
		require.NoError(t, err)
		defer engine.Close()
		fn(t, engine)
	})
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxBackgroundCompactions = 8
	opt.KeepLogFileNum = 10000
	opt.MaxLogFileSize = 1 << 30
	opt.ColumnFamily = []CF{"a", "b", "c"}
	opt.CompactionStyle = LevelStyle
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
	// open with wrong cf
	opt.ColumnFamily = []CF{"a", "b"}
	_, err = newRocksdb(ctx, path, opt)
	require.Error(t, err)

	_, err = NewKVStore(ctx, path, LsmKVType("leveldb"), opt)
	require.Equal(t, ErrKVTypeNotFound, err)
}

func TestInstance_CreateColumn(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		require.NoError(t, engine.CreateColumn("colA"))
		require.NoError(t, engine.CreateColumn("colA"))
		require.True(t, engine.CheckColumns("colA"))
		require.False(t, engine.CheckColumns("colB"))
		require.Contains(t, engine.GetAllColumns(), CF("colA"))

		_, err := engine.GetRaw(context.TODO(), "colB", []byte("k"))
		require.Equal(t, ErrColumnNotFound, err)
	})
}

func TestInstance_SetGetRaw(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		ctx := context.TODO()
		k := []byte("key1")
		v := []byte("value1")
		require.NoError(t, engine.SetRaw(ctx, defaultCF, k, v))
		v1, err := engine.GetRaw(ctx, defaultCF, k)
		require.NoError(t, err)
		require.Equal(t, v, v1)
		require.NoError(t, engine.Delete(ctx, defaultCF, k))
		_, err = engine.GetRaw(ctx, defaultCF, k)
		require.Equal(t, ErrNotFound, err)
	})
}

func TestWrite(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		ctx := context.TODO()
		col1 := CF("c1")
		require.NoError(t, engine.CreateColumn(col1))

		for i := 0; i < 5; i++ {
			keyStr := []byte(fmt.Sprintf("k%d", i))
			valStr := []byte(fmt.Sprintf("v%d", i))
			require.NoError(t, engine.SetRaw(ctx, col1, keyStr, valStr))
		}

		batch := engine.NewWriteBatch()
		defer batch.Close()
		batch.DeleteRange(col1, []byte("k0"), []byte("k3"))
		batch.Put(col1, []byte("k9"), []byte("v9"))
		batch.Delete(col1, []byte("k4"))
		require.Equal(t, 3, batch.Count())
		require.NoError(t, engine.Write(ctx, batch))
		for i := 0; i < 3; i++ {
			_, err := engine.GetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)))
			require.Equal(t, ErrNotFound, err)
		}
		v, err := engine.GetRaw(ctx, col1, []byte("k3"))
		require.NoError(t, err)
		require.Equal(t, []byte("v3"), v)
		_, err = engine.GetRaw(ctx, col1, []byte("k4"))
		require.Equal(t, ErrNotFound, err)
		v, err = engine.GetRaw(ctx, col1, []byte("k9"))
		require.NoError(t, err)
		require.Equal(t, []byte("v9"), v)
	})
}

func TestInstance_List(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		ctx := context.TODO()
		for _, kv := range [][2]string{
			{"key1", "value1"}, {"word1", "w1"}, {"key2", "value2"}, {"check", "0"},
			{"word2", "w2"}, {"key3", "value3"}, {"word3", "w3"}, {"xyz", "zyx"},
		} {
			require.NoError(t, engine.SetRaw(ctx, defaultCF, []byte(kv[0]), []byte(kv[1])))
		}

		ls := engine.List(ctx, defaultCF, []byte("word"), nil)
		ls.SeekTo([]byte("word2"))
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("word2"), k)
		require.Equal(t, []byte("w2"), v)
		k, _, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("word3"), k)
		k, _, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Nil(t, k)
		ls.Close()

		// prefix read
		ls = engine.List(ctx, defaultCF, []byte("key"), nil)
		i := 0
		for {
			k, v, err := ls.ReadNextCopy()
			require.NoError(t, err)
			if k == nil {
				break
			}
			i++
			require.Equal(t, []byte("key"+strconv.Itoa(i)), k)
			require.Equal(t, []byte("value"+strconv.Itoa(i)), v)
		}
		require.Equal(t, 3, i)
		ls.Close()

		// marker read
		ls = engine.List(ctx, defaultCF, []byte("key"), []byte("key2"))
		_, v, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("value2"), v)
		ls.Close()

		// full scan
		ls = engine.List(ctx, defaultCF, nil, nil)
		n := 0
		for {
			k, _, err := ls.ReadNextCopy()
			require.NoError(t, err)
			if k == nil {
				break
			}
			n++
		}
		require.Equal(t, 8, n)
		ls.Close()
	})
}

func TestInstance_ListIsolation(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		ctx := context.TODO()
		require.NoError(t, engine.SetRaw(ctx, defaultCF, []byte("a1"), []byte("1")))
		require.NoError(t, engine.SetRaw(ctx, defaultCF, []byte("a2"), []byte("2")))
		ls := engine.List(ctx, defaultCF, []byte("a"), nil)
		defer ls.Close()
		k, _, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("a1"), k)
		k, _, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("a2"), k)
	})
}

func TestInstance_Stats(t *testing.T) {
	engines(t, func(t *testing.T, engine Store) {
		ctx := context.TODO()
		require.NoError(t, engine.SetRaw(ctx, defaultCF, []byte("k"), []byte("v")))
		require.NoError(t, engine.FlushCF(ctx, defaultCF))
		_, err := engine.Stats(ctx)
		require.NoError(t, err)
	})
}
