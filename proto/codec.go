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

package proto

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// Codec is the json configuration used for every column value. Numbers are
// kept as json.Number so integers survive a round trip unchanged.
var Codec = jsoniter.Config{
	UseNumber:              true,
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

var NullValue = []byte("null")

func Marshal(v interface{}) ([]byte, error) {
	return Codec.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return Codec.Unmarshal(data, v)
}

// Decode unmarshals a column value into its generic form.
func Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := Codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// Normalize converts an arbitrary value, typed structs included, into the
// generic form produced by Decode.
func Normalize(v interface{}) (interface{}, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, e := range val {
			val[k] = normalize(e)
		}
		return Object(val)
	case []interface{}:
		for i, e := range val {
			val[i] = normalize(e)
		}
		return val
	}
	return v
}

// Int converts the numeric shapes an object may hold into an int64.
func Int(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// Equal reports whether two values encode to the same json document.
func Equal(a, b interface{}) bool {
	da, err := Marshal(a)
	if err != nil {
		return false
	}
	db, err := Marshal(b)
	if err != nil {
		return false
	}
	return string(da) == string(db)
}
