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

package store

import (
	"net/url"
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// escapeComponent percent-encodes one name component. Letters, digits,
// "_.-~" as well as space and "=" are kept. The component separator ":" is
// always escaped so that decoding stays unambiguous.
func escapeComponent(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafe(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&15])
	}
	return sb.String()
}

func isSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_.-~ =", c) >= 0
}

// EncodeFQName turns a fully qualified name into the form used inside the
// fq name index.
func EncodeFQName(fq []string) string {
	parts := make([]string, len(fq))
	for i := range fq {
		parts[i] = escapeComponent(fq[i])
	}
	return strings.Join(parts, ":")
}

func DecodeFQName(s string) ([]string, error) {
	parts := strings.Split(s, ":")
	for i := range parts {
		p, err := url.PathUnescape(parts[i])
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}

func fqIndexColumn(fq []string, uuid string) string {
	return EncodeFQName(fq) + ":" + uuid
}

// splitFQIndexColumn splits an index column into the encoded name and the
// uuid suffix.
func splitFQIndexColumn(col string) (string, string) {
	i := strings.LastIndexByte(col, ':')
	if i < 0 {
		return "", col
	}
	return col[:i], col[i+1:]
}
