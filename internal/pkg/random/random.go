// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package random

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

var readers = sync.Pool{
	New: func() any {
		return bufio.NewReader(rand.Reader)
	},
}

const base64URLSafeChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// URLSafeStr generate a cryptographically secure url safe string in given length.
// entropy = 64^size
func URLSafeStr(size int) string {
	r := Bytes(size)

	for i, rb := range r {
		// len(base64URLSafeChars) == 64, so it's not bias
		r[i] = base64URLSafeChars[rb%64]
	}

	return string(r)
}

// Bytes generate cryptographically secure random bytes, used for node ids.
// Will panic if it can't read from 'crypto/rand'.
func Bytes(size int) []byte {
	reader := readers.Get().(*bufio.Reader) //nolint:forcetypeassert
	defer readers.Put(reader)

	r := make([]byte, size)
	_, err := io.ReadFull(reader, r)
	if err != nil {
		panic(fmt.Sprintf("unexpected error happened when reading from crypto/rand %+v", err))
	}

	return r
}
