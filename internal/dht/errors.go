// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"errors"
	"fmt"
)

var ErrSelfKey = errors.New("key is the local node id")
var ErrUnknownPeer = errors.New("peer is not in routing table")
var ErrClosed = errors.New("dht: use of closed node")
var ErrTimeout = errors.New("dht: peer did not report lookup result in time")

// ConfigError is returned by New when Options can't be used to build a node.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid dht option %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
