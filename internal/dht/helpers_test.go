// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
)

// fakeConn records every message sent through it.
type fakeConn struct {
	err    error
	onSend func(label string, m dht.Message)
	sent   []dht.Message
	labels []string
	closed int
	mu     sync.Mutex
}

func (c *fakeConn) Send(label string, data []byte) error {
	if c.err != nil {
		return c.err
	}

	m, err := dht.DecodeMessage(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.labels = append(c.labels, label)
	fn := c.onSend
	c.mu.Unlock()

	if fn != nil {
		fn(label, m)
	}

	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++
	return nil
}

func (c *fakeConn) Sent() []dht.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]dht.Message(nil), c.sent...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func key(t *testing.T, s string) bitkey.Key {
	t.Helper()

	k, err := bitkey.ParseHex(s)
	require.NoError(t, err)

	return k
}

func newNode(t *testing.T, id string, opts dht.Options) *dht.Node {
	t.Helper()

	opts.ID = id
	if opts.B == 0 {
		opts.B = len(id) * 4
	}

	n, err := dht.New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	return n
}

func newMockNode(t *testing.T, id string) (*dht.Node, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()

	return newNode(t, id, dht.Options{Clock: mock, FindNodeTimeout: 500 * time.Millisecond}), mock
}

// answerFor builds the reply a peer sends to a FIND_NODE request.
func answerFor(t *testing.T, peer bitkey.Key, req dht.Message, payload string) []byte {
	t.Helper()

	data, err := dht.Message{
		Op:     dht.OpAnswer,
		To:     req.From,
		From:   peer.Hex(),
		Answer: payload,
		Idx:    req.Idx,
	}.Encode()
	require.NoError(t, err)

	return data
}

func encode(t *testing.T, m dht.Message) []byte {
	t.Helper()

	data, err := m.Encode()
	require.NoError(t, err)

	return data
}

func offers(s ...string) []dht.Offer {
	out := make([]dht.Offer, len(s))
	for i, o := range s {
		out[i] = dht.Offer(o)
	}

	return out
}
