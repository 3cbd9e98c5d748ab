// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package memnet is an in-process network for dht nodes. Messages are delivered
// asynchronously on a worker pool, optionally delayed or dropped.
//
// Sending never blocks. When every worker is busy the message is refused with
// ErrOverloaded, handlers run on the workers and send from there.
package memnet

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trim21/errgo"
	"go.uber.org/atomic"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
)

var ErrUnreachable = errors.New("memnet: peer is not on the network")
var ErrDuplicateID = errors.New("memnet: id already joined")
var ErrConnClosed = errors.New("memnet: connection closed")
var ErrOverloaded = errors.New("memnet: every delivery worker is busy")

// Handler receives every message sent to an endpoint, *dht.Node implements it.
type Handler interface {
	HandleMessage(from bitkey.Key, conn dht.Conn, label string, data []byte)
}

type Option func(*Network)

// WithLatency delays every delivery by d.
func WithLatency(d time.Duration) Option {
	return func(n *Network) {
		n.latency = d
	}
}

// WithDropRate silently drops each message with probability p.
func WithDropRate(p float64) Option {
	return func(n *Network) {
		n.dropRate = p
	}
}

// WithPoolSize bounds how many messages are handled at once, 64 by default.
func WithPoolSize(size int) Option {
	return func(n *Network) {
		n.poolSize = size
	}
}

type Network struct {
	pool      *ants.Pool
	endpoints *xsync.MapOf[bitkey.Key, *Endpoint]
	log       zerolog.Logger
	latency   time.Duration
	dropRate  float64
	poolSize  int
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	overloaded atomic.Uint64
}

func New(options ...Option) (*Network, error) {
	n := &Network{
		endpoints: xsync.NewMapOf[bitkey.Key, *Endpoint](),
		poolSize:  64,
		log:       log.With().Str("transport", "memnet").Logger(),
	}

	for _, o := range options {
		o(n)
	}

	pool, err := ants.NewPool(n.poolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			n.log.Error().Interface("panic", v).Msg("message handler panicked")
		}),
	)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to create worker pool")
	}

	n.pool = pool

	return n, nil
}

// Join attaches a handler for id.
func (n *Network) Join(id bitkey.Key, h Handler) (*Endpoint, error) {
	e := &Endpoint{net: n, id: id, handler: h}

	if _, loaded := n.endpoints.LoadOrStore(id, e); loaded {
		return nil, ErrDuplicateID
	}

	return e, nil
}

func (n *Network) Leave(id bitkey.Key) {
	n.endpoints.Delete(id)
}

func (n *Network) Len() int {
	return n.endpoints.Size()
}

type Stats struct {
	Delivered uint64
	// lost to the configured drop rate.
	Dropped uint64
	// refused because the pool was saturated.
	Overloaded uint64
	Running    int
}

func (n *Network) Stats() Stats {
	return Stats{
		Delivered:  n.delivered.Load(),
		Dropped:    n.dropped.Load(),
		Overloaded: n.overloaded.Load(),
		Running:    n.pool.Running(),
	}
}

// Close stops the worker pool, messages still queued are lost.
func (n *Network) Close() {
	n.pool.Release()
}

func (n *Network) deliver(from bitkey.Key, to *Endpoint, label string, data []byte) error {
	if n.dropRate > 0 && rand.Float64() < n.dropRate {
		n.dropped.Inc()
		return nil
	}

	reply := &Conn{net: n, from: to.id, to: from}
	task := func() {
		n.delivered.Inc()
		to.handler.HandleMessage(from, reply, label, data)
	}

	if n.latency <= 0 {
		return n.submit(task)
	}

	time.AfterFunc(n.latency, func() {
		if err := n.submit(task); err != nil {
			n.log.Debug().Err(err).Msg("failed to deliver delayed message")
		}
	})

	return nil
}

func (n *Network) submit(task func()) error {
	err := n.pool.Submit(task)
	if err == nil {
		return nil
	}

	if errors.Is(err, ants.ErrPoolOverload) {
		n.overloaded.Inc()
		return ErrOverloaded
	}

	return errgo.Wrap(err, "failed to schedule delivery")
}

// Endpoint is one node's attachment to the network.
type Endpoint struct {
	net     *Network
	handler Handler
	id      bitkey.Key
}

func (e *Endpoint) ID() bitkey.Key {
	return e.id
}

// Dial returns a connection to a joined peer.
func (e *Endpoint) Dial(to bitkey.Key) (*Conn, error) {
	if _, ok := e.net.endpoints.Load(to); !ok {
		return nil, ErrUnreachable
	}

	return &Conn{net: e.net, from: e.id, to: to}, nil
}

// Conn sends to one peer, it implements dht.Conn.
type Conn struct {
	net    *Network
	from   bitkey.Key
	to     bitkey.Key
	closed atomic.Bool
}

func (c *Conn) Peer() bitkey.Key {
	return c.to
}

func (c *Conn) Send(label string, data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	dst, ok := c.net.endpoints.Load(c.to)
	if !ok {
		return ErrUnreachable
	}

	return c.net.deliver(c.from, dst, label, append([]byte(nil), data...))
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

var errMalformedOffer = errors.New("memnet: malformed offer")
var errForeignOffer = errors.New("memnet: offer was made by another node")
