// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"context"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"nereid/internal/bitkey"
)

// Answerer produces the reply to an offer carried by an inbound FIND_NODE.
type Answerer interface {
	Answer(requestor bitkey.Key, offer Offer) ([]byte, error)
}

type AnswerFunc func(requestor bitkey.Key, offer Offer) ([]byte, error)

func (f AnswerFunc) Answer(requestor bitkey.Key, offer Offer) ([]byte, error) {
	return f(requestor, offer)
}

type handler func(from bitkey.Key, conn Conn, m Message)

const seenCacheSize = 4096

// Node is one dht participant. It owns the routing table and the live FIND_NODE
// sessions, both guarded by mu.
type Node struct {
	clock    clock.Clock
	answerer Answerer
	table    *RoutingTable
	sessions map[uint64]*session
	handlers map[string]handler
	limiter  *ratelimit.Bucket
	seen     *expirable.LRU[string, struct{}]
	metrics  *metrics
	log      zerolog.Logger
	opts     Options
	id       bitkey.Key
	seq      atomic.Uint64
	serial   uint64
	mu       sync.Mutex
	closed   bool
}

// New creates a node, answerer may be nil for a node that never answers FIND_NODE.
func New(opts Options, answerer Answerer) (*Node, error) {
	opts = opts.withDefaults()

	id, err := opts.validate()
	if err != nil {
		return nil, err
	}

	n := &Node{
		opts:     opts,
		id:       id,
		clock:    opts.Clock,
		answerer: answerer,
		table:    NewRoutingTable(id, opts.K, opts.VictimSelector),
		sessions: make(map[uint64]*session),
		seen:     expirable.NewLRU[string, struct{}](seenCacheSize, nil, 2*opts.FindNodeTimeout),
		log:      log.With().Str("node", id.Short()).Logger(),
	}

	if opts.RequestRate > 0 {
		burst := opts.RequestBurst
		if burst <= 0 {
			burst = max(1, int64(opts.RequestRate))
		}

		n.limiter = ratelimit.NewBucketWithRateAndClock(opts.RequestRate, burst, opts.Clock)
	}

	n.metrics = newMetrics(id.Short(), func() float64 {
		return float64(n.Len())
	})

	n.handlers = map[string]handler{
		OpFindNode: n.handleFindNode,
		OpLookup:   n.handleLookup,
		OpAnswer:   n.handleResponse,
		OpFound:    n.handleResponse,
	}

	return n, nil
}

func (n *Node) ID() bitkey.Key {
	return n.id
}

func (n *Node) Options() Options {
	return n.opts
}

func (n *Node) RegisterMetrics(reg prometheus.Registerer) error {
	return n.metrics.register(reg)
}

// InsertNode adds a peer reachable through conn to the routing table.
// With prune set its bucket is cut back to k entries right away.
func (n *Node) InsertNode(id bitkey.Key, conn Conn, prune bool) error {
	if id.Len() != n.opts.B {
		return &bitkey.LengthError{Want: n.opts.B, Got: id.Len()}
	}

	if id == n.id {
		return ErrSelfKey
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}

	remote := NewRemoteNode(n.id, id, conn, n.opts.Channel, 2*n.opts.FindNodeTimeout, &n.seq)

	evicted, err := n.table.Insert(&Entry{ID: id, Remote: remote}, prune)
	if err != nil {
		return err
	}

	for _, e := range evicted {
		n.metrics.evictions.Inc()
		n.log.Debug().Str("peer", e.ID.Short()).Msg("evicted from full bucket")
	}

	return nil
}

// RemoveNode drops the peer and closes its connection.
func (n *Node) RemoveNode(id bitkey.Key) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.table.Remove(id)
}

func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.table.Len()
}

func (n *Node) Buckets() []BucketInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.table.Buckets()
}

func (n *Node) Peers() []bitkey.Key {
	n.mu.Lock()
	defer n.mu.Unlock()

	return lo.Map(n.table.All(), func(e *Entry, _ int) bitkey.Key {
		return e.ID
	})
}

func (n *Node) remote(id bitkey.Key) *RemoteNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.table.Get(id)
	if e == nil {
		return nil
	}

	return e.Remote
}

// FindNode asks peer to run a FIND_NODE search for target with our offers and waits
// for the answers it collected.
//
// The peer reports within its own FindNodeTimeout, FindNode gives up with ErrTimeout
// after twice that, or earlier when ctx is done.
func (n *Node) FindNode(ctx context.Context, peer, target bitkey.Key, offers []Offer) ([]Answer, error) {
	if target.Len() != n.opts.B {
		return nil, &bitkey.LengthError{Want: n.opts.B, Got: target.Len()}
	}

	r := n.remote(peer)
	if r == nil {
		return nil, ErrUnknownPeer
	}

	done := make(chan []Answer, 1)

	err := r.SendLookup(target, offers, func(answers []Answer) {
		done <- answers
	})
	if err != nil {
		return nil, err
	}

	deadline := n.clock.Timer(2 * n.opts.FindNodeTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, ErrTimeout
	case answers := <-done:
		return answers, nil
	}
}

// HandleMessage is called by the transport for every message received from a peer.
// Messages on other channels, undecodable data and unknown ops are dropped.
func (n *Node) HandleMessage(from bitkey.Key, conn Conn, label string, data []byte) {
	if label != n.opts.Channel {
		return
	}

	m, err := DecodeMessage(data)
	if err != nil {
		n.drop(dropMalformed, from, err)
		return
	}

	h, ok := n.handlers[m.Op]
	if !ok {
		n.log.Debug().Str("from", from.Short()).Str("op", m.Op).Msg("unknown dht op")
		n.metrics.dropped.WithLabelValues(dropUnknownOp).Inc()
		return
	}

	h(from, conn, m)
}

func (n *Node) handleFindNode(from bitkey.Key, conn Conn, m Message) {
	if !n.allowRequest(from, m) {
		return
	}

	if n.answerer == nil {
		n.metrics.dropped.WithLabelValues(dropNoAnswerer).Inc()
		return
	}

	if _, err := bitkey.FromHex(m.Key, n.opts.B); err != nil {
		n.drop(dropMalformed, from, err)
		return
	}

	requestor := from
	if m.From != "" {
		k, err := bitkey.FromHex(m.From, n.opts.B)
		if err != nil {
			n.drop(dropMalformed, from, err)
			return
		}

		requestor = k
	}

	// answering may wait on connection setup, keep the transport's receive loop free.
	go n.answer(from, conn, requestor, m)
}

func (n *Node) answer(from bitkey.Key, conn Conn, requestor bitkey.Key, m Message) {
	answer, err := n.answerer.Answer(requestor, Offer(m.Offer))
	if err != nil {
		n.log.Debug().Err(err).Str("requestor", requestor.Short()).Msg("failed to answer offer")
		return
	}

	n.reply(from, conn, Message{
		Op:     OpAnswer,
		To:     requestor.Hex(),
		From:   n.id.Hex(),
		Answer: string(answer),
		Idx:    m.Idx,
	})
}

func (n *Node) handleLookup(from bitkey.Key, conn Conn, m Message) {
	if !n.allowRequest(from, m) {
		return
	}

	target, err := bitkey.FromHex(m.Key, n.opts.B)
	if err != nil {
		n.drop(dropMalformed, from, err)
		return
	}

	err = n.ReceiveFindNodeRequest(target, from, decodeOffers(m.Offers), func(answers []Answer) {
		n.reply(from, conn, Message{
			Op:      OpFound,
			To:      from.Hex(),
			From:    n.id.Hex(),
			Answers: encodeAnswers(answers),
			Idx:     m.Idx,
		})
	})
	if err != nil {
		n.log.Debug().Err(err).Str("from", from.Short()).Msg("failed to start lookup")
	}
}

func (n *Node) handleResponse(from bitkey.Key, _ Conn, m Message) {
	r := n.remote(from)
	if r == nil {
		n.metrics.dropped.WithLabelValues(dropUnknownPeer).Inc()
		return
	}

	if !r.HandleResponse(m) {
		n.metrics.dropped.WithLabelValues(dropLate).Inc()
	}
}

// allowRequest filters retransmitted requests, then charges the rate limit.
// A rate limited request is not remembered, so a later retry can still go through.
func (n *Node) allowRequest(from bitkey.Key, m Message) bool {
	key := from.Hex() + "/" + m.Op + "/" + strconv.FormatUint(m.Idx, 10)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.seen.Contains(key) {
		n.metrics.dropped.WithLabelValues(dropDuplicate).Inc()
		return false
	}

	if n.limiter != nil && n.limiter.TakeAvailable(1) == 0 {
		n.metrics.dropped.WithLabelValues(dropRateLimited).Inc()
		return false
	}

	n.seen.Add(key, struct{}{})

	return true
}

func (n *Node) reply(to bitkey.Key, conn Conn, m Message) {
	if conn == nil {
		r := n.remote(to)
		if r == nil {
			n.metrics.dropped.WithLabelValues(dropUnknownPeer).Inc()
			return
		}

		conn = r.Conn()
	}

	data, err := m.Encode()
	if err != nil {
		n.log.Error().Err(err).Str("op", m.Op).Msg("failed to encode reply")
		return
	}

	if err := conn.Send(n.opts.Channel, data); err != nil {
		n.metrics.sendFailures.Inc()
		n.log.Trace().Err(err).Str("to", to.Short()).Str("op", m.Op).Msg("failed to send reply")
	}
}

func (n *Node) drop(reason string, from bitkey.Key, err error) {
	n.metrics.dropped.WithLabelValues(reason).Inc()
	n.log.Trace().Err(err).Str("from", from.Short()).Str("reason", reason).Msg("dropped message")
}

// Close resolves the searches still collecting with what they have, then closes every
// peer connection.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}

	n.closed = true

	entries := n.table.All()
	n.table.Reset()

	sessions := lo.Values(n.sessions)
	clear(n.sessions)
	n.mu.Unlock()

	for _, s := range sessions {
		s.timer.Stop()
		n.deliver(s, resultClosed)
	}

	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.Remote.Close())
	}

	return err
}
