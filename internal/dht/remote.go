// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trim21/errgo"
	"go.uber.org/atomic"

	"nereid/internal/bitkey"
)

// Conn is the part of a peer connection the dht needs,
// a message sent on a named data channel.
type Conn interface {
	Send(label string, data []byte) error
	Close() error
}

// RemoteNode is one known peer. Requests sent through it carry a fresh correlation
// index, the matching response resolves the registered continuation at most once.
type RemoteNode struct {
	conn    Conn
	pending *ttlcache.Cache[uint64, func(Message)]
	log     zerolog.Logger
	label   string
	id      bitkey.Key
	self    bitkey.Key
	seq     *atomic.Uint64
	closed  atomic.Bool
}

// NewRemoteNode wraps conn. Continuations that are never answered are forgotten after ttl.
//
// Correlation indexes are drawn from seq. Handles created for the same local node must
// share one counter, the receiving side drops a repeated (sender, op, index) as a
// duplicate. A nil seq gives the handle its own counter.
func NewRemoteNode(self, id bitkey.Key, conn Conn, label string, ttl time.Duration, seq *atomic.Uint64) *RemoteNode {
	if seq == nil {
		seq = atomic.NewUint64(0)
	}

	return &RemoteNode{
		seq:   seq,
		id:    id,
		self:  self,
		conn:  conn,
		label: label,
		pending: ttlcache.New[uint64, func(Message)](
			ttlcache.WithTTL[uint64, func(Message)](ttl),
			ttlcache.WithDisableTouchOnHit[uint64, func(Message)](),
		),
		log: log.With().Str("self", self.Short()).Str("peer", id.Short()).Logger(),
	}
}

func (r *RemoteNode) ID() bitkey.Key {
	return r.id
}

func (r *RemoteNode) Conn() Conn {
	return r.conn
}

// Pending returns how many requests are waiting for a response.
func (r *RemoteNode) Pending() int {
	r.pending.DeleteExpired()
	return r.pending.Len()
}

// SendFindNodeRequest asks the peer to answer offer on behalf of requestor.
// fn runs at most once, with the peer's answer.
func (r *RemoteNode) SendFindNodeRequest(target, requestor bitkey.Key, offer Offer, fn func(Answer)) error {
	m := Message{
		Op:    OpFindNode,
		Key:   target.Hex(),
		From:  requestor.Hex(),
		Offer: string(offer),
	}

	return r.send(m, func(resp Message) {
		if resp.Op != OpAnswer {
			r.log.Trace().Str("op", resp.Op).Msg("unexpected response to find_node")
			return
		}

		a, err := resp.answer(target.Len())
		if err != nil {
			r.log.Trace().Err(err).Msg("malformed answer")
			return
		}

		if a.From != r.id {
			r.log.Trace().Str("from", a.From.Short()).Msg("answer from a different node")
			return
		}

		fn(a)
	})
}

// SendLookup asks the peer to run a FIND_NODE lookup for target with our offers.
// fn runs at most once, with the answers the peer collected.
func (r *RemoteNode) SendLookup(target bitkey.Key, offers []Offer, fn func([]Answer)) error {
	m := Message{
		Op:     OpLookup,
		Key:    target.Hex(),
		Offers: encodeOffers(offers),
	}

	return r.send(m, func(resp Message) {
		if resp.Op != OpFound {
			r.log.Trace().Str("op", resp.Op).Msg("unexpected response to lookup")
			return
		}

		answers := make([]Answer, 0, len(resp.Answers))
		for _, w := range resp.Answers {
			a, err := w.decode(target.Len())
			if err != nil {
				r.log.Trace().Err(err).Msg("malformed answer in lookup result")
				continue
			}

			answers = append(answers, a)
		}

		fn(answers)
	})
}

func (r *RemoteNode) send(m Message, fn func(Message)) error {
	if r.closed.Load() {
		return ErrClosed
	}

	r.pending.DeleteExpired()

	m.Idx = r.seq.Inc()

	data, err := m.Encode()
	if err != nil {
		return err
	}

	r.pending.Set(m.Idx, fn, ttlcache.DefaultTTL)

	if err := r.conn.Send(r.label, data); err != nil {
		r.pending.Delete(m.Idx)
		return errgo.Wrap(err, "failed to send "+m.Op)
	}

	r.log.Trace().Str("op", m.Op).Uint64("idx", m.Idx).Msg("sent")

	return nil
}

// HandleResponse resolves the continuation registered for m.Idx.
// It returns false when nothing was waiting for it.
func (r *RemoteNode) HandleResponse(m Message) bool {
	item, ok := r.pending.GetAndDelete(m.Idx)
	if !ok {
		r.log.Trace().Str("op", m.Op).Uint64("idx", m.Idx).Msg("no pending request for response")
		return false
	}

	item.Value()(m)

	return true
}

// Close releases the connection, calling it more than once is fine.
func (r *RemoteNode) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.pending.DeleteAll()

	if r.conn == nil {
		return nil
	}

	if err := r.conn.Close(); err != nil {
		return errgo.Wrap(err, "failed to close connection to "+r.id.Short())
	}

	return nil
}

func (r *RemoteNode) Closed() bool {
	return r.closed.Load()
}
