// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"time"

	"github.com/benbjohnson/clock"

	"nereid/internal/bitkey"
)

// session is one FIND_NODE search. It lives in Node.sessions while collecting,
// whoever removes it from the map owns the delivery.
type session struct {
	started   time.Time
	timer     *clock.Timer
	callback  func([]Answer)
	target    bitkey.Key
	requestor bitkey.Key
	results   []Answer
	serial    uint64
	contacted int
}

// ReceiveFindNodeRequest runs a FIND_NODE search for findKey on behalf of requestorKey.
//
// Up to k peers closest to findKey are contacted, one offer each, never the requestor
// itself. callback runs exactly once with the answers in arrival order: as soon as k
// answers arrived or every contacted peer answered, when FindNodeTimeout expires, or
// right away when there is no peer to ask. Peers that don't answer are left out.
func (n *Node) ReceiveFindNodeRequest(findKey, requestorKey bitkey.Key, offers []Offer, callback func([]Answer)) error {
	if findKey.Len() != n.opts.B {
		return &bitkey.LengthError{Want: n.opts.B, Got: findKey.Len()}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}

	n.serial++
	s := &session{
		serial:    n.serial,
		target:    findKey,
		requestor: requestorKey,
		callback:  callback,
		started:   n.clock.Now(),
	}

	candidates := n.table.Candidates(findKey, min(n.opts.K, len(offers)), requestorKey)
	s.contacted = len(candidates)

	if s.contacted == 0 {
		n.mu.Unlock()
		n.deliver(s, resultEmpty)
		return nil
	}

	n.sessions[s.serial] = s
	s.timer = n.clock.AfterFunc(n.opts.FindNodeTimeout, func() {
		n.expire(s.serial)
	})
	n.mu.Unlock()

	n.log.Trace().
		Uint64("serial", s.serial).
		Str("target", findKey.Short()).
		Int("contacted", s.contacted).
		Msg("find_node started")

	for i, e := range candidates {
		serial := s.serial
		err := e.Remote.SendFindNodeRequest(findKey, requestorKey, offers[i], func(a Answer) {
			n.onAnswer(serial, a)
		})

		n.metrics.contacted.Inc()

		if err != nil {
			n.metrics.sendFailures.Inc()
			n.log.Trace().Err(err).Str("peer", e.ID.Short()).Msg("failed to send find_node")
		}
	}

	return nil
}

func (n *Node) onAnswer(serial uint64, a Answer) {
	n.metrics.answers.Inc()

	n.mu.Lock()
	s, ok := n.sessions[serial]
	if !ok {
		n.mu.Unlock()
		n.metrics.dropped.WithLabelValues(dropLate).Inc()
		n.log.Trace().Uint64("serial", serial).Str("from", a.From.Short()).Msg("answer for resolved find_node")
		return
	}

	s.results = append(s.results, a)
	if len(s.results) < n.opts.K && len(s.results) < s.contacted {
		n.mu.Unlock()
		return
	}

	delete(n.sessions, serial)
	s.timer.Stop()
	n.mu.Unlock()

	n.deliver(s, resultComplete)
}

func (n *Node) expire(serial uint64) {
	n.mu.Lock()
	s, ok := n.sessions[serial]
	if !ok {
		n.mu.Unlock()
		return
	}

	delete(n.sessions, serial)
	n.mu.Unlock()

	n.deliver(s, resultTimeout)
}

// deliver must only be called by the path that removed s from n.sessions.
func (n *Node) deliver(s *session, result string) {
	n.metrics.lookups.WithLabelValues(result).Inc()
	n.metrics.lookupDuration.Observe(n.clock.Since(s.started).Seconds())

	n.log.Debug().
		Uint64("serial", s.serial).
		Str("target", s.target.Short()).
		Str("result", result).
		Int("contacted", s.contacted).
		Int("answers", len(s.results)).
		Msg("find_node resolved")

	results := s.results
	if results == nil {
		results = []Answer{}
	}

	if s.callback != nil {
		s.callback(results)
	}
}

// Sessions returns how many FIND_NODE searches are still collecting.
func (n *Node) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.sessions)
}
