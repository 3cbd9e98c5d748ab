// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package swarm runs many dht nodes in one process, connected through memnet.
package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/trim21/errgo"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"nereid/internal/bitkey"
	"nereid/internal/config"
	"nereid/internal/dht"
	"nereid/internal/transport/memnet"
)

var ErrUnknownNode = errors.New("swarm: no such node")

type Swarm struct {
	network *memnet.Network
	byID    map[bitkey.Key]*dht.Node
	eps     map[bitkey.Key]*memnet.Endpoint
	nodes   []*dht.Node
	bits    int
}

// New creates cfg.Sim.Nodes nodes with random ids, cfg.DHT.ID is used for the first
// one when set. Metrics of every node are registered to reg unless it's nil.
func New(cfg config.Config, reg prometheus.Registerer) (*Swarm, error) {
	network, err := memnet.New(
		memnet.WithLatency(time.Duration(cfg.Sim.Latency)),
		memnet.WithDropRate(cfg.Sim.DropRate),
	)
	if err != nil {
		return nil, err
	}

	bits := cfg.DHT.B
	if bits == 0 {
		bits = dht.DefaultB
	}

	s := &Swarm{
		network: network,
		bits:    bits,
		byID:    make(map[bitkey.Key]*dht.Node, cfg.Sim.Nodes),
		eps:     make(map[bitkey.Key]*memnet.Endpoint, cfg.Sim.Nodes),
	}

	for i := 0; i < cfg.Sim.Nodes; i++ {
		var id bitkey.Key
		if i == 0 && cfg.DHT.ID != "" {
			id, err = bitkey.FromHex(cfg.DHT.ID, bits)
			if err != nil {
				_ = s.Close()
				return nil, errgo.Wrap(err, "dht.id")
			}
		} else {
			id = s.newID()
		}

		if err := s.add(id, cfg.DHT.Options(), reg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Swarm) newID() bitkey.Key {
	for {
		id := bitkey.Random(s.bits)
		if _, ok := s.byID[id]; !ok && !id.IsZero() {
			return id
		}
	}
}

func (s *Swarm) add(id bitkey.Key, opts dht.Options, reg prometheus.Registerer) error {
	opts.ID = id.Hex()
	opts.B = s.bits

	n, err := dht.New(opts, memnet.Answerer(id))
	if err != nil {
		return err
	}

	if reg != nil {
		if err := n.RegisterMetrics(reg); err != nil {
			_ = n.Close()
			return errgo.Wrap(err, "failed to register metrics of "+id.Short())
		}
	}

	ep, err := s.network.Join(id, n)
	if err != nil {
		_ = n.Close()
		return err
	}

	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	s.eps[id] = ep

	return nil
}

// Link makes a and b know each other.
func (s *Swarm) Link(a, b bitkey.Key) error {
	na, ok := s.byID[a]
	if !ok {
		return ErrUnknownNode
	}

	nb, ok := s.byID[b]
	if !ok {
		return ErrUnknownNode
	}

	ab, err := s.eps[a].Dial(b)
	if err != nil {
		return err
	}

	ba, err := s.eps[b].Dial(a)
	if err != nil {
		return err
	}

	return multierr.Combine(na.InsertNode(b, ab, true), nb.InsertNode(a, ba, true))
}

// Seed links every node with `peers` random other nodes.
func (s *Swarm) Seed(peers int) error {
	ids := lo.Keys(s.byID)

	for _, id := range ids {
		others := lo.Without(ids, id)
		for _, peer := range lo.Samples(others, peers) {
			if err := s.Link(id, peer); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Swarm) Nodes() []*dht.Node {
	return s.nodes
}

func (s *Swarm) Node(id bitkey.Key) *dht.Node {
	return s.byID[id]
}

func (s *Swarm) Bits() int {
	return s.bits
}

func (s *Swarm) Network() *memnet.Network {
	return s.network
}

// Lookup asks `via`, a peer of `from`, to find nodes close to target using `offers`
// fresh offers of `from`.
func (s *Swarm) Lookup(ctx context.Context, from, via, target bitkey.Key, offers int) ([]dht.Answer, error) {
	n, ok := s.byID[from]
	if !ok {
		return nil, ErrUnknownNode
	}

	return n.FindNode(ctx, via, target, memnet.NewOffers(from, offers))
}

type LookupResult struct {
	Err      error
	Answers  []dht.Answer
	From     bitkey.Key
	Via      bitkey.Key
	Target   bitkey.Key
	Duration time.Duration
}

// RandomLookups runs count lookups for random targets, each from a random node through
// a random peer of it, at most `parallel` at once.
func (s *Swarm) RandomLookups(ctx context.Context, count, parallel, offers int) []LookupResult {
	results := make([]LookupResult, count)

	var w conc.WaitGroup
	var sem = semaphore.NewWeighted(int64(max(parallel, 1)))

	for i := range results {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}

		w.Go(func() {
			defer sem.Release(1)
			results[i] = s.randomLookup(ctx, offers)
		})
	}

	w.Wait()

	return results
}

func (s *Swarm) randomLookup(ctx context.Context, offers int) LookupResult {
	n := lo.Sample(s.nodes)
	r := LookupResult{From: n.ID(), Target: bitkey.Random(s.bits)}

	peers := n.Peers()
	if len(peers) == 0 {
		r.Err = dht.ErrUnknownPeer
		return r
	}

	r.Via = lo.Sample(peers)

	start := time.Now()
	r.Answers, r.Err = s.Lookup(ctx, r.From, r.Via, r.Target, offers)
	r.Duration = time.Since(start)

	if r.Err != nil {
		log.Debug().Err(r.Err).Str("from", r.From.Short()).Msg("lookup failed")
	}

	return r
}

func (s *Swarm) Close() error {
	var err error
	for _, n := range s.nodes {
		err = multierr.Append(err, n.Close())
	}

	s.network.Close()

	return err
}
