// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package memnet_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
	"nereid/internal/transport/memnet"
)

type recorder struct {
	ch chan string
}

func (r recorder) HandleMessage(from bitkey.Key, conn dht.Conn, label string, data []byte) {
	r.ch <- from.Hex() + "/" + label + "/" + string(data)
	if label == "dht" {
		_ = conn.Send("reply", data)
	}
}

func newNetwork(t *testing.T, options ...memnet.Option) *memnet.Network {
	t.Helper()

	n, err := memnet.New(options...)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	return n
}

func TestSendAndReply(t *testing.T) {
	t.Parallel()

	network := newNetwork(t)

	a := bitkey.MustParseHex("0a")
	b := bitkey.MustParseHex("0b")

	aMessages := recorder{ch: make(chan string, 1)}
	bMessages := recorder{ch: make(chan string, 1)}

	ea, err := network.Join(a, aMessages)
	require.NoError(t, err)
	_, err = network.Join(b, bMessages)
	require.NoError(t, err)

	_, err = network.Join(a, aMessages)
	require.ErrorIs(t, err, memnet.ErrDuplicateID)

	conn, err := ea.Dial(b)
	require.NoError(t, err)
	require.Equal(t, b, conn.Peer())

	require.NoError(t, conn.Send("dht", []byte("hello")))

	require.Equal(t, "0a/dht/hello", <-bMessages.ch)
	require.Equal(t, "0b/reply/hello", <-aMessages.ch)

	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Send("dht", nil), memnet.ErrConnClosed)

	network.Leave(b)
	_, err = ea.Dial(b)
	require.ErrorIs(t, err, memnet.ErrUnreachable)
	require.Equal(t, 1, network.Len())
}

func TestDropAll(t *testing.T) {
	t.Parallel()

	network := newNetwork(t, memnet.WithDropRate(1))

	a := bitkey.MustParseHex("0a")
	b := bitkey.MustParseHex("0b")

	ea, err := network.Join(a, recorder{ch: make(chan string, 1)})
	require.NoError(t, err)
	received := recorder{ch: make(chan string, 1)}
	_, err = network.Join(b, received)
	require.NoError(t, err)

	conn, err := ea.Dial(b)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.Send("dht", []byte("x")))
	}

	require.EqualValues(t, 10, network.Stats().Dropped)
	require.Empty(t, received.ch)
}

func TestLatency(t *testing.T) {
	t.Parallel()

	network := newNetwork(t, memnet.WithLatency(20*time.Millisecond))

	a := bitkey.MustParseHex("0a")
	b := bitkey.MustParseHex("0b")

	ea, err := network.Join(a, recorder{ch: make(chan string, 1)})
	require.NoError(t, err)
	received := recorder{ch: make(chan string, 1)}
	_, err = network.Join(b, received)
	require.NoError(t, err)

	conn, err := ea.Dial(b)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, conn.Send("dht", []byte("x")))
	<-received.ch
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAnswerer(t *testing.T) {
	t.Parallel()

	requestor := bitkey.MustParseHex("0a")
	responder := bitkey.MustParseHex("0b")

	offers := memnet.NewOffers(requestor, 2)
	require.Len(t, offers, 2)
	require.NotEqual(t, offers[0], offers[1])

	answer, err := memnet.Answerer(responder).Answer(requestor, offers[0])
	require.NoError(t, err)

	nonce := string(offers[0])[strings.LastIndexByte(string(offers[0]), ':')+1:]
	require.Equal(t, "answer:0b:"+nonce, string(answer))

	_, err = memnet.Answerer(responder).Answer(responder, offers[0])
	require.Error(t, err)

	_, err = memnet.Answerer(responder).Answer(requestor, dht.Offer("garbage"))
	require.Error(t, err)
}

type swarm struct {
	network *memnet.Network
	nodes   map[bitkey.Key]*dht.Node
	eps     map[bitkey.Key]*memnet.Endpoint
}

func newSwarm(t *testing.T, ids ...string) *swarm {
	t.Helper()

	return newSwarmOn(t, newNetwork(t), time.Second, ids...)
}

func newSwarmOn(t *testing.T, network *memnet.Network, timeout time.Duration, ids ...string) *swarm {
	t.Helper()

	s := &swarm{
		network: network,
		nodes:   map[bitkey.Key]*dht.Node{},
		eps:     map[bitkey.Key]*memnet.Endpoint{},
	}

	for _, id := range ids {
		k := bitkey.MustParseHex(id)

		n, err := dht.New(dht.Options{ID: id, B: k.Len(), FindNodeTimeout: timeout}, memnet.Answerer(k))
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })

		ep, err := s.network.Join(k, n)
		require.NoError(t, err)

		s.nodes[k] = n
		s.eps[k] = ep
	}

	return s
}

func (s *swarm) link(t *testing.T, a, b string) {
	t.Helper()

	ka := bitkey.MustParseHex(a)
	kb := bitkey.MustParseHex(b)

	ab, err := s.eps[ka].Dial(kb)
	require.NoError(t, err)
	ba, err := s.eps[kb].Dial(ka)
	require.NoError(t, err)

	require.NoError(t, s.nodes[ka].InsertNode(kb, ab, true))
	require.NoError(t, s.nodes[kb].InsertNode(ka, ba, true))
}

func TestFindNodeOverNetwork(t *testing.T) {
	t.Parallel()

	s := newSwarm(t, "40000000", "00000000", "10000001", "10000003", "20000001")

	s.link(t, "40000000", "00000000")
	s.link(t, "00000000", "10000001")
	s.link(t, "00000000", "10000003")
	s.link(t, "00000000", "20000001")

	requestor := bitkey.MustParseHex("40000000")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answers, err := s.nodes[requestor].FindNode(ctx, bitkey.MustParseHex("00000000"), bitkey.MustParseHex("10000002"), memnet.NewOffers(requestor, 3))
	require.NoError(t, err)
	require.Len(t, answers, 3)

	from := lo.Map(answers, func(a dht.Answer, _ int) string { return a.From.Hex() })
	require.ElementsMatch(t, []string{"10000001", "10000003", "20000001"}, from)

	for _, a := range answers {
		require.Equal(t, requestor, a.To)
		require.True(t, strings.HasPrefix(string(a.Answer), "answer:"+a.From.Hex()+":"))
	}
}

func TestFindNodeOverNetworkPartial(t *testing.T) {
	t.Parallel()

	s := newSwarm(t, "40000000", "00000000", "10000001", "10000003")

	s.link(t, "40000000", "00000000")
	s.link(t, "00000000", "10000001")
	s.link(t, "00000000", "10000003")

	// 10000003 goes away without the relay noticing
	s.network.Leave(bitkey.MustParseHex("10000003"))

	requestor := bitkey.MustParseHex("40000000")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answers, err := s.nodes[requestor].FindNode(ctx, bitkey.MustParseHex("00000000"), bitkey.MustParseHex("10000002"), memnet.NewOffers(requestor, 2))
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, "10000001", answers[0].From.Hex())
}

type blocking struct {
	started chan struct{}
	release chan struct{}
}

func (b blocking) HandleMessage(bitkey.Key, dht.Conn, string, []byte) {
	b.started <- struct{}{}
	<-b.release
}

func TestSendRefusedWhenWorkersBusy(t *testing.T) {
	t.Parallel()

	network := newNetwork(t, memnet.WithPoolSize(1))

	a := bitkey.MustParseHex("0a")
	b := bitkey.MustParseHex("0b")

	ea, err := network.Join(a, recorder{ch: make(chan string, 1)})
	require.NoError(t, err)

	h := blocking{started: make(chan struct{}, 1), release: make(chan struct{})}
	_, err = network.Join(b, h)
	require.NoError(t, err)

	conn, err := ea.Dial(b)
	require.NoError(t, err)

	require.NoError(t, conn.Send("dht", []byte("first")))
	<-h.started

	sent := make(chan error, 1)
	go func() {
		sent <- conn.Send("dht", []byte("second"))
	}()

	select {
	case err := <-sent:
		require.ErrorIs(t, err, memnet.ErrOverloaded)
	case <-time.After(time.Second):
		t.Fatal("send blocked on a saturated pool")
	}

	close(h.release)

	require.EqualValues(t, 1, network.Stats().Overloaded)
}

func TestFindNodeSaturatedPool(t *testing.T) {
	t.Parallel()

	s := newSwarmOn(t, newNetwork(t, memnet.WithPoolSize(1)), 100*time.Millisecond, "40000000", "00000000", "10000001")

	s.link(t, "40000000", "00000000")
	s.link(t, "00000000", "10000001")

	requestor := bitkey.MustParseHex("40000000")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the relay's only worker is busy handling LOOKUP when it fans out, so the
	// FIND_NODE is refused and the session ends on its deadline
	answers, err := s.nodes[requestor].FindNode(ctx, bitkey.MustParseHex("00000000"), bitkey.MustParseHex("10000002"), memnet.NewOffers(requestor, 1))
	require.NoError(t, err)
	require.Empty(t, answers)
	require.NotZero(t, s.network.Stats().Overloaded)
}

func TestFindNodeManyConcurrent(t *testing.T) {
	t.Parallel()

	ids := make([]string, 24)
	for i := range ids {
		ids[i] = fmt.Sprintf("%08x", uint32(i+1)*0x9e3779b1)
	}

	s := newSwarmOn(t, newNetwork(t, memnet.WithPoolSize(8)), 200*time.Millisecond, ids...)

	for i, a := range ids {
		for _, b := range ids[i+1:] {
			s.link(t, a, b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make([]error, 200)
	start := time.Now()

	var w conc.WaitGroup
	for i := range errs {
		from := bitkey.MustParseHex(ids[i%len(ids)])
		via := bitkey.MustParseHex(ids[(i+1)%len(ids)])

		w.Go(func() {
			_, errs[i] = s.nodes[from].FindNode(ctx, via, bitkey.Random(32), memnet.NewOffers(from, 3))
		})
	}

	w.Wait()

	require.Less(t, time.Since(start), 3*time.Second)

	for _, err := range errs {
		if err == nil || errors.Is(err, dht.ErrTimeout) || errors.Is(err, dht.ErrUnknownPeer) {
			continue
		}

		require.Contains(t, err.Error(), memnet.ErrOverloaded.Error())
	}
}
