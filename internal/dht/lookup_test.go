// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
)

type result struct {
	answers []dht.Answer
	at      time.Time
}

func collect(t *testing.T, n *dht.Node, now func() time.Time, target, requestor bitkey.Key, o []dht.Offer) (<-chan result, *atomic.Int32) {
	t.Helper()

	ch := make(chan result, 2)
	calls := atomic.NewInt32(0)

	require.NoError(t, n.ReceiveFindNodeRequest(target, requestor, o, func(answers []dht.Answer) {
		calls.Inc()
		ch <- result{answers: answers, at: now()}
	}))

	return ch, calls
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("find_node never resolved")
		return result{}
	}
}

func TestFindNodeNoPeers(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	ch, calls := collect(t, n, mock.Now, key(t, "10000001"), key(t, "20000000"), offers("a"))

	r := wait(t, ch)
	require.NotNil(t, r.answers)
	require.Empty(t, r.answers)
	require.Equal(t, time.Unix(0, 0).UTC(), r.at.UTC())
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, n.Sessions())
}

func TestFindNodeNeverAsksRequestor(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	requestor := key(t, "10000001")
	conn := &fakeConn{}
	require.NoError(t, n.InsertNode(requestor, conn, true))

	ch, _ := collect(t, n, mock.Now, key(t, "10000002"), requestor, offers("a", "b"))

	r := wait(t, ch)
	require.Empty(t, r.answers)
	require.Empty(t, conn.Sent())
	require.Zero(t, n.Sessions())
}

func TestFindNodeNoOffers(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	conn := &fakeConn{}
	require.NoError(t, n.InsertNode(key(t, "10000001"), conn, true))

	ch, _ := collect(t, n, mock.Now, key(t, "10000001"), key(t, "20000000"), nil)

	require.Empty(t, wait(t, ch).answers)
	require.Empty(t, conn.Sent())
}

func TestFindNodeResolvesWhenAllContactedAnswer(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	responsive := key(t, "10000001")
	silent := key(t, "20000001")
	requestor := key(t, "40000000")

	responsiveConn := &fakeConn{}
	responsiveConn.onSend = func(_ string, req dht.Message) {
		mock.AfterFunc(10*time.Millisecond, func() {
			n.HandleMessage(responsive, responsiveConn, "dht", answerFor(t, responsive, req, "answer"))
		})
	}

	silentConn := &fakeConn{}

	require.NoError(t, n.InsertNode(responsive, responsiveConn, true))
	require.NoError(t, n.InsertNode(silent, silentConn, true))

	// one offer, only the peer closest to the target is contacted
	ch, calls := collect(t, n, mock.Now, responsive, requestor, offers("offer"))

	require.Len(t, responsiveConn.Sent(), 1)
	require.Empty(t, silentConn.Sent())

	mock.Add(20 * time.Millisecond)

	r := wait(t, ch)
	require.Equal(t, []dht.Answer{{From: responsive, To: requestor, Answer: []byte("answer")}}, r.answers)
	require.True(t, r.at.Before(time.Unix(0, 0).Add(500*time.Millisecond)))

	mock.Add(time.Second)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, n.Sessions())
}

func TestFindNodeSynchronousAnswers(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")
	requestor := key(t, "40000000")

	for _, id := range []string{"10000001", "20000001", "00000002"} {
		peer := key(t, id)
		conn := &fakeConn{}
		conn.onSend = func(_ string, req dht.Message) {
			n.HandleMessage(peer, conn, "dht", answerFor(t, peer, req, id))
		}

		require.NoError(t, n.InsertNode(peer, conn, true))
	}

	ch, _ := collect(t, n, mock.Now, key(t, "10000001"), requestor, offers("a", "b", "c"))

	r := wait(t, ch)
	require.Len(t, r.answers, 3)

	// answers keep arrival order, which is the candidate order here
	require.Equal(t, "10000001", string(r.answers[0].Answer))
	require.Equal(t, "00000002", string(r.answers[1].Answer))
	require.Equal(t, "20000001", string(r.answers[2].Answer))
}

func TestFindNodeTimeoutPartial(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	responsive := key(t, "10000001")
	silent := key(t, "20000001")
	requestor := key(t, "40000000")

	answered := make(chan struct{})
	responsiveConn := &fakeConn{}
	responsiveConn.onSend = func(_ string, req dht.Message) {
		mock.AfterFunc(10*time.Millisecond, func() {
			n.HandleMessage(responsive, responsiveConn, "dht", answerFor(t, responsive, req, "answer"))
			close(answered)
		})
	}

	silentConn := &fakeConn{}

	require.NoError(t, n.InsertNode(responsive, responsiveConn, true))
	require.NoError(t, n.InsertNode(silent, silentConn, true))

	ch, _ := collect(t, n, mock.Now, responsive, requestor, offers("a", "b"))
	require.Len(t, silentConn.Sent(), 1)

	mock.Add(20 * time.Millisecond)

	select {
	case <-answered:
	case <-time.After(5 * time.Second):
		t.Fatal("answer never delivered")
	}

	select {
	case <-ch:
		t.Fatal("resolved before the deadline with a peer still silent")
	default:
	}
	require.Equal(t, 1, n.Sessions())

	mock.Add(480 * time.Millisecond)

	r := wait(t, ch)
	require.Equal(t, []dht.Answer{{From: responsive, To: requestor, Answer: []byte("answer")}}, r.answers)
	require.Equal(t, time.Unix(0, 0).Add(500*time.Millisecond).UTC(), r.at.UTC())
}

func TestFindNodeAllSilent(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	for _, id := range []string{"10000001", "20000001"} {
		require.NoError(t, n.InsertNode(key(t, id), &fakeConn{}, true))
	}

	ch, _ := collect(t, n, mock.Now, key(t, "10000001"), key(t, "40000000"), offers("a", "b"))

	mock.Add(499 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("resolved before the deadline")
	default:
	}
	require.Equal(t, 1, n.Sessions())

	mock.Add(time.Millisecond)

	r := wait(t, ch)
	require.Empty(t, r.answers)
	require.Equal(t, time.Unix(0, 0).Add(500*time.Millisecond).UTC(), r.at.UTC())
	require.Zero(t, n.Sessions())
}

func TestFindNodeLateAnswer(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	peer := key(t, "10000001")
	conn := &fakeConn{}
	require.NoError(t, n.InsertNode(peer, conn, true))

	ch, calls := collect(t, n, mock.Now, peer, key(t, "40000000"), offers("a"))

	mock.Add(500 * time.Millisecond)
	require.Empty(t, wait(t, ch).answers)

	n.HandleMessage(peer, conn, "dht", answerFor(t, peer, conn.Sent()[0], "late"))

	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, ch)
}

func TestFindNodeSendFailureIsSilence(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	require.NoError(t, n.InsertNode(key(t, "10000001"), &fakeConn{err: errors.New("closed")}, true))

	ch, _ := collect(t, n, mock.Now, key(t, "10000001"), key(t, "40000000"), offers("a"))

	mock.Add(500 * time.Millisecond)
	require.Empty(t, wait(t, ch).answers)
}

func TestFindNodeKeyLength(t *testing.T) {
	t.Parallel()

	n, _ := newMockNode(t, "00000000")

	var lengthErr *bitkey.LengthError
	err := n.ReceiveFindNodeRequest(key(t, "0001"), key(t, "40000000"), offers("a"), func([]dht.Answer) {})
	require.ErrorAs(t, err, &lengthErr)
	require.Equal(t, 32, lengthErr.Want)
	require.Equal(t, 16, lengthErr.Got)
}

func TestCloseResolvesSessions(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	conn := &fakeConn{}
	require.NoError(t, n.InsertNode(key(t, "10000001"), conn, true))

	ch, calls := collect(t, n, mock.Now, key(t, "10000001"), key(t, "40000000"), offers("a"))

	require.NoError(t, n.Close())
	require.Empty(t, wait(t, ch).answers)
	require.Equal(t, 1, conn.Closed())
	require.Zero(t, n.Len())

	mock.Add(time.Second)
	require.EqualValues(t, 1, calls.Load())

	require.ErrorIs(t, n.InsertNode(key(t, "10000002"), &fakeConn{}, true), dht.ErrClosed)
}

func TestFindNodeSpendsOneOfferPerContactedPeer(t *testing.T) {
	t.Parallel()

	n, mock := newMockNode(t, "00000000")

	near := key(t, "10000001")
	far := key(t, "20000001")
	nearConn := &fakeConn{}
	farConn := &fakeConn{}

	require.NoError(t, n.InsertNode(near, nearConn, true))
	require.NoError(t, n.InsertNode(far, farConn, true))

	o := offers("a", "b", "c")
	collect(t, n, mock.Now, near, key(t, "40000000"), o)

	// offers go out front to back in candidate order, the surplus is never sent
	require.Len(t, nearConn.Sent(), 1)
	require.Equal(t, "a", nearConn.Sent()[0].Offer)
	require.Len(t, farConn.Sent(), 1)
	require.Equal(t, "b", farConn.Sent()[0].Offer)

	require.Equal(t, offers("a", "b", "c"), o)
}
