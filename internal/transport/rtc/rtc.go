// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package rtc connects dht nodes over WebRTC data channels.
//
// dht offers are SDP offers wrapped in an envelope naming the offering node, the
// answer comes back the same way through the lookup result and is completed with Accept.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trim21/errgo"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
	"nereid/internal/pkg/random"
)

var ErrUnknownOffer = errors.New("rtc: answer for an unknown offer")
var ErrWrongPeer = errors.New("rtc: envelope is addressed to another node")
var ErrChannelClosed = errors.New("rtc: data channel is not open")

// Handler receives every data channel message, *dht.Node implements it.
type Handler interface {
	HandleMessage(from bitkey.Key, conn dht.Conn, label string, data []byte)
}

type Config struct {
	ICEServers []string
	Label      string
	// GatherTimeout bounds ICE candidate gathering for one offer or answer.
	GatherTimeout time.Duration
}

type envelope struct {
	ID   string `json:"id"`
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

// Transport creates offers, answers offers from other nodes and hands every opened data
// channel to OnConnect.
type Transport struct {
	handler   Handler
	onConnect func(peer bitkey.Key, conn *Conn)
	pending   *xsync.MapOf[string, *pendingOffer]
	log       zerolog.Logger
	config    webrtc.Configuration
	label     string
	self      bitkey.Key
	gather    time.Duration
}

type pendingOffer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// New creates a transport, onConnect runs for every data channel that opened, in
// either direction. It may be nil.
func New(self bitkey.Key, cfg Config, handler Handler, onConnect func(peer bitkey.Key, conn *Conn)) *Transport {
	if cfg.Label == "" {
		cfg.Label = dht.DefaultChannel
	}

	if cfg.GatherTimeout == 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) != 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Transport{
		self:      self,
		handler:   handler,
		onConnect: onConnect,
		label:     cfg.Label,
		gather:    cfg.GatherTimeout,
		config:    webrtc.Configuration{ICEServers: servers},
		pending:   xsync.NewMapOf[string, *pendingOffer](),
		log:       log.With().Str("transport", "rtc").Str("self", self.Short()).Logger(),
	}
}

// Offers creates n offers, one peer connection each.
func (t *Transport) Offers(ctx context.Context, n int) ([]dht.Offer, error) {
	out := make([]dht.Offer, 0, n)
	for i := 0; i < n; i++ {
		o, err := t.Offer(ctx)
		if err != nil {
			return out, err
		}

		out = append(out, o)
	}

	return out, nil
}

func (t *Transport) Offer(ctx context.Context) (dht.Offer, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to create peer connection")
	}

	dc, err := pc.CreateDataChannel(t.label, nil)
	if err != nil {
		_ = pc.Close()
		return nil, errgo.Wrap(err, "failed to create data channel")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, errgo.Wrap(err, "failed to create offer")
	}

	sdp, err := t.localDescription(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	id := random.URLSafeStr(16)
	t.pending.Store(id, &pendingOffer{pc: pc, dc: dc})

	return json.Marshal(envelope{ID: id, From: t.self.Hex(), SDP: sdp})
}

// Pending returns how many offers are still waiting for an answer.
func (t *Transport) Pending() int {
	return t.pending.Size()
}

// Discard closes the peer connections of every offer that was not accepted.
func (t *Transport) Discard() {
	t.pending.Range(func(id string, p *pendingOffer) bool {
		t.pending.Delete(id)
		_ = p.pc.Close()
		return true
	})
}

// Answer implements dht.Answerer.
func (t *Transport) Answer(requestor bitkey.Key, offer dht.Offer) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(offer, &env); err != nil {
		return nil, errgo.Wrap(err, "failed to decode offer")
	}

	if env.From != requestor.Hex() {
		return nil, ErrWrongPeer
	}

	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to create peer connection")
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bind(requestor, pc, dc)
	})

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP})
	if err != nil {
		_ = pc.Close()
		return nil, errgo.Wrap(err, "failed to set remote offer")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, errgo.Wrap(err, "failed to create answer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.gather)
	defer cancel()

	sdp, err := t.localDescription(ctx, pc, answer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	return json.Marshal(envelope{ID: env.ID, From: t.self.Hex(), SDP: sdp})
}

// Accept completes an offer of ours with the answer found by a lookup.
func (t *Transport) Accept(a dht.Answer) error {
	var env envelope
	if err := json.Unmarshal(a.Answer, &env); err != nil {
		return errgo.Wrap(err, "failed to decode answer")
	}

	if env.From != a.From.Hex() {
		return ErrWrongPeer
	}

	p, ok := t.pending.LoadAndDelete(env.ID)
	if !ok {
		return ErrUnknownOffer
	}

	t.bind(a.From, p.pc, p.dc)

	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP})
	if err != nil {
		_ = p.pc.Close()
		return errgo.Wrap(err, "failed to set remote answer")
	}

	return nil
}

func (t *Transport) localDescription(ctx context.Context, pc *webrtc.PeerConnection, sd webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)

	if err := pc.SetLocalDescription(sd); err != nil {
		return "", errgo.Wrap(err, "failed to set local description")
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", errgo.Wrap(ctx.Err(), "ice gathering")
	}

	return pc.LocalDescription().SDP, nil
}

func (t *Transport) bind(peer bitkey.Key, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	c := &Conn{pc: pc, dc: dc, peer: peer}

	dc.OnOpen(func() {
		t.log.Debug().Str("peer", peer.Short()).Str("label", dc.Label()).Msg("data channel open")

		if t.onConnect != nil {
			t.onConnect(peer, c)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.handler != nil {
			t.handler.HandleMessage(peer, c, dc.Label(), msg.Data)
		}
	})
}

// Conn is one data channel to a peer, it implements dht.Conn.
type Conn struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	peer bitkey.Key
}

func (c *Conn) Peer() bitkey.Key {
	return c.peer
}

func (c *Conn) Send(label string, data []byte) error {
	if label != c.dc.Label() {
		return errgo.Wrap(ErrChannelClosed, label)
	}

	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}

	return c.dc.Send(data)
}

func (c *Conn) Close() error {
	return c.pc.Close()
}
