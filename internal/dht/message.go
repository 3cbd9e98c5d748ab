// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"github.com/samber/lo"
	"github.com/trim21/errgo"
	"github.com/zeebo/bencode"

	"nereid/internal/bitkey"
)

const (
	OpFindNode = "FIND_NODE"
	OpAnswer   = "answer"
	OpLookup   = "LOOKUP"
	OpFound    = "FOUND"
)

// Offer is an opaque connection setup token, one is consumed per contacted peer.
type Offer []byte

// Answer is the reply of one contacted peer to an offer.
type Answer struct {
	From   bitkey.Key `json:"from"`
	To     bitkey.Key `json:"to"`
	Answer []byte     `json:"answer"`
}

// Message is the bencoded dictionary exchanged on the dht channel.
// Keys are hex encoded, Idx correlates a response with its request.
type Message struct {
	Op      string       `bencode:"op"`
	Key     string       `bencode:"key,omitempty"`
	To      string       `bencode:"to,omitempty"`
	From    string       `bencode:"from,omitempty"`
	Offer   string       `bencode:"offer,omitempty"`
	Answer  string       `bencode:"answer,omitempty"`
	Offers  []string     `bencode:"offers,omitempty"`
	Answers []WireAnswer `bencode:"answers,omitempty"`
	Idx     uint64       `bencode:"idx"`
}

type WireAnswer struct {
	To     string `bencode:"to"`
	From   string `bencode:"from"`
	Answer string `bencode:"answer"`
}

func (m Message) Encode() ([]byte, error) {
	b, err := bencode.EncodeBytes(m)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to encode dht message")
	}

	return b, nil
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return Message{}, errgo.Wrap(err, "failed to decode dht message")
	}

	return m, nil
}

func (m Message) answer(bits int) (Answer, error) {
	return WireAnswer{To: m.To, From: m.From, Answer: m.Answer}.decode(bits)
}

func (w WireAnswer) decode(bits int) (Answer, error) {
	from, err := bitkey.FromHex(w.From, bits)
	if err != nil {
		return Answer{}, errgo.Wrap(err, "from")
	}

	to, err := bitkey.FromHex(w.To, bits)
	if err != nil {
		return Answer{}, errgo.Wrap(err, "to")
	}

	return Answer{From: from, To: to, Answer: []byte(w.Answer)}, nil
}

func encodeAnswers(answers []Answer) []WireAnswer {
	return lo.Map(answers, func(a Answer, _ int) WireAnswer {
		return WireAnswer{To: a.To.Hex(), From: a.From.Hex(), Answer: string(a.Answer)}
	})
}

func encodeOffers(offers []Offer) []string {
	return lo.Map(offers, func(o Offer, _ int) string {
		return string(o)
	})
}

func decodeOffers(offers []string) []Offer {
	return lo.Map(offers, func(o string, _ int) Offer {
		return Offer(o)
	})
}
