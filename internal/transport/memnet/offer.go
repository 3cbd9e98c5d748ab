// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package memnet

import (
	"strings"

	"github.com/dchest/uniuri"
	"github.com/trim21/errgo"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
)

const offerPrefix = "offer:"

// NewOffers creates n fresh offer tokens for id.
//
// memnet needs no connection setup, a token only names the requestor and a nonce so
// answers can be told apart.
func NewOffers(id bitkey.Key, n int) []dht.Offer {
	out := make([]dht.Offer, n)
	for i := range out {
		out[i] = dht.Offer(offerPrefix + id.Hex() + ":" + uniuri.NewLen(12))
	}

	return out
}

// Answerer accepts any offer made by NewOffers and answers with its own id and the nonce.
func Answerer(self bitkey.Key) dht.Answerer {
	return dht.AnswerFunc(func(requestor bitkey.Key, offer dht.Offer) ([]byte, error) {
		rest, ok := strings.CutPrefix(string(offer), offerPrefix)
		if !ok {
			return nil, errgo.Wrap(errMalformedOffer, string(offer))
		}

		from, nonce, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, errgo.Wrap(errMalformedOffer, string(offer))
		}

		if from != requestor.Hex() {
			return nil, errgo.Wrap(errForeignOffer, from)
		}

		return []byte("answer:" + self.Hex() + ":" + nonce), nil
	})
}
