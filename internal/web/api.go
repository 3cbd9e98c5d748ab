// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"nereid/internal/bitkey"
	"nereid/internal/dht"
	"nereid/internal/swarm"
	"nereid/internal/web/res"
)

const lookupTimeout = 10 * time.Second

type api struct {
	swarm    *swarm.Swarm
	validate *validator.Validate
}

type nodeSummary struct {
	ID       bitkey.Key `json:"id"`
	Peers    int        `json:"peers"`
	Buckets  int        `json:"buckets"`
	Sessions int        `json:"sessions"`
}

type nodeDetail struct {
	ID      bitkey.Key       `json:"id"`
	Buckets []dht.BucketInfo `json:"buckets"`
	K       int              `json:"k"`
	Peers   int              `json:"peers"`
}

type lookupRequest struct {
	From   string `json:"from" validate:"required,hexadecimal"`
	Via    string `json:"via" validate:"required,hexadecimal"`
	Target string `json:"target" validate:"required,hexadecimal"`
	Offers int    `json:"offers" validate:"gte=1,lte=64"`
}

type lookupResponse struct {
	Answers  []dht.Answer `json:"answers"`
	Duration string       `json:"duration"`
}

func (a *api) listNodes(w http.ResponseWriter, r *http.Request) {
	res.JSON(w, http.StatusOK, lo.Map(a.swarm.Nodes(), func(n *dht.Node, _ int) nodeSummary {
		return nodeSummary{
			ID:       n.ID(),
			Peers:    n.Len(),
			Buckets:  len(n.Buckets()),
			Sessions: n.Sessions(),
		}
	}))
}

func (a *api) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := bitkey.FromHex(chi.URLParam(r, "id"), a.swarm.Bits())
	if err != nil {
		res.Error(w, http.StatusBadRequest, err)
		return
	}

	n := a.swarm.Node(id)
	if n == nil {
		res.Error(w, http.StatusNotFound, swarm.ErrUnknownNode)
		return
	}

	res.JSON(w, http.StatusOK, nodeDetail{
		ID:      n.ID(),
		K:       n.Options().K,
		Peers:   n.Len(),
		Buckets: n.Buckets(),
	})
}

func (a *api) lookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		res.Error(w, http.StatusBadRequest, err)
		return
	}

	if err := a.validate.Struct(req); err != nil {
		res.Error(w, http.StatusBadRequest, err)
		return
	}

	keys := make([]bitkey.Key, 0, 3)
	for _, s := range []string{req.From, req.Via, req.Target} {
		k, err := bitkey.FromHex(s, a.swarm.Bits())
		if err != nil {
			res.Error(w, http.StatusBadRequest, err)
			return
		}

		keys = append(keys, k)
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	start := time.Now()
	answers, err := a.swarm.Lookup(ctx, keys[0], keys[1], keys[2], req.Offers)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, swarm.ErrUnknownNode) || errors.Is(err, dht.ErrUnknownPeer) {
			code = http.StatusNotFound
		}

		res.Error(w, code, err)
		return
	}

	res.JSON(w, http.StatusOK, lookupResponse{
		Answers:  answers,
		Duration: time.Since(start).String(),
	})
}
