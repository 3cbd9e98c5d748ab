// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"

	"nereid/internal/bitkey"
)

const (
	DefaultAlpha           = 3
	DefaultB               = 256
	DefaultK               = 20
	DefaultTExpire         = 86410 * time.Second
	DefaultTRepublish      = 86400 * time.Second
	DefaultTRefresh        = 3600 * time.Second
	DefaultTReplicate      = 3600 * time.Second
	DefaultFindNodeTimeout = 500 * time.Millisecond
	DefaultChannel         = "dht"
)

// Options configure a Node. Every zero field is replaced with its default, only ID is required.
type Options struct {
	// Clock drives lookup deadlines, tests replace it with a mock.
	Clock clock.Clock `validate:"-"`

	// VictimSelector picks the entry evicted from an over-full bucket.
	VictimSelector VictimSelector `validate:"-"`

	// ID of the local node, hex encoded, exactly B/4 digits.
	ID string `validate:"required,hexadecimal"`

	// Channel is the data channel label dht messages are sent on.
	Channel string `validate:"required"`

	// Alpha is only a hint, lookups contact as many peers as they have offers for.
	Alpha int `validate:"gte=1"`
	B     int `validate:"gte=4"`
	K     int `validate:"gte=1"`

	// value store horizons, kept for config compatibility, nothing reads them yet.
	TExpire    time.Duration `validate:"gte=0"`
	TRepublish time.Duration `validate:"gte=0"`
	TRefresh   time.Duration `validate:"gte=0"`
	TReplicate time.Duration `validate:"gte=0"`

	FindNodeTimeout time.Duration `validate:"gt=0"`

	// inbound FIND_NODE/LOOKUP token bucket, 0 disables rate limiting.
	RequestRate  float64 `validate:"gte=0"`
	RequestBurst int64   `validate:"gte=0"`
}

func DefaultOptions() Options {
	return Options{
		Alpha:           DefaultAlpha,
		B:               DefaultB,
		K:               DefaultK,
		TExpire:         DefaultTExpire,
		TRepublish:      DefaultTRepublish,
		TRefresh:        DefaultTRefresh,
		TReplicate:      DefaultTReplicate,
		FindNodeTimeout: DefaultFindNodeTimeout,
		Channel:         DefaultChannel,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.Alpha == 0 {
		o.Alpha = d.Alpha
	}
	if o.B == 0 {
		o.B = d.B
	}
	if o.K == 0 {
		o.K = d.K
	}
	if o.TExpire == 0 {
		o.TExpire = d.TExpire
	}
	if o.TRepublish == 0 {
		o.TRepublish = d.TRepublish
	}
	if o.TRefresh == 0 {
		o.TRefresh = d.TRefresh
	}
	if o.TReplicate == 0 {
		o.TReplicate = d.TReplicate
	}
	if o.FindNodeTimeout == 0 {
		o.FindNodeTimeout = d.FindNodeTimeout
	}
	if o.Channel == "" {
		o.Channel = d.Channel
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.VictimSelector == nil {
		o.VictimSelector = RandomVictim
	}

	return o
}

var validate = validator.New()

// validate returns the parsed local id.
func (o Options) validate() (bitkey.Key, error) {
	if err := validate.Struct(o); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) != 0 {
			return bitkey.Key{}, &ConfigError{Field: errs[0].Field(), Err: errs[0]}
		}

		return bitkey.Key{}, &ConfigError{Field: "Options", Err: err}
	}

	id, err := bitkey.FromHex(o.ID, o.B)
	if err != nil {
		return bitkey.Key{}, &ConfigError{Field: "ID", Err: err}
	}

	return id, nil
}
