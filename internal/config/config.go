// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/trim21/errgo"

	"nereid/internal/dht"
)

// Duration is a time.Duration written as "500ms" or "1h" in toml.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errgo.Wrap(err, "invalid duration")
	}

	*d = Duration(v)
	return nil
}

// DHT mirrors dht.Options, zero values fall back to the dht defaults.
type DHT struct {
	ID              string   `toml:"id"`
	Channel         string   `toml:"channel"`
	Alpha           int      `toml:"alpha"`
	B               int      `toml:"b"`
	K               int      `toml:"k"`
	TExpire         Duration `toml:"t-expire"`
	TRepublish      Duration `toml:"t-republish"`
	TRefresh        Duration `toml:"t-refresh"`
	TReplicate      Duration `toml:"t-replicate"`
	FindNodeTimeout Duration `toml:"find-node-timeout"`
	RequestRate     float64  `toml:"request-rate" validate:"gte=0"`
	RequestBurst    int64    `toml:"request-burst" validate:"gte=0"`
}

func (d DHT) Options() dht.Options {
	return dht.Options{
		ID:              d.ID,
		Channel:         d.Channel,
		Alpha:           d.Alpha,
		B:               d.B,
		K:               d.K,
		TExpire:         time.Duration(d.TExpire),
		TRepublish:      time.Duration(d.TRepublish),
		TRefresh:        time.Duration(d.TRefresh),
		TReplicate:      time.Duration(d.TReplicate),
		FindNodeTimeout: time.Duration(d.FindNodeTimeout),
		RequestRate:     d.RequestRate,
		RequestBurst:    d.RequestBurst,
	}
}

// Simulation describes the in-process swarm started by the command.
type Simulation struct {
	// routing table entries each node is seeded with.
	Peers    int      `toml:"peers" validate:"gte=1"`
	Nodes    int      `toml:"nodes" validate:"gte=2"`
	Lookups  int      `toml:"lookups" validate:"gte=0"`
	Parallel int      `toml:"parallel" validate:"gte=1"`
	Latency  Duration `toml:"latency"`
	DropRate float64  `toml:"drop-rate" validate:"gte=0,lte=1"`
}

type Web struct {
	// empty disables the http server.
	Listen string `toml:"listen"`
}

type Config struct {
	Web Web        `toml:"web"`
	DHT DHT        `toml:"dht"`
	Sim Simulation `toml:"simulation"`
}

func Default() Config {
	return Config{
		DHT: DHT{
			B:               32,
			K:               dht.DefaultK,
			FindNodeTimeout: Duration(dht.DefaultFindNodeTimeout),
		},
		Sim: Simulation{
			Nodes:    64,
			Peers:    16,
			Lookups:  32,
			Parallel: 8,
		},
		Web: Web{Listen: "127.0.0.1:8003"},
	}
}

var validate = validator.New()

// LoadFromFile reads a toml config on top of Default, a missing file is not an error.
func LoadFromFile(path string) (Config, error) {
	var cfg = Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, errgo.Wrap(err, "failed to read config file")
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errgo.Wrap(err, "failed to parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errgo.Wrap(err, "invalid config")
	}

	return nil
}
