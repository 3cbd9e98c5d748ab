// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"nereid/internal/config"
	"nereid/internal/swarm"
	"nereid/internal/version"
	"nereid/internal/web"
)

func main() {
	setupFlagsAndEnvParser()

	if viper.GetBool("version") {
		fmt.Println(version.Print())
		return
	}

	debug := viper.GetBool("debug")

	setupLogger()

	if runtime.GOOS == "linux" {
		if _, err := maxprocs.Set(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to set GOMAXPROCS automatically.")
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	cfg := mustParseConfig()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := swarm.New(cfg, reg)
	if err != nil {
		errExit("failed to create swarm:", err)
	}

	if err := s.Seed(cfg.Sim.Peers); err != nil {
		errExit("failed to seed routing tables:", err)
	}

	log.Info().Int("nodes", cfg.Sim.Nodes).Int("peers", cfg.Sim.Peers).Int("bits", s.Bits()).Msg("swarm started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	if cfg.Sim.Lookups > 0 {
		results := s.RandomLookups(ctx, cfg.Sim.Lookups, cfg.Sim.Parallel, viper.GetInt("offers"))
		swarm.WriteLookups(os.Stdout, results)
		fmt.Println()
	}

	s.WriteNodes(os.Stdout)

	if cfg.Web.Listen == "" {
		shutdown(s)
		return
	}

	server := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           web.New(s, reg, debug),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var g errgroup.Group

	g.Go(func() error {
		fmt.Println("start", "http://"+cfg.Web.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}

	shutdown(s)
}

func shutdown(s *swarm.Swarm) {
	fmt.Println("shutting down...")

	if err := s.Close(); err != nil {
		log.Err(err).Msg("failed to close swarm")
	}
}

func setupFlagsAndEnvParser() {
	pflag.String("config-file", "", "path to toml config file")

	pflag.Int("nodes", 0, "number of nodes in the swarm (default from config, 64)")
	pflag.Int("peers", 0, "routing table entries each node is seeded with (default from config, 16)")
	pflag.Int("bits", 0, "key width in bits (default from config, 32)")
	pflag.Int("k", 0, "bucket capacity (default 20)")
	pflag.Duration("timeout", 0, "FIND_NODE timeout (default 500ms)")
	pflag.Int("lookups", -1, "random lookups to run before serving (default from config, 32)")
	pflag.Int("parallel", 0, "lookups running at once (default from config, 8)")
	pflag.Int("offers", 3, "offers sent with every lookup")
	pflag.Duration("latency", 0, "simulated one way latency")
	pflag.Float64("drop-rate", 0, "simulated message loss, 0 to 1")

	pflag.String("web", "", "web interface address, 'off' disables it (default from config, 127.0.0.1:8003)")

	pflag.Bool("log-json", false, "log as json format")
	pflag.String("log-level", "info", "log level")
	pflag.String("log-file", "", "also write log to this file, rotated")

	pflag.Bool("debug", false, "enable debug endpoints")
	pflag.Bool("version", false, "print version and exit")

	// this avoids 'pflag: help requested' error when calling for help message.
	if slices.Contains(os.Args[1:], "--help") || slices.Contains(os.Args[1:], "-h") {
		pflag.Usage()
		_, _ = fmt.Fprintln(os.Stderr, "\nNote: command arguments will override config file, but won't change config file.")
		os.Exit(0)
		return
	}

	pflag.Parse()

	viper.SetEnvPrefix("NEREID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	lo.Must0(viper.BindPFlags(pflag.CommandLine), "failed to parse combine argument with env")
}

func errExit(msg ...any) {
	_, _ = fmt.Fprintln(os.Stderr, msg...)
	os.Exit(1)
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}

	errExit(fmt.Sprintf("unknown log level %q, only trace/debug/info/warn/error is allowed", s))

	return zerolog.NoLevel
}

func setupLogger() {
	jsonLog := viper.GetBool("log-json")
	logFile := viper.GetString("log-file")
	logLevel := parseLogLevel(viper.GetString("log-level"))

	var w io.Writer = os.Stderr

	if !jsonLog {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if logFile != "" {
		rotation := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, //days
		}
		w = zerolog.MultiLevelWriter(rotation, w)
	}

	log.Logger = log.Output(w).Level(logLevel)
}

func mustParseConfig() config.Config {
	cfg := config.Default()

	if path := viper.GetString("config-file"); path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			errExit("failed to load config", err)
		}
	}

	if v := viper.GetInt("nodes"); v > 0 {
		cfg.Sim.Nodes = v
	}
	if v := viper.GetInt("peers"); v > 0 {
		cfg.Sim.Peers = v
	}
	if v := viper.GetInt("lookups"); v >= 0 {
		cfg.Sim.Lookups = v
	}
	if v := viper.GetInt("parallel"); v > 0 {
		cfg.Sim.Parallel = v
	}
	if v := viper.GetDuration("latency"); v > 0 {
		cfg.Sim.Latency = config.Duration(v)
	}
	if v := viper.GetFloat64("drop-rate"); v > 0 {
		cfg.Sim.DropRate = v
	}
	if v := viper.GetInt("bits"); v > 0 {
		cfg.DHT.B = v
	}
	if v := viper.GetInt("k"); v > 0 {
		cfg.DHT.K = v
	}
	if v := viper.GetDuration("timeout"); v > 0 {
		cfg.DHT.FindNodeTimeout = config.Duration(v)
	}

	switch v := viper.GetString("web"); v {
	case "":
	case "off":
		cfg.Web.Listen = ""
	default:
		cfg.Web.Listen = v
	}

	if err := cfg.Validate(); err != nil {
		errExit(err)
	}

	return cfg
}
