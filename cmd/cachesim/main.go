// Command cachesim is the baseline driver: it feeds a trace straight into a
// conventional two-level memcache.Cache hierarchy (no eTLB/Hub), for
// comparison against cmd/etlbsim.
package main

import (
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"cachesim/internal/config"
	"cachesim/internal/memcache"
	"cachesim/internal/report"
	"cachesim/internal/trace"
)

var errUnknownFormat = errors.New(`--format must be "hex" or "mem"`)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, in *os.File, out *os.File) int {
	flags := pflag.NewFlagSet("cachesim", pflag.ContinueOnError)
	format := flags.String("format", "hex", "trace format: hex or mem")
	configPath := flags.String("config", "", "optional YAML file overlaying the built-in cache dimensions")
	verbose := flags.BoolP("verbose", "v", false, "log progress to stderr")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	positional := flags.Args()
	nLines := intArg(positional, 0, -1)
	skip := intArg(positional, 1, 0)
	warmup := intArg(positional, 2, 0)

	cfg, err := config.LoadOverlay(config.Defaults(), *configPath)
	if err != nil {
		logrus.WithError(err).Error("cachesim: resolving configuration")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Error("cachesim: invalid configuration")
		return 1
	}

	traceFormat, err := parseFormat(*format)
	if err != nil {
		logrus.WithError(err).Error("cachesim: parsing --format")
		return 2
	}

	l2, err := memcache.New(memcache.Params{
		Size: cfg.L2Baseline.Size, Associativity: cfg.L2Baseline.Associativity, CacheLine: cfg.L2Baseline.CacheLine,
		TagTime: cfg.L2Baseline.TagTime, AccessTime: cfg.L2Baseline.AccessTime,
		TagEnergy: cfg.L2Baseline.TagEnergy, AccessEnergy: cfg.L2Baseline.AccessEnergy,
	})
	if err != nil {
		logrus.WithError(err).Error("cachesim: constructing L2")
		return 1
	}
	l1, err := memcache.New(memcache.Params{
		Size: cfg.L1.Size, Associativity: cfg.L1.Associativity, CacheLine: cfg.L1.CacheLine,
		TagTime: cfg.L1.TagTime, AccessTime: cfg.L1.AccessTime,
		TagEnergy: cfg.L1.TagEnergy, AccessEnergy: cfg.L1.AccessEnergy,
		Child: l2,
	})
	if err != nil {
		logrus.WithError(err).Error("cachesim: constructing L1")
		return 1
	}

	logrus.Debugf("cachesim: reading trace (format=%s) from stdin", *format)
	reader := trace.NewReader(in, traceFormat)

	var seen, counted uint64
	for {
		if nLines >= 0 && counted >= uint64(nLines) {
			break
		}
		ref, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logrus.WithError(err).Error("cachesim: reading trace")
			return 1
		}
		seen++
		if seen <= uint64(skip) {
			continue
		}
		count := seen > uint64(skip)+uint64(warmup)
		l1.Access(ref.Address, ref.Write, count)
		if count {
			counted++
		}
		if count && counted%1_000_000 == 0 {
			logrus.Debugf("cachesim: %d references counted", counted)
		}
	}

	report.Cache(out, l1, l2, counted)
	return 0
}

func parseFormat(s string) (trace.Format, error) {
	switch s {
	case "hex":
		return trace.Hex, nil
	case "mem":
		return trace.Mem, nil
	default:
		return 0, errUnknownFormat
	}
}

func intArg(positional []string, i, def int) int {
	if i >= len(positional) {
		return def
	}
	n, err := strconv.Atoi(positional[i])
	if err != nil {
		return def
	}
	return n
}
