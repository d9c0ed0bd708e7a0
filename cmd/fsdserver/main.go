// cmd/fsdserver/main.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Command fsdserver runs the FSD protocol daemon standalone. Flags
// cover only what a developer running the server locally needs; a
// real deployment's TOML configuration loader and user database are
// out of scope (see SPEC_FULL.md), so this entry point wires in a
// small in-memory credential store instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mmp/fsdserver/internal/auth"
	"github.com/mmp/fsdserver/internal/fsdserver"
	"github.com/mmp/fsdserver/internal/metar"
	"github.com/mmp/fsdserver/internal/plugin"
	"github.com/mmp/fsdserver/internal/registry"
	"github.com/mmp/fsdserver/log"
)

var (
	port         = flag.Int("port", 6809, "TCP port the FSD listener binds")
	logLevel     = flag.String("loglevel", "info", "logging level: debug, info, warn, error")
	logDir       = flag.String("logdir", "fsdserver-logs", "directory for rotated log files")
	motdFile     = flag.String("motd", "", "file whose lines are sent as the post-login MOTD, one #TM per line")
	blacklist    = flag.String("blacklist", "", "comma-separated list of blocked remote hosts")
	metarMode    = flag.String("metar-mode", "cron", "metar acquisition mode: cron or once")
	metarFallback = flag.String("metar-fallback", "none", "metar cross-mode fallback: none, cron, or once")
	metarCron    = flag.Duration("metar-cron", 10*time.Minute, "metar cache refresh interval when metar-mode=cron")
	skipPrevious = flag.Bool("metar-skip-previous-fetcher", false, "in once-fallback-from-cron, skip the fetcher that last won the cron refresh")
	s3Bucket     = flag.String("metar-s3-bucket", "", "optional S3 bucket to also draw bulk metar snapshots from")
	s3Key        = flag.String("metar-s3-key", "", "object key within metar-s3-bucket")
	warmStations = flag.String("metar-warm-stations", "", "comma-separated ICAOs to prefetch concurrently at startup")
	diskCache    = flag.String("metar-disk-cache", "metar-cache.msgpack", "cache filename (under the OS user cache dir) the cron-mode bulk cache is mirrored to across restarts; empty disables")
)

func main() {
	flag.Parse()

	lg := log.New(*logLevel, *logDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := fsdserver.Config{
		Port:      *port,
		MOTD:      loadMOTD(*motdFile, lg),
		Blacklist: splitNonEmpty(*blacklist, ","),
	}

	reg := registry.New(lg)
	dispatch := plugin.NewDispatcher(lg)
	authChecker := auth.NewChecker(newDemoStore())

	metarMgr := metar.NewManager(metarConfig(), metarFetchers(ctx, lg), lg)
	if stations := splitNonEmpty(*warmStations, ","); len(stations) > 0 {
		warmed := metarMgr.FetchMany(ctx, stations)
		lg.Infof("prefetched %d/%d requested metar stations", len(warmed), len(stations))
	}

	srv := fsdserver.New(cfg, lg, reg, dispatch, authChecker, metarMgr)
	if err := srv.Start(ctx); err != nil {
		lg.Errorf("start: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	lg.Info("shutting down")
	srv.Stop(context.Background())
}

func metarConfig() metar.Config {
	mode := metar.ModeCron
	if *metarMode == "once" {
		mode = metar.ModeOnce
	}
	fallback := metar.FallbackNone
	switch *metarFallback {
	case "cron":
		fallback = metar.FallbackCron
	case "once":
		fallback = metar.FallbackOnce
	}
	return metar.Config{
		Mode:                mode,
		Fallback:            fallback,
		CronTime:            *metarCron,
		SkipPreviousFetcher: *skipPrevious,
		// util.CacheStoreObject/CacheRetrieveObject resolve this
		// filename under the OS user cache dir themselves.
		DiskCachePath: *diskCache,
	}
}

func metarFetchers(ctx context.Context, lg *log.Logger) []metar.Fetcher {
	fetchers := []metar.Fetcher{metar.NewNOAAFetcher(lg)}

	if *s3Bucket == "" {
		return fetchers
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		lg.Warnf("metar s3 fetcher disabled: %v", err)
		return fetchers
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true })
	return append(fetchers, metar.NewS3Fetcher(client, *s3Bucket, *s3Key, lg))
}

func loadMOTD(path string, lg *log.Logger) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		lg.Warnf("motd: %v", err)
		return nil
	}
	return splitNonEmpty(string(data), "\n")
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// demoStore is a fixed, in-memory auth.Store standing in for a real
// user database: three accounts whose cleartext password is printed
// at startup. Replace with a real Store for anything beyond local
// development.
type demoStore struct {
	users map[string]demoUser
}

type demoUser struct {
	hash   string
	scheme auth.Scheme
	rating int
}

func newDemoStore() *demoStore {
	store := &demoStore{users: map[string]demoUser{}}
	for cid, rating := range map[string]int{"1000001": 12, "1000002": 8, "1000003": 2} {
		salt := []byte(cid + "-demo-salt-0000")[:16]
		store.users[cid] = demoUser{
			hash:   auth.HashPassword("demo", salt),
			scheme: auth.SchemeArgon2,
			rating: rating,
		}
	}
	fmt.Println("demo accounts: 1000001/1000002/1000003, password \"demo\"")
	return store
}

func (d *demoStore) Lookup(cid string) (hash string, scheme auth.Scheme, rating int, found bool, err error) {
	u, ok := d.users[cid]
	if !ok {
		return "", 0, 0, false, nil
	}
	return u.hash, u.scheme, u.rating, true, nil
}
