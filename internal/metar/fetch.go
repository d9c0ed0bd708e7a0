// internal/metar/fetch.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package metar provides METAR acquisition: a small Fetcher interface
// with a NOAA HTTP implementation and an S3-backed implementation, and
// a Manager that layers caching, a cron/once refresh schedule, and a
// cross-fetcher fallback chain on top of them.
package metar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mmp/fsdserver/internal/wx"
	"github.com/mmp/fsdserver/log"
)

// ErrNotImplemented is returned by a Fetcher method the fetcher has no
// implementation for: FetchAll without a bulk source, or Fetch without
// single-station lookups (S3Fetcher). The manager remembers this per
// fetcher and per method and skips that method afterwards instead of
// retrying the no-op.
var ErrNotImplemented = errors.New("metar: fetch not implemented")

// ErrNotAvailable is returned by FetchAll when the upstream responded
// but supplied no usable observations.
var ErrNotAvailable = errors.New("metar: not available")

// Fetcher is one METAR source. Source names a fetcher for the
// `pyfsd.metar.fetchers` configuration list.
type Fetcher interface {
	Source() string
	Fetch(ctx context.Context, icao string) (*wx.ParsedMetar, error)
	FetchAll(ctx context.Context) (map[string]*wx.ParsedMetar, error)
}

///////////////////////////////////////////////////////////////////////////
// NOAA

const (
	noaaStationURLTemplate = "https://tgftp.nws.noaa.gov/data/observations/metar/stations/%s.TXT"
	noaaCycleURLTemplate   = "https://tgftp.nws.noaa.gov/data/observations/metar/cycles/%02dZ.TXT"
)

// NOAAFetcher fetches from tgftp.nws.noaa.gov, either one station at a
// time or the rolling hourly bulk cycle file.
type NOAAFetcher struct {
	Client *http.Client
	lg     *log.Logger
}

func NewNOAAFetcher(lg *log.Logger) *NOAAFetcher {
	return &NOAAFetcher{Client: &http.Client{Timeout: 15 * time.Second}, lg: lg}
}

func (f *NOAAFetcher) Source() string { return "NOAA" }

func (f *NOAAFetcher) Fetch(ctx context.Context, icao string) (*wx.ParsedMetar, error) {
	url := fmt.Sprintf(noaaStationURLTemplate, icao)
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	lines := splitNonEmptyLines(body)
	if len(lines) < 1 {
		return nil, ErrNotAvailable
	}
	return parseFetchedLines(lines), nil
}

func (f *NOAAFetcher) FetchAll(ctx context.Context) (map[string]*wx.ParsedMetar, error) {
	hour := time.Now().UTC().Hour()
	url := fmt.Sprintf(noaaCycleURLTemplate, hour)
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}

	all := make(map[string]*wx.ParsedMetar)
	for _, block := range strings.Split(string(body), "\n\n") {
		lines := splitNonEmptyLines([]byte(block))
		if len(lines) < 2 {
			continue
		}
		m := parseFetchedLines(lines)
		if m.StationID != "" {
			all[m.StationID] = m
		}
	}
	if len(all) == 0 {
		return nil, ErrNotAvailable
	}
	return all, nil
}

func (f *NOAAFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metar: %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseFetchedLines treats an optional leading ISO-ish datetime line
// as establishing the month/year context for the observation line that
// follows it (so two-digit day/time groups in the METAR resolve
// unambiguously); a datetime line that doesn't parse, or its absence,
// falls back to the current UTC time.
func parseFetchedLines(lines []string) *wx.ParsedMetar {
	received := time.Now().UTC()
	obsLine := lines[0]
	if len(lines) >= 2 {
		if t, ok := parseLooseISO(lines[0]); ok {
			received = t
		}
		obsLine = lines[1]
	}
	return wx.ParseMetar(obsLine, received)
}

func parseLooseISO(s string) (time.Time, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "-")
	for _, layout := range []string{"2006-01-02 15:04", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func splitNonEmptyLines(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

///////////////////////////////////////////////////////////////////////////
// S3

// S3Fetcher serves bulk METAR snapshots from an object store instead
// of NOAA directly -- useful for a deployment that mirrors the NOAA
// feed into its own bucket on a separate schedule. It implements only
// FetchAll; Fetch always reports ErrNotImplemented, the same "this
// fetcher doesn't do single-station lookups" signal the historical
// fallback-chain logic uses to skip a fetcher without retrying it.
type S3Fetcher struct {
	Client *s3.Client
	Bucket string
	Key    string
	lg     *log.Logger
}

func NewS3Fetcher(client *s3.Client, bucket, key string, lg *log.Logger) *S3Fetcher {
	return &S3Fetcher{Client: client, Bucket: bucket, Key: key, lg: lg}
}

func (f *S3Fetcher) Source() string { return "S3" }

func (f *S3Fetcher) Fetch(ctx context.Context, icao string) (*wx.ParsedMetar, error) {
	return nil, ErrNotImplemented
}

func (f *S3Fetcher) FetchAll(ctx context.Context) (map[string]*wx.ParsedMetar, error) {
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(f.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("metar: s3 fetch %s/%s: %w", f.Bucket, f.Key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	all := make(map[string]*wx.ParsedMetar)
	for _, block := range strings.Split(string(body), "\n\n") {
		lines := splitNonEmptyLines([]byte(block))
		if len(lines) < 1 {
			continue
		}
		m := parseFetchedLines(lines)
		if m.StationID != "" {
			all[m.StationID] = m
		}
	}
	if len(all) == 0 {
		return nil, ErrNotAvailable
	}
	return all, nil
}
