// Package upgrade polls the release endpoint and reports newer versions so
// the session manager can raise update prompts.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultCheckURL = "https://api.github.com/repos/nextlevelbuilder/clawdeck/releases/latest"

// release is the slice of the GitHub release payload we read.
type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Status is one check's outcome.
type Status struct {
	CurrentVersion string
	LatestVersion  string
	UpdateAvailable bool
	ReleaseURL     string
}

// Checker polls for new releases on an interval.
type Checker struct {
	current  string
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	// OnUpdate is invoked (once per new version seen) when a newer release
	// appears.
	OnUpdate func(ctx context.Context, latest string)

	lastNotified string
}

// CheckerConfig wires a Checker.
type CheckerConfig struct {
	CurrentVersion string
	CheckURL       string
	Interval       time.Duration
	Logger         *slog.Logger
}

// NewChecker builds a Checker.
func NewChecker(cfg CheckerConfig) *Checker {
	if cfg.CheckURL == "" {
		cfg.CheckURL = defaultCheckURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Checker{
		current:  cfg.CurrentVersion,
		url:      cfg.CheckURL,
		interval: cfg.Interval,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      cfg.Logger,
	}
}

// Check fetches the latest release once.
func (c *Checker) Check(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read release: %w", err)
	}
	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("parse release: %w", err)
	}

	latest := strings.TrimPrefix(rel.TagName, "v")
	return &Status{
		CurrentVersion:  c.current,
		LatestVersion:   latest,
		UpdateAvailable: IsNewer(latest, c.current),
		ReleaseURL:      rel.HTMLURL,
	}, nil
}

// Run polls until ctx is cancelled, firing OnUpdate for new versions.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkAndNotify(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndNotify(ctx)
		}
	}
}

func (c *Checker) checkAndNotify(ctx context.Context) {
	st, err := c.Check(ctx)
	if err != nil {
		c.log.Debug("release check failed", "error", err)
		return
	}
	if !st.UpdateAvailable || st.LatestVersion == c.lastNotified {
		return
	}
	c.lastNotified = st.LatestVersion
	c.log.Info("update available", "current", st.CurrentVersion, "latest", st.LatestVersion)
	if c.OnUpdate != nil {
		c.OnUpdate(ctx, st.LatestVersion)
	}
}

// IsNewer reports whether a is a strictly newer semver than b. Unparseable
// versions (dev builds) never trigger updates.
func IsNewer(a, b string) bool {
	av, ok := parseSemver(a)
	if !ok {
		return false
	}
	bv, ok := parseSemver(b)
	if !ok {
		return false
	}
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			return av[i] > bv[i]
		}
	}
	return false
}

func parseSemver(s string) ([3]int, bool) {
	var v [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, false
		}
		v[i] = n
	}
	return v, true
}
