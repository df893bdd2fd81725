package orchestrator

import "time"

// Config tunes the pipeline and cycle runner.
type Config struct {
	CatalogRetries         int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	CategoryCandidateLimit int

	// VendorConcurrency caps in-flight fetches per vendor.
	VendorConcurrency int
	// Workers is the number of listings processed in parallel.
	Workers int

	Vendors        []string
	Categories     []string
	ReprocessBatch int
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		CatalogRetries:         3,
		RetryBaseDelay:         200 * time.Millisecond,
		RetryMaxDelay:          5 * time.Second,
		CategoryCandidateLimit: 50,
		VendorConcurrency:      2,
		Workers:                8,
		ReprocessBatch:         500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CatalogRetries < 0 {
		c.CatalogRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = max(d.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.CategoryCandidateLimit <= 0 {
		c.CategoryCandidateLimit = d.CategoryCandidateLimit
	}
	if c.VendorConcurrency <= 0 {
		c.VendorConcurrency = d.VendorConcurrency
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ReprocessBatch <= 0 {
		c.ReprocessBatch = d.ReprocessBatch
	}
	return c
}

// backoff is the delay before retry n (0-based): base·2^n, capped.
func (c Config) backoff(n int) time.Duration {
	d := c.RetryBaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return min(d, c.RetryMaxDelay)
}
