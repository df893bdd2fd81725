// Package ingest fetches listings from the scraping collaborator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const DefaultSubjectPrefix = "cmd.scrape.v1"

// ScrapeRequest asks the collaborator for one vendor/category page set.
type ScrapeRequest struct {
	Vendor   string `json:"vendor"`
	Category string `json:"category"`
}

// ScrapeReply carries the observed listings or a collaborator-side error.
type ScrapeReply struct {
	Listings []model.Listing `json:"listings"`
	Error    string          `json:"error,omitempty"`
}

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSSource requests listings over NATS request-reply on <prefix>.<vendor>.
type NATSSource struct {
	nc      requester
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewNATSSource(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *NATSSource {
	return newNATSSource(nc, prefix, timeout, logger)
}

func newNATSSource(nc requester, prefix string, timeout time.Duration, logger *zap.Logger) *NATSSource {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{nc: nc, prefix: prefix, timeout: timeout, logger: logger}
}

// Fetch returns the listings for vendor/category. Listings missing a revision id
// get one derived from vendor, URL and observation time.
func (s *NATSSource) Fetch(ctx context.Context, vendor, category string) ([]model.Listing, error) {
	data, err := json.Marshal(ScrapeRequest{Vendor: vendor, Category: category})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	subject := s.prefix + "." + vendor
	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("ingest: no scraper for %s: %w", vendor, err)
		}
		return nil, fmt.Errorf("ingest: request %s: %w", subject, err)
	}

	var reply ScrapeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("ingest: decode reply from %s: %w", subject, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("ingest: scraper %s: %s", vendor, reply.Error)
	}

	out := normalizeBatch(reply.Listings, vendor, category)
	s.logger.Debug("ingest.fetched",
		zap.String("vendor", vendor),
		zap.String("category", category),
		zap.Int("listings", len(out)),
	)
	return out, nil
}

// normalizeBatch fills in defaults the collaborator may leave empty.
func normalizeBatch(in []model.Listing, vendor, category string) []model.Listing {
	out := make([]model.Listing, 0, len(in))
	for _, l := range in {
		if l.Vendor == "" {
			l.Vendor = vendor
		}
		if l.Category == "" {
			l.Category = category
		}
		if l.ObservedAt.IsZero() {
			l.ObservedAt = time.Now().UTC()
		}
		out = append(out, l.WithRevisionID())
	}
	return out
}
