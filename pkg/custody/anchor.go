package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
	"github.com/Mindburn-Labs/helm-evidence/pkg/store"
)

// TimestampAuthority issues a trusted timestamp over a hex digest.
type TimestampAuthority interface {
	Timestamp(ctx context.Context, digest string) (*TimestampToken, error)
}

// ChainAnchor publishes a hex digest to a ledger.
type ChainAnchor interface {
	Anchor(ctx context.Context, digest string) (*AnchorReceipt, error)
}

// TimestampToken is an authority's response.
type TimestampToken struct {
	Authority string    `json:"authority"`
	Token     []byte    `json:"token"`
	Time      time.Time `json:"time"`
}

// AnchorReceipt identifies the ledger transaction carrying a digest.
type AnchorReceipt struct {
	Network     string `json:"network"`
	TxID        string `json:"txId"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
}

// AnchorResult collects what Anchor obtained. Either field may be nil when
// its collaborator is not configured or failed.
type AnchorResult struct {
	Digest     string          `json:"digest"`
	Timestamp  *TimestampToken `json:"timestamp,omitempty"`
	Anchor     *AnchorReceipt  `json:"anchor,omitempty"`
	AnchoredAt time.Time       `json:"anchoredAt"`
}

// Anchor submits the package digest to the configured timestamp authority
// and chain anchor, each behind its own breaker. One collaborator failing
// does not prevent the other from running; the returned error joins every
// failure and the result holds whatever succeeded.
func (s *Sealer) Anchor(ctx context.Context, pkg *Package) (*AnchorResult, error) {
	if err := checkPackage(pkg); err != nil {
		return nil, err
	}
	if s.tsa == nil && s.chain == nil {
		return nil, ErrNoAnchors
	}

	res := &AnchorResult{Digest: pkg.AnchorDigest()}
	var errs []error

	if s.tsa != nil {
		tok, err := resiliency.Guarded(ctx, s.guard, ServiceTimestamp, func(ctx context.Context) (*TimestampToken, error) {
			tok, err := s.tsa.Timestamp(ctx, res.Digest)
			if err == nil && tok == nil {
				err = resiliency.Permanent(ErrEmptyResponse)
			}
			return tok, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("timestamp: %w", err))
			s.record(store.EventFailed, pkg, map[string]any{"stage": "timestamp", "error": err.Error()})
		} else {
			res.Timestamp = tok
			s.record(store.EventTimestamp, pkg, map[string]any{"digest": res.Digest, "authority": tok.Authority})
		}
	}

	if s.chain != nil {
		rcpt, err := resiliency.Guarded(ctx, s.guard, ServiceBlockchain, func(ctx context.Context) (*AnchorReceipt, error) {
			rcpt, err := s.chain.Anchor(ctx, res.Digest)
			if err == nil && rcpt == nil {
				err = resiliency.Permanent(ErrEmptyResponse)
			}
			return rcpt, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("anchor: %w", err))
			s.record(store.EventFailed, pkg, map[string]any{"stage": "anchor", "error": err.Error()})
		} else {
			res.Anchor = rcpt
			s.record(store.EventAnchored, pkg, map[string]any{"digest": res.Digest, "network": rcpt.Network, "txId": rcpt.TxID})
		}
	}

	res.AnchoredAt = s.now().UTC()
	if len(errs) > 0 {
		s.logger.WarnContext(ctx, "evidence anchoring incomplete",
			"case_id", pkg.CaseID,
			"digest", res.Digest,
			"error", errors.Join(errs...),
		)
		return res, errors.Join(errs...)
	}
	s.logger.InfoContext(ctx, "evidence anchored", "case_id", pkg.CaseID, "digest", res.Digest)
	return res, nil
}
