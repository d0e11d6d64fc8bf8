package eligibility

import (
	"context"
	"errors"

	"github.com/garnizeh/bountycast/pkg/neynar"
)

// NeynarSource reads reputation from the Neynar user API.
type NeynarSource struct {
	Client *neynar.Client
}

func (s NeynarSource) Reputation(ctx context.Context, fid int64) (*Reputation, error) {
	if !s.Client.HasAPIKey() {
		return nil, errors.New("neynar api key missing")
	}
	u, err := s.Client.User(ctx, fid)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	return &Reputation{Score: u.ReputationScore(), Elevated: u.PowerBadge}, nil
}
