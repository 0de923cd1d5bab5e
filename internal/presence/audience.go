package presence

import (
	"context"
	"fmt"

	"go-dm/internal/fanout"

	"github.com/samber/lo"
)

const (
	AudienceGlobal    = "global"
	AudienceFollowers = "followers"
)

// Audience decides which rooms hear about a user's status change.
type Audience interface {
	Rooms(ctx context.Context, userID string) ([]string, error)
}

// GlobalAudience tells every connected user. This is the compatibility default;
// its cost grows with the total number of connections.
type GlobalAudience struct{}

func (GlobalAudience) Rooms(context.Context, string) ([]string, error) {
	return []string{fanout.GlobalRoom}, nil
}

type FollowerLister interface {
	Followers(ctx context.Context, userID string) ([]string, error)
}

// FollowersAudience tells the user's followers and the user's own other sessions.
type FollowersAudience struct {
	Follows FollowerLister
}

func (a FollowersAudience) Rooms(ctx context.Context, userID string) ([]string, error) {
	followers, err := a.Follows.Followers(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := lo.Uniq(append([]string{userID}, followers...))
	return lo.Map(ids, func(id string, _ int) string { return fanout.UserRoom(id) }), nil
}

// NewAudience maps a configuration value to a policy.
func NewAudience(name string, follows FollowerLister) (Audience, error) {
	switch name {
	case "", AudienceGlobal:
		return GlobalAudience{}, nil
	case AudienceFollowers:
		return FollowersAudience{Follows: follows}, nil
	default:
		return nil, fmt.Errorf("unknown presence audience %q", name)
	}
}
