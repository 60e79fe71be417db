package campaign

import "context"

// Store is the persistence the engine needs. Implementations return errors
// wrapping ErrNotFound for missing campaigns and templates.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (Campaign, error)
	GetTemplate(ctx context.Context, id int64) (Template, error)
	AccountsByID(ctx context.Context, ids []int64) ([]Account, error)
	ClientAccounts(ctx context.Context, clientID int64) ([]Account, error)

	SetCampaignStatus(ctx context.Context, id int64, status Status) error
	SetCampaignCycle(ctx context.Context, id int64, cycle int) error

	// AppendDeliveryLog appends the row and bumps the campaign and daily counters.
	AppendDeliveryLog(ctx context.Context, l DeliveryLog) error
}
