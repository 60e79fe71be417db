package campaign

import "time"

// Event types published on the event bus.
const (
	EventDeliveryOutcome = "delivery.outcome"
	EventCampaignStarted = "campaign.started"
	EventCampaignStopped = "campaign.stopped"
	EventProgressUpdated = "progress.updated"
)

// DeliveryEvent is the payload of EventDeliveryOutcome.
type DeliveryEvent struct {
	CampaignID   int64   `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	RunID        string  `json:"run_id"`
	ClientID     int64   `json:"client_id"`
	AccountID    int64   `json:"account_id"`
	Account      string  `json:"account"`
	Cycle        int     `json:"cycle"`
	Outcome      Outcome `json:"outcome"`
}

// RunEvent is the payload of EventCampaignStarted and EventCampaignStopped.
type RunEvent struct {
	CampaignID int64     `json:"campaign_id"`
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	ClientID   int64     `json:"client_id"`
	Accounts   int       `json:"accounts"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
