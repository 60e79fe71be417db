package campaign

import (
	"errors"
	"time"

	"bumpcast/internal/provider"
)

var (
	ErrNotFound         = errors.New("campaign not found")
	ErrNoAccounts       = errors.New("no accounts assigned")
	ErrNoActiveAccounts = errors.New("no active accounts")
	ErrAlreadyRunning   = errors.New("campaign already running")
	ErrNotRunning       = errors.New("campaign not running")
	ErrAccountNotInRun  = errors.New("account not part of campaign run")
)

// Status is the persisted lifecycle state of a campaign.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// SendMode selects direct send or forward.
type SendMode string

const (
	ModeDirect  SendMode = "send"
	ModeForward SendMode = "forward"
)

// Campaign is the persisted campaign row as the engine sees it.
type Campaign struct {
	ID       int64
	ClientID int64
	Name     string

	Content provider.Content
	Mode    SendMode
	Forward provider.ForwardRef

	// Account assignment, in precedence order: AccountIDs, AccountID, all client accounts.
	AccountIDs []int64
	AccountID  int64

	TemplateID int64

	Status      Status
	Cycle       int
	ScheduledAt time.Time
}

// Template is stored message content that overrides a campaign's raw content.
type Template struct {
	ID       int64
	ClientID int64
	Content  provider.Content
}

// Account is a sending account. The engine never mutates it.
type Account struct {
	ID         int64
	ClientID   int64
	Label      string
	Credential string
	Active     bool
	Alive      bool
}

func (a Account) credential() provider.Credential {
	return provider.Credential{AccountID: a.ID, Label: a.Label, Secret: a.Credential}
}

// Message is the resolved payload a run delivers.
type Message struct {
	Mode    SendMode
	Content provider.Content
	Forward provider.ForwardRef
}

// OutcomeStatus is the result kind of one delivery attempt.
type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFloodWait OutcomeStatus = "flood_wait"
	// OutcomeDeferred is a flood wait too long to sit out; the destination is
	// left for the next cycle.
	OutcomeDeferred OutcomeStatus = "deferred"
	OutcomeFailed   OutcomeStatus = "failed"
)

// ErrorClass is the failure taxonomy an outcome belongs to.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassThrottle   ErrorClass = "throttle"
	ClassPermission ErrorClass = "permission"
	ClassAccess     ErrorClass = "access"
	ClassContent    ErrorClass = "content"
	ClassAuth       ErrorClass = "auth"
	ClassTransient  ErrorClass = "transient"
)

// SelfHeal records what the leave/rejoin path did for an outcome.
type SelfHeal string

const (
	HealNone       SelfHeal = ""
	HealRejoined   SelfHeal = "rejoined"
	HealRejoinFail SelfHeal = "rejoin_failed"
)

// Outcome is the result of delivering to one destination or forum topic.
type Outcome struct {
	Target   string        `json:"target"`
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Class    ErrorClass    `json:"class,omitempty"`
	Wait     time.Duration `json:"wait,omitempty"`
	SelfHeal SelfHeal      `json:"self_heal,omitempty"`
	At       time.Time     `json:"at"`
}

// WorkerStatus is the runtime state of one account worker.
type WorkerStatus string

const (
	WorkerIdle           WorkerStatus = "idle"
	WorkerFetching       WorkerStatus = "fetching_destinations"
	WorkerRunning        WorkerStatus = "running"
	WorkerFloodWait      WorkerStatus = "flood_wait"
	WorkerLimited        WorkerStatus = "limited"
	WorkerUnauthorized   WorkerStatus = "unauthorized"
	WorkerCycleBreak     WorkerStatus = "cycle_break"
	WorkerRemoved        WorkerStatus = "removed"
	WorkerStopped        WorkerStatus = "stopped"
	WorkerError          WorkerStatus = "error"
	WorkerNoDestinations WorkerStatus = "no_destinations"
)

// Terminal reports whether the worker has exited.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerUnauthorized, WorkerRemoved, WorkerStopped, WorkerError, WorkerNoDestinations:
		return true
	}
	return false
}

// LogEntry is one line of a worker's recent-activity buffer.
type LogEntry struct {
	Target    string        `json:"target"`
	Status    OutcomeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	AccountID int64         `json:"account_id"`
	Account   string        `json:"account"`
	At        time.Time     `json:"at"`
}

// WorkerState is a point-in-time copy of one worker.
type WorkerState struct {
	AccountID         int64         `json:"account_id"`
	Account           string        `json:"account"`
	Status            WorkerStatus  `json:"status"`
	Detail            string        `json:"detail,omitempty"`
	Delay             time.Duration `json:"delay"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Streak            int           `json:"streak"`
	Sent              int           `json:"sent"`
	Failed            int           `json:"failed"`
	Skipped           int           `json:"skipped"`
	FloodWaits        int           `json:"flood_waits"`
	Deferred          int           `json:"deferred"`
	Deliveries        int           `json:"deliveries"`
	Total             int           `json:"total"`
	Index             int           `json:"index"`
	Current           string        `json:"current,omitempty"`
	Cycle             int           `json:"cycle"`
	WaitUntil         time.Time     `json:"wait_until,omitempty"`
	Logs              []LogEntry    `json:"logs"`
}

// Folded is the number of outcomes folded into the counters.
func (s WorkerState) Folded() int {
	return s.Sent + s.Failed + s.Skipped + s.FloodWaits + s.Deferred
}

// RunStatus is the overall state reported in Progress.
type RunStatus string

const (
	RunIdle     RunStatus = "idle"
	RunStarting RunStatus = "starting"
	RunRunning  RunStatus = "running"
	RunStopping RunStatus = "stopping"
	RunStopped  RunStatus = "stopped"
	RunFailed   RunStatus = "failed"
)

// Progress is the shared, UI-facing view of one running campaign.
type Progress struct {
	CampaignID int64                 `json:"campaign_id"`
	RunID      string                `json:"run_id,omitempty"`
	Status     RunStatus             `json:"status"`
	Total      int                   `json:"total"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Cycle      int                   `json:"cycle"`
	Accounts   map[int64]WorkerState `json:"accounts"`
	Logs       []LogEntry            `json:"logs"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at,omitempty"`
}

// DeliveryLog is the append-only row written per folded outcome.
type DeliveryLog struct {
	CampaignID int64
	AccountID  int64
	ClientID   int64
	Target     string
	Status     OutcomeStatus
	Error      string
	At         time.Time
}
