package api

import (
	"time"

	"github.com/JakeFAU/webpage-change-monitor/internal/catalog"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

type resourceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// targetRequest is the flattened wire form of a target. ExpectedValue is only
// accepted together with changeType ValueCheck.
type targetRequest struct {
	ID            string  `json:"id,omitempty"`
	ResourceID    string  `json:"resourceId"`
	DisplayName   string  `json:"displayName"`
	Description   string  `json:"description"`
	URL           string  `json:"url"`
	CronSchedule  string  `json:"cronSchedule"`
	ChangeType    string  `json:"changeType"`
	ExpectedValue *string `json:"expectedValue,omitempty"`
	HTMLTag       string  `json:"htmlTag"`
	SelectorType  string  `json:"selectorType"`
	SelectorValue string  `json:"selectorValue"`
	Enabled       *bool   `json:"enabled,omitempty"`
}

func (req targetRequest) input() (catalog.TargetInput, error) {
	change, err := monitor.ParseChangeType(req.ChangeType, req.ExpectedValue)
	if err != nil {
		return catalog.TargetInput{}, err
	}
	selector, err := monitor.ParseSelectorType(req.SelectorType)
	if err != nil {
		return catalog.TargetInput{}, err
	}
	return catalog.TargetInput{
		ResourceID:    req.ResourceID,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		URL:           req.URL,
		CronSchedule:  req.CronSchedule,
		Change:        change,
		HTMLTag:       req.HTMLTag,
		SelectorType:  selector,
		SelectorValue: req.SelectorValue,
		Enabled:       req.Enabled,
	}, nil
}

type targetResponse struct {
	ID            string    `json:"id"`
	ResourceID    string    `json:"resourceId"`
	DisplayName   string    `json:"displayName"`
	Description   string    `json:"description"`
	URL           string    `json:"url"`
	CronSchedule  string    `json:"cronSchedule"`
	ChangeType    string    `json:"changeType"`
	ExpectedValue *string   `json:"expectedValue,omitempty"`
	HTMLTag       string    `json:"htmlTag"`
	SelectorType  string    `json:"selectorType"`
	SelectorValue string    `json:"selectorValue"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func newTargetResponse(t monitor.Target) targetResponse {
	resp := targetResponse{
		ID:            t.ID,
		ResourceID:    t.ResourceID,
		DisplayName:   t.DisplayName,
		Description:   t.Description,
		URL:           t.URL,
		CronSchedule:  t.CronSchedule,
		HTMLTag:       t.HTMLTag,
		SelectorType:  string(t.SelectorType),
		SelectorValue: t.SelectorValue,
		Enabled:       t.Enabled,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Change != nil {
		resp.ChangeType = string(t.Change.Kind())
		if v, ok := monitor.ExpectedValue(t.Change); ok {
			resp.ExpectedValue = &v
		}
	}
	return resp
}

func newTargetResponses(ts []monitor.Target) []targetResponse {
	out := make([]targetResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, newTargetResponse(t))
	}
	return out
}

type outcomeResponse struct {
	TargetID   string            `json:"targetId"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	Snapshot   *monitor.Snapshot `json:"snapshot,omitempty"`
	Notified   bool              `json:"notified"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

func newOutcomeResponse(o monitor.Outcome) outcomeResponse {
	return outcomeResponse{
		TargetID:   o.TargetID,
		Status:     string(o.Status),
		Attempts:   o.Attempts,
		Snapshot:   o.Snapshot,
		Notified:   o.Notified,
		Error:      o.Error(),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
}
