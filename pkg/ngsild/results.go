package ngsild

import (
	"encoding/json"
	"sort"
)

type CreateEntityResult struct {
	location string
}

func NewCreateEntityResult(location string) *CreateEntityResult {
	return &CreateEntityResult{
		location: location,
	}
}

func (r CreateEntityResult) Location() string {
	return r.location
}

type UpdateOperationResult string

const (
	Appended UpdateOperationResult = "APPENDED"
	Replaced UpdateOperationResult = "REPLACED"
	Updated  UpdateOperationResult = "UPDATED"
	Ignored  UpdateOperationResult = "IGNORED"
	Failed   UpdateOperationResult = "FAILED"
)

// IsUpdate reports whether the result means that stored state was changed
func (r UpdateOperationResult) IsUpdate() bool {
	return r == Appended || r == Replaced || r == Updated
}

// AttributeOutcome is what happened to one attribute instance during an update
type AttributeOutcome struct {
	AttributeName string
	DatasetID     string
	Result        UpdateOperationResult
	Reason        string
}

type UpdateResult struct {
	Updated    []AttributeOutcome
	NotUpdated []AttributeOutcome
}

func (r *UpdateResult) Add(outcomes ...AttributeOutcome) {
	for _, o := range outcomes {
		if o.Result.IsUpdate() {
			r.Updated = append(r.Updated, o)
		} else {
			r.NotUpdated = append(r.NotUpdated, o)
		}
	}
}

func (r UpdateResult) HasUpdates() bool {
	return len(r.Updated) > 0
}

func (r UpdateResult) HasFailures() bool {
	for _, o := range r.NotUpdated {
		if o.Result == Failed {
			return true
		}
	}
	return false
}

// UpdatedNames returns the distinct names of the updated attributes, sorted
func (r UpdateResult) UpdatedNames() []string {
	seen := map[string]bool{}
	names := []string{}
	for _, o := range r.Updated {
		if !seen[o.AttributeName] {
			seen[o.AttributeName] = true
			names = append(names, o.AttributeName)
		}
	}
	sort.Strings(names)
	return names
}

// Report converts the result to its wire format, using compact to shorten attribute names
func (r UpdateResult) Report(compact func(string) string) *UpdateEntityAttributesResult {
	uear := &UpdateEntityAttributesResult{
		Updated: []string{},
		NotUpdated: []struct {
			AttributeName string `json:"attributeName"`
			Reason        string `json:"reason"`
		}{},
	}

	for _, name := range r.UpdatedNames() {
		uear.Updated = append(uear.Updated, compact(name))
	}

	for _, o := range r.NotUpdated {
		uear.NotUpdated = append(uear.NotUpdated, struct {
			AttributeName string `json:"attributeName"`
			Reason        string `json:"reason"`
		}{AttributeName: compact(o.AttributeName), Reason: o.Reason})
	}

	return uear
}

type UpdateEntityAttributesResult struct {
	Updated    []string `json:"updated"`
	NotUpdated []struct {
		AttributeName string `json:"attributeName"`
		Reason        string `json:"reason"`
	} `json:"notUpdated"`
}

// NewUpdateEntityAttributesResult decodes a response body. An empty body means
// that every attribute was updated.
func NewUpdateEntityAttributesResult(body []byte) (*UpdateEntityAttributesResult, error) {
	uear := &UpdateEntityAttributesResult{}

	if len(body) > 0 {
		if err := json.Unmarshal(body, uear); err != nil {
			return nil, err
		}
	}

	return uear, nil
}

func (uear *UpdateEntityAttributesResult) Bytes() []byte {
	b, _ := json.Marshal(uear)
	return b
}

func (uear *UpdateEntityAttributesResult) IsMultiStatus() bool {
	return len(uear.NotUpdated) > 0
}

type BatchEntityError struct {
	EntityID string   `json:"entityId"`
	Reasons  []string `json:"reasons"`
}

// BatchResult lists the entities that a batch operation succeeded and failed for
type BatchResult struct {
	Success []string           `json:"success"`
	Errors  []BatchEntityError `json:"errors"`
}

func NewBatchResult() *BatchResult {
	return &BatchResult{
		Success: []string{},
		Errors:  []BatchEntityError{},
	}
}

func NewBatchResultFromJSON(body []byte) (*BatchResult, error) {
	br := NewBatchResult()

	if len(body) > 0 {
		if err := json.Unmarshal(body, br); err != nil {
			return nil, err
		}
	}

	return br, nil
}

func (br *BatchResult) AddSuccess(entityID string) {
	br.Success = append(br.Success, entityID)
}

func (br *BatchResult) AddError(entityID string, reasons ...string) {
	br.Errors = append(br.Errors, BatchEntityError{EntityID: entityID, Reasons: reasons})
}

// Sort orders successes and errors by entity id
func (br *BatchResult) Sort() {
	sort.Strings(br.Success)
	sort.Slice(br.Errors, func(i, j int) bool {
		return br.Errors[i].EntityID < br.Errors[j].EntityID
	})
}

func (br *BatchResult) Bytes() []byte {
	b, _ := json.Marshal(br)
	return b
}

func (br *BatchResult) IsMultiStatus() bool {
	return len(br.Errors) > 0
}
