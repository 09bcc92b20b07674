package docintel

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DocumentHandle identifies an uploaded document on the remote service
type DocumentHandle string

// Document is the raw file submitted for analysis
type Document struct {
	Filename string
	Content  []byte
}

// UploadResult is returned by a successful upload
type UploadResult struct {
	Handle          DocumentHandle
	ChunksProcessed int
	ProcessingTime  string
}

// Text is a string field that tolerates numbers, booleans and null in the
// generated payloads. Null and missing both decode to the empty string.
type Text string

// UnmarshalJSON accepts any JSON scalar
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}

	// Numbers and booleans keep their literal form
	*t = Text(string(data))
	return nil
}

// String returns the trimmed value
func (t Text) String() string {
	return strings.TrimSpace(string(t))
}

// GeneratedRule is a monitoring rule as produced by the remote service
type GeneratedRule struct {
	Name        Text `json:"name"`
	RuleName    Text `json:"rule_name"`
	Description Text `json:"description"`
	Metric      Text `json:"metric"`
	MetricValue Text `json:"metric_value"`
	Threshold   Text `json:"threshold"`
	Consequence Text `json:"consequence"`
	Condition   Text `json:"condition"`
	Action      Text `json:"action"`
	Priority    Text `json:"priority"`
	Category    Text `json:"category"`
}

// GeneratedMaintenanceTask is a maintenance item as produced by the remote service
type GeneratedMaintenanceTask struct {
	Task              Text `json:"task"`
	TaskName          Text `json:"task_name"`
	Description       Text `json:"description"`
	Frequency         Text `json:"frequency"`
	Priority          Text `json:"priority"`
	EstimatedDuration Text `json:"estimated_duration"`
	RequiredTools     Text `json:"required_tools"`
	Category          Text `json:"category"`
	SafetyNotes       Text `json:"safety_notes"`
}

// GeneratedSafetyItem is a safety precaution as produced by the remote service
type GeneratedSafetyItem struct {
	Title             Text `json:"title"`
	Description       Text `json:"description"`
	Type              Text `json:"type"`
	Category          Text `json:"category"`
	Severity          Text `json:"severity"`
	Mitigation        Text `json:"mitigation"`
	RecommendedAction Text `json:"recommended_action"`
}

type uploadResponse struct {
	Success         *bool  `json:"success"`
	Message         Text   `json:"message"`
	PDFName         Text   `json:"pdf_name"`
	ChunksProcessed Text   `json:"chunks_processed"`
	ProcessingTime  Text   `json:"processing_time"`
	CollectionName  string `json:"collection_name"`
}

type rulesResponse struct {
	Success *bool           `json:"success"`
	Message Text            `json:"message"`
	Rules   []GeneratedRule `json:"rules"`
}

type maintenanceResponse struct {
	Success          *bool                      `json:"success"`
	Message          Text                       `json:"message"`
	MaintenanceTasks []GeneratedMaintenanceTask `json:"maintenance_tasks"`
}

type safetyResponse struct {
	Success           *bool                 `json:"success"`
	Message           Text                  `json:"message"`
	SafetyPrecautions []GeneratedSafetyItem `json:"safety_precautions"`
	SafetyInformation []GeneratedSafetyItem `json:"safety_information"`
}

// failed reports an explicit success=false in a response envelope
func failed(success *bool) bool {
	return success != nil && !*success
}

func atoi(t Text) int {
	n, err := strconv.Atoi(t.String())
	if err != nil {
		return 0
	}
	return n
}
