package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one YAML scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Site scopes every step. Defaults to "s1".
	Site string `yaml:"site,omitempty"`

	// Remote seeds the remote service before the first step.
	Remote []RemoteItem `yaml:"remote,omitempty"`

	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect *FinalExpect `yaml:"expect,omitempty"`
}

// ResourceArgs names a resource of the scenario's site.
type ResourceArgs struct {
	Type     string `yaml:"type"`
	Resource string `yaml:"resource"`
}

// ItemArgs names an item within a resource.
type ItemArgs struct {
	Type     string         `yaml:"type"`
	Resource string         `yaml:"resource"`
	Instance string         `yaml:"instance"`
	Fields   map[string]any `yaml:"fields,omitempty"`
}

// RemoteItem seeds one remote item.
type RemoteItem = ItemArgs

// FileArgs is a file attached to a queued write.
type FileArgs struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

// QueueArgs describes an offline write.
type QueueArgs struct {
	Type     string         `yaml:"type"`
	Resource string         `yaml:"resource"`
	Instance string         `yaml:"instance,omitempty"`
	Action   string         `yaml:"action"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Files    []FileArgs     `yaml:"files,omitempty"`
	// As names the placeholder generated for an additive write.
	As string `yaml:"as,omitempty"`
}

// FailArgs describes an injected remote failure.
type FailArgs struct {
	Type string `yaml:"type"`
	// Resource and Instance, when both set, target one item.
	Resource    string `yaml:"resource,omitempty"`
	Instance    string `yaml:"instance,omitempty"`
	Status      string `yaml:"status"`
	Message     string `yaml:"message,omitempty"`
	SafeToRetry bool   `yaml:"safe_to_retry,omitempty"`
}

// SyncArgs selects what a sync step syncs. Empty Type syncs the whole site.
type SyncArgs = ResourceArgs

// Step is one scenario step. Exactly one action field is set.
type Step struct {
	Open        *ResourceArgs `yaml:"open,omitempty"`
	Queue       *QueueArgs    `yaml:"queue,omitempty"`
	RemoteTouch *ItemArgs     `yaml:"remote_touch,omitempty"`
	FailNext    *FailArgs     `yaml:"fail_next,omitempty"`
	FailUpload  *FailArgs     `yaml:"fail_upload,omitempty"`
	Offline     bool          `yaml:"offline,omitempty"`
	Online      bool          `yaml:"online,omitempty"`
	Block       *ResourceArgs `yaml:"block,omitempty"`
	Unblock     *ResourceArgs `yaml:"unblock,omitempty"`
	Sync        *SyncArgs     `yaml:"sync,omitempty"`
	Discard     *ItemArgs     `yaml:"discard,omitempty"`

	// Expect checks the result of a sync step.
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// SyncExpect checks a sync step. Unset fields are not checked.
type SyncExpect struct {
	Outcome  string `yaml:"outcome,omitempty"`
	Updated  *bool  `yaml:"updated,omitempty"`
	Warnings *int   `yaml:"warnings,omitempty"`
	// Results is the number of resources a site-wide sync touched.
	Results *int `yaml:"results,omitempty"`
}

// FinalExpect checks the state after the last step.
type FinalExpect struct {
	Pending *int           `yaml:"pending,omitempty"`
	Remote  []RemoteExpect `yaml:"remote,omitempty"`
}

// RemoteExpect checks remote state. With an instance, Fields is a subset
// match and Absent asserts the item does not exist; without one, Items
// counts the resource's items.
type RemoteExpect struct {
	Type     string         `yaml:"type"`
	Resource string         `yaml:"resource"`
	Instance string         `yaml:"instance,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Absent   bool           `yaml:"absent,omitempty"`
	Items    *int           `yaml:"items,omitempty"`
}

// Fail statuses.
const (
	StatusTransient = "transient"
	StatusConflict  = "conflict"
	StatusRejected  = "rejected"
)

// LoadScenario reads and validates a scenario file. Unknown fields are an
// error.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Site == "" {
		scenario.Site = "s1"
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, item := range s.Remote {
		if item.Type == "" || item.Resource == "" || item.Instance == "" {
			return fmt.Errorf("remote[%d]: type, resource and instance are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	n := 0
	for _, set := range []bool{
		st.Open != nil, st.Queue != nil, st.RemoteTouch != nil,
		st.FailNext != nil, st.FailUpload != nil, st.Offline, st.Online,
		st.Block != nil, st.Unblock != nil, st.Sync != nil, st.Discard != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, n)
	}
	if st.Expect != nil && st.Sync == nil {
		return fmt.Errorf("steps[%d]: expect is only allowed on sync steps", index)
	}

	switch {
	case st.Queue != nil:
		if st.Queue.Type == "" || st.Queue.Resource == "" || st.Queue.Action == "" {
			return fmt.Errorf("steps[%d].queue: type, resource and action are required", index)
		}
	case st.FailNext != nil:
		return validateFail(index, "fail_next", st.FailNext)
	case st.FailUpload != nil:
		return validateFail(index, "fail_upload", st.FailUpload)
	case st.Sync != nil:
		if (st.Sync.Type == "") != (st.Sync.Resource == "") {
			return fmt.Errorf("steps[%d].sync: type and resource go together", index)
		}
	}
	return nil
}

func validateFail(index int, name string, f *FailArgs) error {
	if f.Type == "" {
		return fmt.Errorf("steps[%d].%s: type is required", index, name)
	}
	switch f.Status {
	case StatusTransient, StatusConflict, StatusRejected:
	default:
		return fmt.Errorf("steps[%d].%s: unknown status %q", index, name, f.Status)
	}
	return nil
}
