// Package dictionary supplies the concrete candidate values behind every
// fuzzable primitive: the user dictionary, optional value generators, and
// the per-kind defaults, composed into the candidate values pool.
package dictionary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidDictionary reports that some primitive has no candidate values
// from any source. This is fatal: the run aborts with a configuration
// error exit code.
var ErrInvalidDictionary = errors.New("invalid dictionary")

// Dictionary is the user-provided mutations dictionary. The key names
// follow the grammar file conventions.
type Dictionary struct {
	FuzzableString   []string `json:"fuzzable_string,omitempty"`
	FuzzableInt      []string `json:"fuzzable_int,omitempty"`
	FuzzableNumber   []string `json:"fuzzable_number,omitempty"`
	FuzzableBool     []string `json:"fuzzable_bool,omitempty"`
	FuzzableDate     []string `json:"fuzzable_date,omitempty"`
	FuzzableDateTime []string `json:"fuzzable_datetime,omitempty"`
	FuzzableUUID4    []string `json:"fuzzable_uuid4,omitempty"`
	FuzzableObject   []string `json:"fuzzable_object,omitempty"`

	// CustomPayload maps payload tags to their candidate values.
	CustomPayload map[string][]string `json:"custom_payload,omitempty"`
	// CustomPayloadUUIDSuffix maps tags to the base value that receives a
	// fresh uuid suffix at render time.
	CustomPayloadUUIDSuffix map[string]string `json:"custom_payload_uuid4_suffix,omitempty"`

	// ShadowValues carries the secondary-identity values used by the
	// namespace checker: payload tag -> shadow value list.
	ShadowValues map[string][]string `json:"shadow_values,omitempty"`
}

// LoadDictionary reads and parses a dictionary JSON file.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	var d Dictionary
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDictionary, err)
	}
	return &d, nil
}
