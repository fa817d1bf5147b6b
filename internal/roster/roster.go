// Package roster decodes remote roster snapshots.
//
// A snapshot is a JSON array (or YAML sequence) of employee records. A payload
// that is not an array is rejected as a whole with a model.ValidationError.
// Each record is decoded strictly on its own: unknown fields and mistyped
// values mark that record Malformed, and reconciliation skips it while
// applying the rest. Field-level checks such as a missing remote_id are also
// left to reconciliation.
package roster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kiosk-go/internal/model"
)

// Format is a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension. Anything that is not
// .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// jsonRecord is one roster entry on the wire. FeatureVector stays raw so an
// explicit null can be told apart from an absent field.
type jsonRecord struct {
	RemoteID            int64           `json:"remote_id"`
	SequenceNumber      *int64          `json:"external_sequence_number"`
	DisplayName         string          `json:"display_name"`
	ExternalCode        *string         `json:"external_code"`
	FeatureVector       json.RawMessage `json:"feature_vector"`
	EnrollmentTimestamp *time.Time      `json:"enrollment_timestamp"`
}

type yamlRecord struct {
	RemoteID            int64      `yaml:"remote_id"`
	SequenceNumber      *int64     `yaml:"external_sequence_number"`
	DisplayName         string     `yaml:"display_name"`
	ExternalCode        *string    `yaml:"external_code"`
	FeatureVector       yaml.Node  `yaml:"feature_vector"`
	EnrollmentTimestamp *time.Time `yaml:"enrollment_timestamp"`
}

// Decode reads a whole snapshot from r.
func Decode(r io.Reader, format Format) ([]model.RemoteEmployee, error) {
	switch format {
	case FormatJSON:
		return decodeJSON(r)
	case FormatYAML:
		return decodeYAML(r)
	default:
		return nil, fmt.Errorf("unknown roster format: %s", format)
	}
}

// Load decodes the snapshot file at path, picking the format from its extension.
func Load(path string) ([]model.RemoteEmployee, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening roster: %w", err)
	}
	defer f.Close()

	records, err := Decode(f, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}
	return records, nil
}

func decodeJSON(r io.Reader) ([]model.RemoteEmployee, error) {
	dec := json.NewDecoder(r)

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, invalid(err)
	}
	if dec.More() {
		return nil, invalid(errors.New("trailing data after roster array"))
	}

	out := make([]model.RemoteEmployee, len(raw))
	for i, elem := range raw {
		e, err := decodeJSONRecord(elem)
		if err != nil {
			e = peekJSON(elem)
			e.Malformed = fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

func decodeJSONRecord(elem json.RawMessage) (model.RemoteEmployee, error) {
	dec := json.NewDecoder(bytes.NewReader(elem))
	dec.DisallowUnknownFields()

	var rec jsonRecord
	if err := dec.Decode(&rec); err != nil {
		return model.RemoteEmployee{}, err
	}

	e := model.RemoteEmployee{
		RemoteID:       rec.RemoteID,
		SequenceNumber: rec.SequenceNumber,
		DisplayName:    rec.DisplayName,
		ExternalCode:   rec.ExternalCode,
		EnrolledAt:     rec.EnrollmentTimestamp,
	}
	switch {
	case rec.FeatureVector == nil:
		e.VectorState = model.VectorAbsent
	case bytes.Equal(bytes.TrimSpace(rec.FeatureVector), []byte("null")):
		e.VectorState = model.VectorCleared
	default:
		if err := json.Unmarshal(rec.FeatureVector, &e.Vector); err != nil {
			return model.RemoteEmployee{}, fmt.Errorf("feature_vector: %w", err)
		}
		e.VectorState = model.VectorProvided
	}
	return e, nil
}

// peekJSON reads the identifying fields of a record that failed to decode.
// A readable remote_id still keeps its employee out of the deletion sweep.
func peekJSON(elem json.RawMessage) model.RemoteEmployee {
	var e model.RemoteEmployee
	var fields map[string]json.RawMessage
	if json.Unmarshal(elem, &fields) != nil {
		return e
	}
	_ = json.Unmarshal(fields["remote_id"], &e.RemoteID)
	_ = json.Unmarshal(fields["display_name"], &e.DisplayName)
	return e
}

func decodeYAML(r io.Reader) ([]model.RemoteEmployee, error) {
	var raw []yaml.Node
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, invalid(err)
	}

	out := make([]model.RemoteEmployee, len(raw))
	for i := range raw {
		e, err := decodeYAMLRecord(&raw[i])
		if err != nil {
			e = peekYAML(&raw[i])
			e.Malformed = fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

func decodeYAMLRecord(node *yaml.Node) (model.RemoteEmployee, error) {
	// Node.Decode ignores KnownFields, so the element goes through a strict
	// decoder of its own.
	b, err := yaml.Marshal(node)
	if err != nil {
		return model.RemoteEmployee{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var rec yamlRecord
	if err := dec.Decode(&rec); err != nil {
		return model.RemoteEmployee{}, err
	}

	e := model.RemoteEmployee{
		RemoteID:       rec.RemoteID,
		SequenceNumber: rec.SequenceNumber,
		DisplayName:    rec.DisplayName,
		ExternalCode:   rec.ExternalCode,
		EnrolledAt:     rec.EnrollmentTimestamp,
	}
	switch {
	case rec.FeatureVector.Kind == 0:
		e.VectorState = model.VectorAbsent
	case rec.FeatureVector.ShortTag() == "!!null":
		e.VectorState = model.VectorCleared
	default:
		if err := rec.FeatureVector.Decode(&e.Vector); err != nil {
			return model.RemoteEmployee{}, fmt.Errorf("feature_vector: %w", err)
		}
		e.VectorState = model.VectorProvided
	}
	return e, nil
}

func peekYAML(node *yaml.Node) model.RemoteEmployee {
	var e model.RemoteEmployee
	if node.Kind != yaml.MappingNode {
		return e
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "remote_id":
			_ = node.Content[i+1].Decode(&e.RemoteID)
		case "display_name":
			_ = node.Content[i+1].Decode(&e.DisplayName)
		}
	}
	return e
}

func invalid(err error) error {
	return &model.ValidationError{Field: "roster", Message: err.Error()}
}
