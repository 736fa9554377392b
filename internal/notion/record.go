package notion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PropertyType is the type tag Notion attaches to every page property.
type PropertyType string

const (
	PropertyTypeTitle          PropertyType = "title"
	PropertyTypeRichText       PropertyType = "rich_text"
	PropertyTypeSelect         PropertyType = "select"
	PropertyTypeStatus         PropertyType = "status"
	PropertyTypeMultiSelect    PropertyType = "multi_select"
	PropertyTypeDate           PropertyType = "date"
	PropertyTypePeople         PropertyType = "people"
	PropertyTypeFiles          PropertyType = "files"
	PropertyTypeCheckbox       PropertyType = "checkbox"
	PropertyTypeNumber         PropertyType = "number"
	PropertyTypeURL            PropertyType = "url"
	PropertyTypeEmail          PropertyType = "email"
	PropertyTypePhoneNumber    PropertyType = "phone_number"
	PropertyTypeFormula        PropertyType = "formula"
	PropertyTypeCreatedTime    PropertyType = "created_time"
	PropertyTypeLastEditedTime PropertyType = "last_edited_time"
	PropertyTypeRelation       PropertyType = "relation"
)

// ErrInvalidRecord indicates a page payload could not be decoded.
var ErrInvalidRecord = errors.New("notion: invalid record")

// Record is one page returned by a database query.
type Record struct {
	ID             string
	URL            string
	CreatedTime    string
	LastEditedTime string
	Properties     Properties
	raw            json.RawMessage
}

// Raw returns the page payload exactly as it was received.
func (r Record) Raw() json.RawMessage {
	return r.raw
}

// Title returns the plain text of the record's title property, if any.
func (r Record) Title() string {
	for _, property := range r.Properties {
		if property.Type != PropertyTypeTitle {
			continue
		}
		if value, ok := property.Value.(RichTextValue); ok {
			return value.PlainText()
		}
	}
	return ""
}

// Properties is the property set of a record sorted by property name.
type Properties []Property

// Lookup returns the property with the provided name.
func (p Properties) Lookup(name string) (Property, bool) {
	index := sort.Search(len(p), func(i int) bool { return p[i].Name >= name })
	if index < len(p) && p[index].Name == name {
		return p[index], true
	}
	return Property{}, false
}

// Names returns property names in canonical order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(p))
	for _, property := range p {
		names = append(names, property.Name)
	}
	return names
}

// Property is a single named, typed value of a record.
type Property struct {
	Name  string
	ID    string
	Type  PropertyType
	Value Value
}

type pagePayload struct {
	Object         string                     `json:"object"`
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	CreatedTime    string                     `json:"created_time"`
	LastEditedTime string                     `json:"last_edited_time"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

// DecodeRecord parses a page payload. The raw bytes are retained verbatim.
func DecodeRecord(raw []byte) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrInvalidRecord)
	}
	var payload pagePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	properties := make(Properties, 0, len(payload.Properties))
	for name, rawProperty := range payload.Properties {
		properties = append(properties, decodeProperty(name, rawProperty))
	}
	sort.Slice(properties, func(i, j int) bool { return properties[i].Name < properties[j].Name })

	return Record{
		ID:             payload.ID,
		URL:            payload.URL,
		CreatedTime:    payload.CreatedTime,
		LastEditedTime: payload.LastEditedTime,
		Properties:     properties,
		raw:            append(json.RawMessage(nil), trimmed...),
	}, nil
}

// UnmarshalJSON allows records to be decoded from query result arrays.
func (r *Record) UnmarshalJSON(data []byte) error {
	record, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*r = record
	return nil
}

// MarshalJSON emits the original page payload.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}
