package notion

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Value is the decoded payload of a property. The concrete type is one of
// the variants below; UnknownValue and MalformedValue cover everything else.
type Value interface {
	isValue()
}

// SelectOption is an option of a select, status or multi_select property.
type SelectOption struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// User references a workspace member.
type User struct {
	Object string `json:"object"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
}

// Mention is the payload of a mention rich text run.
type Mention struct {
	Type string `json:"type"`
	User *User  `json:"user,omitempty"`
}

// TextContent is the payload of a text rich text run.
type TextContent struct {
	Content string `json:"content"`
}

// RichText is a single run of a title or rich_text property.
type RichText struct {
	Type      string       `json:"type"`
	PlainText string       `json:"plain_text"`
	Text      *TextContent `json:"text,omitempty"`
	Mention   *Mention     `json:"mention,omitempty"`
}

// MentionedUserID returns the user id when the run is a user mention.
func (run RichText) MentionedUserID() (string, bool) {
	if run.Type != "mention" || run.Mention == nil || run.Mention.Type != "user" || run.Mention.User == nil {
		return "", false
	}
	if strings.TrimSpace(run.Mention.User.ID) == "" {
		return "", false
	}
	return run.Mention.User.ID, true
}

// Content returns the display text of the run ignoring mentions.
func (run RichText) Content() string {
	if run.PlainText != "" {
		return run.PlainText
	}
	if run.Text != nil {
		return run.Text.Content
	}
	return ""
}

// DateRange is the payload of a date property or date formula result.
type DateRange struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// FileLink holds the URL of a hosted or external file.
type FileLink struct {
	URL string `json:"url"`
}

// File is a single entry of a files property.
type File struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	File     *FileLink `json:"file,omitempty"`
	External *FileLink `json:"external,omitempty"`
}

// Link returns the download URL regardless of hosting type.
func (f File) Link() string {
	if f.External != nil && f.External.URL != "" {
		return f.External.URL
	}
	if f.File != nil {
		return f.File.URL
	}
	return ""
}

// FormulaResult is the computed value of a formula property.
type FormulaResult struct {
	Type    string     `json:"type"`
	String  *string    `json:"string,omitempty"`
	Number  *float64   `json:"number,omitempty"`
	Boolean *bool      `json:"boolean,omitempty"`
	Date    *DateRange `json:"date,omitempty"`
}

type relationEntry struct {
	ID string `json:"id"`
}

// SelectValue holds a select or status option; Option is nil when unset.
type SelectValue struct {
	Option *SelectOption
}

// MultiSelectValue holds the chosen options of a multi_select property.
type MultiSelectValue struct {
	Options []SelectOption
}

// RichTextValue holds the runs of a title or rich_text property.
type RichTextValue struct {
	Runs []RichText
}

// PlainText concatenates every run without resolving mentions.
func (v RichTextValue) PlainText() string {
	var builder strings.Builder
	for _, run := range v.Runs {
		builder.WriteString(run.Content())
	}
	return builder.String()
}

// DateValue holds a date property; Date is nil when unset.
type DateValue struct {
	Date *DateRange
}

// PeopleValue holds the users of a people property.
type PeopleValue struct {
	People []User
}

// FilesValue holds the entries of a files property.
type FilesValue struct {
	Files []File
}

// CheckboxValue holds a checkbox state.
type CheckboxValue struct {
	Checked bool
}

// NumberValue holds a number; Number is nil when unset.
type NumberValue struct {
	Number *float64
}

// URLValue holds a url property; URL is nil when unset.
type URLValue struct {
	URL *string
}

// TextValue holds an email or phone_number property.
type TextValue struct {
	Text *string
}

// FormulaValue holds a formula result.
type FormulaValue struct {
	Result FormulaResult
}

// TimestampValue holds a created_time or last_edited_time property.
type TimestampValue struct {
	Time string
}

// RelationValue holds the ids of related records.
type RelationValue struct {
	IDs []string
}

// UnknownValue holds the type-keyed payload of a property type this package
// does not model. Raw is nil when the payload is absent or null.
type UnknownValue struct {
	Raw json.RawMessage
}

// MalformedValue marks a known property type whose payload did not decode.
type MalformedValue struct {
	Raw json.RawMessage
	Err error
}

func (SelectValue) isValue()      {}
func (MultiSelectValue) isValue() {}
func (RichTextValue) isValue()    {}
func (DateValue) isValue()        {}
func (PeopleValue) isValue()      {}
func (FilesValue) isValue()       {}
func (CheckboxValue) isValue()    {}
func (NumberValue) isValue()      {}
func (URLValue) isValue()         {}
func (TextValue) isValue()        {}
func (FormulaValue) isValue()     {}
func (TimestampValue) isValue()   {}
func (RelationValue) isValue()    {}
func (UnknownValue) isValue()     {}
func (MalformedValue) isValue()   {}

type propertyEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func decodeProperty(name string, raw json.RawMessage) Property {
	var envelope propertyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Property{Name: name, Value: MalformedValue{Raw: raw, Err: err}}
	}

	property := Property{
		Name: name,
		ID:   envelope.ID,
		Type: PropertyType(envelope.Type),
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		property.Value = MalformedValue{Raw: raw, Err: err}
		return property
	}
	payload := fields[envelope.Type]

	value, err := decodeValue(property.Type, payload)
	if err != nil {
		property.Value = MalformedValue{Raw: payload, Err: err}
		return property
	}
	property.Value = value
	return property
}

func decodeValue(propertyType PropertyType, payload json.RawMessage) (Value, error) {
	switch propertyType {
	case PropertyTypeSelect, PropertyTypeStatus:
		var option *SelectOption
		if err := unmarshalOptional(payload, &option); err != nil {
			return nil, err
		}
		return SelectValue{Option: option}, nil
	case PropertyTypeMultiSelect:
		var options []SelectOption
		if err := unmarshalOptional(payload, &options); err != nil {
			return nil, err
		}
		return MultiSelectValue{Options: options}, nil
	case PropertyTypeTitle, PropertyTypeRichText:
		var runs []RichText
		if err := unmarshalOptional(payload, &runs); err != nil {
			return nil, err
		}
		return RichTextValue{Runs: runs}, nil
	case PropertyTypeDate:
		var date *DateRange
		if err := unmarshalOptional(payload, &date); err != nil {
			return nil, err
		}
		return DateValue{Date: date}, nil
	case PropertyTypePeople:
		var people []User
		if err := unmarshalOptional(payload, &people); err != nil {
			return nil, err
		}
		return PeopleValue{People: people}, nil
	case PropertyTypeFiles:
		var files []File
		if err := unmarshalOptional(payload, &files); err != nil {
			return nil, err
		}
		return FilesValue{Files: files}, nil
	case PropertyTypeCheckbox:
		var checked bool
		if err := unmarshalOptional(payload, &checked); err != nil {
			return nil, err
		}
		return CheckboxValue{Checked: checked}, nil
	case PropertyTypeNumber:
		var number *float64
		if err := unmarshalOptional(payload, &number); err != nil {
			return nil, err
		}
		return NumberValue{Number: number}, nil
	case PropertyTypeURL:
		var url *string
		if err := unmarshalOptional(payload, &url); err != nil {
			return nil, err
		}
		return URLValue{URL: url}, nil
	case PropertyTypeEmail, PropertyTypePhoneNumber:
		var text *string
		if err := unmarshalOptional(payload, &text); err != nil {
			return nil, err
		}
		return TextValue{Text: text}, nil
	case PropertyTypeFormula:
		var result FormulaResult
		if err := unmarshalOptional(payload, &result); err != nil {
			return nil, err
		}
		return FormulaValue{Result: result}, nil
	case PropertyTypeCreatedTime, PropertyTypeLastEditedTime:
		var timestamp string
		if err := unmarshalOptional(payload, &timestamp); err != nil {
			return nil, err
		}
		return TimestampValue{Time: timestamp}, nil
	case PropertyTypeRelation:
		var entries []relationEntry
		if err := unmarshalOptional(payload, &entries); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			if strings.TrimSpace(entry.ID) != "" {
				ids = append(ids, entry.ID)
			}
		}
		return RelationValue{IDs: ids}, nil
	default:
		if isNull(payload) {
			return UnknownValue{}, nil
		}
		return UnknownValue{Raw: append(json.RawMessage(nil), payload...)}, nil
	}
}

func unmarshalOptional(payload json.RawMessage, target any) error {
	if isNull(payload) {
		return nil
	}
	return json.Unmarshal(payload, target)
}

func isNull(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
