// Package extract turns retrieved document context into a record that
// matches a declared schema, asking the model to repair its output when it
// does not.
package extract

import (
	"fmt"
	"strings"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

type FieldType string

const (
	TypeString       FieldType = "string"
	TypeListOfString FieldType = "list_of_string"
	TypeInteger      FieldType = "integer"
	TypeDate         FieldType = "date"
	TypeEnum         FieldType = "enum"
	TypeRecordList   FieldType = "list_of_record"
)

// DateLayout is the canonical date form in results.
const DateLayout = "2006-01-02"

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeListOfString, TypeInteger, TypeDate, TypeEnum, TypeRecordList:
		return true
	}
	return false
}

// describe is the field's type as the model sees it in prompts.
func (f Field) describe() string {
	switch f.Type {
	case TypeListOfString:
		return "list of strings"
	case TypeInteger:
		return "integer"
	case TypeDate:
		return "date string in YYYY-MM-DD format"
	case TypeEnum:
		return "one of " + quoteAll(f.Enum)
	case TypeRecordList:
		parts := make([]string, len(f.Items))
		for i, item := range f.Items {
			req := "optional"
			if item.Required {
				req = "required"
			}
			parts[i] = fmt.Sprintf("%q: %s, %s", item.Name, item.describe(), req)
		}
		return "list of objects, each {" + strings.Join(parts, "; ") + "}"
	default:
		return "string"
	}
}

type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Enum        []string
	Description string
	// Items are the fields of each record of a list_of_record field.
	Items []Field
}

// Schema is an ordered list of fields. Task, when set, replaces the
// default opening instruction of the prompt.
type Schema struct {
	Name   string
	Task   string
	Fields []Field
}

// Validate checks the schema itself, not a response.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return docerr.Configf("schema", "no fields")
	}
	return validateFields(s.Fields, "")
}

func validateFields(fields []Field, parent string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return docerr.Configf("schema", "field with empty name%s", parent)
		}
		if seen[f.Name] {
			return docerr.Configf("schema", "duplicate field %q%s", f.Name, parent)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return docerr.Configf("schema", "field %q has unknown type %q", f.Name, f.Type)
		}
		if f.Type == TypeEnum && len(f.Enum) == 0 {
			return docerr.Configf("schema", "enum field %q has no values", f.Name)
		}
		if f.Type == TypeRecordList {
			if len(f.Items) == 0 {
				return docerr.Configf("schema", "record field %q has no item fields", f.Name)
			}
			if err := validateFields(f.Items, fmt.Sprintf(" in %q", f.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DocumentSchema is the metadata record produced for every analysed
// document.
func DocumentSchema() Schema {
	return Schema{
		Name: "DocumentMetadata",
		Fields: []Field{
			{Name: "Summary", Type: TypeListOfString, Required: true, Description: "concise summary of the document as a list of key points"},
			{Name: "Title", Type: TypeString, Required: true, Description: "document title"},
			{Name: "Author", Type: TypeListOfString, Required: true, Description: "authors; use [\"Unknown\"] if none are stated"},
			{Name: "DateCreated", Type: TypeDate, Description: "creation date"},
			{Name: "LastModifiedDate", Type: TypeDate, Description: "last modification date"},
			{Name: "Publisher", Type: TypeString, Description: "publisher or organisation"},
			{Name: "Language", Type: TypeString, Required: true, Description: "primary language of the text"},
			{Name: "PageCount", Type: TypeInteger, Description: "number of pages"},
			{Name: "SentimentTone", Type: TypeEnum, Enum: []string{"positive", "negative", "neutral", "mixed"}, Description: "overall tone"},
		},
	}
}

func quoteAll(values []string) string {
	q := make([]string, len(values))
	for i, v := range values {
		q[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(q, ", ")
}

// ComparisonSchema is the page-by-page change record produced when a
// reference document is compared with an actual one.
func ComparisonSchema() Schema {
	return Schema{
		Name: "DocumentComparison",
		Task: "You compare two versions of a document. The reference document and the actual document are given below, each split into pages. Compare them page by page and fill in a JSON object with exactly these fields:",
		Fields: []Field{
			{
				Name:        "Pages",
				Type:        TypeRecordList,
				Required:    true,
				Description: `one entry per page in page order; Changes is "NO CHANGE" when the page is the same in both documents`,
				Items: []Field{
					{Name: "Page", Type: TypeInteger, Required: true},
					{Name: "Changes", Type: TypeString, Required: true},
				},
			},
		},
	}
}
