// Package tasktype defines the closed set of conversion task types, their
// typed parameters and how each one is priced.
package tasktype

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Kind string

const (
	PDFToMarkdown   Kind = "pdf-to-markdown"
	ImageToMarkdown Kind = "image-to-markdown"
	MarkdownToPDF   Kind = "markdown-to-pdf"
	PDFTranslate    Kind = "pdf-translate"
	ImageTranslate  Kind = "image-translate"
)

// All returns every supported kind.
func All() []Kind {
	return []Kind{PDFToMarkdown, ImageToMarkdown, MarkdownToPDF, PDFTranslate, ImageTranslate}
}

var (
	// ErrUnknownType is returned for a task_type outside the closed set.
	ErrUnknownType = errors.New("unknown task type")
	// ErrValidation wraps schema violations in task parameters.
	ErrValidation = errors.New("invalid task parameters")
)

// Parse maps a wire task_type to a Kind.
func Parse(s string) (Kind, error) {
	for _, k := range All() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Params is implemented only by the parameter structs in this package.
type Params interface {
	Kind() Kind
	isParams()
}

type PDFToMarkdownParams struct {
	PageCount *int `json:"page_count,omitempty"`
	OCR       bool `json:"ocr,omitempty"`
}

type ImageToMarkdownParams struct {
	Language string `json:"language,omitempty"`
}

type MarkdownToPDFParams struct {
	Theme string `json:"theme,omitempty"`
}

type PDFTranslateParams struct {
	PageCount  *int   `json:"page_count,omitempty"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

type ImageTranslateParams struct {
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

func (PDFToMarkdownParams) Kind() Kind   { return PDFToMarkdown }
func (ImageToMarkdownParams) Kind() Kind { return ImageToMarkdown }
func (MarkdownToPDFParams) Kind() Kind   { return MarkdownToPDF }
func (PDFTranslateParams) Kind() Kind    { return PDFTranslate }
func (ImageTranslateParams) Kind() Kind  { return ImageTranslate }

func (PDFToMarkdownParams) isParams()   {}
func (ImageToMarkdownParams) isParams() {}
func (MarkdownToPDFParams) isParams()   {}
func (PDFTranslateParams) isParams()    {}
func (ImageTranslateParams) isParams()  {}

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks raw parameters against the per-kind JSON schema before
// they are decoded into a Params value.
type Validator struct {
	schemas map[Kind]*jsonschema.Schema
}

// NewValidator compiles the embedded schema of every kind.
func NewValidator() (*Validator, error) {
	schemas := make(map[Kind]*jsonschema.Schema, len(All()))
	for _, k := range All() {
		data, err := schemaFS.ReadFile("schemas/" + string(k) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", k, err)
		}
		s, err := jsonschema.CompileString("https://docflow.dev/schemas/"+string(k)+".json", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", k, err)
		}
		schemas[k] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Decode validates raw against the schema for kind and returns the typed
// parameters. Empty input is treated as an empty object.
func (v *Validator) Decode(kind Kind, raw json.RawMessage) (Params, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return decode(kind, raw)
}

// Unmarshal decodes parameters stored on a task row without re-validating.
func Unmarshal(kind Kind, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return decode(kind, raw)
}

func decode(kind Kind, raw json.RawMessage) (Params, error) {
	var p Params
	var err error
	switch kind {
	case PDFToMarkdown:
		var v PDFToMarkdownParams
		err = json.Unmarshal(raw, &v)
		p = v
	case ImageToMarkdown:
		var v ImageToMarkdownParams
		err = json.Unmarshal(raw, &v)
		p = v
	case MarkdownToPDF:
		var v MarkdownToPDFParams
		err = json.Unmarshal(raw, &v)
		p = v
	case PDFTranslate:
		var v PDFTranslateParams
		err = json.Unmarshal(raw, &v)
		p = v
	case ImageTranslate:
		var v ImageTranslateParams
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return p, nil
}
