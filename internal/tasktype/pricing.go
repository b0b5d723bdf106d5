package tasktype

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPricingUnavailable is returned when a dimension the price depends on
// (page count, byte size) is missing.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// Rates are the point prices per kind.
type Rates struct {
	PDFPerPage         int `toml:"pdf_per_page" json:"pdf_per_page"`
	ImageFlat          int `toml:"image_flat" json:"image_flat"`
	MarkdownPerBlock   int `toml:"markdown_per_block" json:"markdown_per_block"`
	MarkdownBlockBytes int `toml:"markdown_block_bytes" json:"markdown_block_bytes"`
	TranslateSurcharge int `toml:"translate_surcharge_per_page" json:"translate_surcharge_per_page"`
	ImageTranslateFlat int `toml:"image_translate_flat" json:"image_translate_flat"`
}

func DefaultRates() Rates {
	return Rates{
		PDFPerPage:         5,
		ImageFlat:          3,
		MarkdownPerBlock:   1,
		MarkdownBlockBytes: 100 * 1024,
		TranslateSurcharge: 3,
		ImageTranslateFlat: 6,
	}
}

// Input is what the pricing policy knows about the uploaded file.
type Input struct {
	Size int64
}

// Table quotes tasks against the current rates. Rates may be swapped at
// runtime; a quote is captured on the task at creation so existing tasks are
// unaffected.
type Table struct {
	mu    sync.RWMutex
	rates Rates
}

func NewTable(r Rates) *Table {
	return &Table{rates: r}
}

func (t *Table) Rates() Rates {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rates
}

func (t *Table) SetRates(r Rates) {
	t.mu.Lock()
	t.rates = r
	t.mu.Unlock()
}

// Quote returns the points a task with these parameters will cost.
func (t *Table) Quote(p Params, in Input) (int, error) {
	r := t.Rates()
	switch p := p.(type) {
	case PDFToMarkdownParams:
		pages, err := pageCount(p.PageCount)
		if err != nil {
			return 0, err
		}
		return pages * r.PDFPerPage, nil
	case ImageToMarkdownParams:
		return r.ImageFlat, nil
	case MarkdownToPDFParams:
		if in.Size <= 0 {
			return 0, fmt.Errorf("%w: input size unknown", ErrPricingUnavailable)
		}
		block := int64(r.MarkdownBlockBytes)
		if block <= 0 {
			return 0, fmt.Errorf("%w: markdown block size not configured", ErrPricingUnavailable)
		}
		blocks := (in.Size + block - 1) / block
		return int(blocks) * r.MarkdownPerBlock, nil
	case PDFTranslateParams:
		pages, err := pageCount(p.PageCount)
		if err != nil {
			return 0, err
		}
		return pages * (r.PDFPerPage + r.TranslateSurcharge), nil
	case ImageTranslateParams:
		return r.ImageTranslateFlat, nil
	default:
		return 0, fmt.Errorf("%w: no price for %T", ErrPricingUnavailable, p)
	}
}

func pageCount(n *int) (int, error) {
	if n == nil || *n <= 0 {
		return 0, fmt.Errorf("%w: page count required", ErrPricingUnavailable)
	}
	return *n, nil
}
