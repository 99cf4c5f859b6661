// Package pagination provides page arithmetic for list views.
package pagination

const (
	DefaultSize = 10
	MaxSize     = 50
	// MaxNumber keeps Offset far from integer overflow.
	MaxNumber = 1_000_000
)

// Page is a 1-based page of fixed size.
type Page struct {
	Number int
	Size   int
}

// New normalizes number and size into a valid page.
func New(number, size int) Page {
	if size <= 0 {
		size = DefaultSize
	}
	if size > MaxSize {
		size = MaxSize
	}
	if number < 1 {
		number = 1
	}
	if number > MaxNumber {
		number = MaxNumber
	}
	return Page{Number: number, Size: size}
}

// Limit returns the LIMIT for a query.
func (p Page) Limit() int { return p.Size }

// Offset returns the OFFSET for a query.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// Pages returns how many pages total results span. Zero results span one empty page.
func (p Page) Pages(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + p.Size - 1) / p.Size
}

// Clamp moves the page back onto the last page when it points past the end.
func (p Page) Clamp(total int) Page {
	if last := p.Pages(total); p.Number > last {
		p.Number = last
	}
	return p
}

// HasNext returns true if there are more results after the current page.
func (p Page) HasNext(total int) bool {
	return p.Offset()+p.Size < total
}

// HasPrevious returns true if there are results before the current page.
func (p Page) HasPrevious() bool {
	return p.Number > 1
}

// Next returns the following page.
func (p Page) Next() Page { return Page{Number: p.Number + 1, Size: p.Size} }

// Previous returns the preceding page, never before the first.
func (p Page) Previous() Page {
	if p.Number <= 1 {
		return p
	}
	return Page{Number: p.Number - 1, Size: p.Size}
}

// Rank returns the 1-based overall position of the i-th row on this page.
func (p Page) Rank(i int) int { return p.Offset() + i + 1 }
