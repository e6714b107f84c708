package search

import "time"

type Config struct {
	// IndexPath 为空时使用内存索引
	IndexPath           string
	DefaultAnalyzer     string
	DefaultSearchFields []string
	QueryTimeout        time.Duration
	BatchSize           int
}

type Doc struct {
	ID     string
	Type   string
	Fields map[string]any
}

type TimeRangeFilter struct {
	Field   string
	From    *time.Time
	To      *time.Time
	IncFrom bool
	IncTo   bool
}

// Facet 聚合
type FacetRequest struct {
	Name  string
	Field string
	Size  int
}

type SearchRequest struct {
	Keyword      string
	SearchFields []string

	// 结构化 Term，字段需为 keyword 映射
	MustTerms    map[string][]string
	MustNotTerms map[string][]string

	TimeRanges []TimeRangeFilter

	Facets []FacetRequest

	// 排序与分页
	SortBy []string
	From   int
	Size   int

	Highlight bool
}

type Hit struct {
	ID        string
	Score     float64
	Fields    map[string]any
	Fragments map[string][]string
}

type FacetTerm struct {
	Term  string
	Count int
}

type FacetResult struct {
	Total int
	Terms []FacetTerm
}

type SearchResult struct {
	Total  uint64
	Took   time.Duration
	Hits   []Hit
	Facets map[string]FacetResult
}
