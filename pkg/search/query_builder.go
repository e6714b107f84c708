package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	q "github.com/blevesearch/bleve/v2/search/query"
)

func buildQuery(req SearchRequest, defaultFields []string) q.Query {
	var must, mustNot []q.Query

	// 关键字按字段 OR
	if kw := strings.TrimSpace(req.Keyword); kw != "" {
		fields := req.SearchFields
		if len(fields) == 0 {
			fields = defaultFields
		}
		if len(fields) == 0 {
			must = append(must, bleve.NewMatchQuery(kw))
		} else {
			parts := make([]q.Query, 0, len(fields))
			for _, f := range fields {
				mq := bleve.NewMatchQuery(kw)
				mq.SetField(f)
				parts = append(parts, mq)
			}
			must = append(must, bleve.NewDisjunctionQuery(parts...))
		}
	}

	for f, vs := range req.MustTerms {
		switch len(vs) {
		case 0:
		case 1:
			must = append(must, termQuery(f, vs[0]))
		default:
			qs := make([]q.Query, 0, len(vs))
			for _, v := range vs {
				qs = append(qs, termQuery(f, v))
			}
			must = append(must, bleve.NewDisjunctionQuery(qs...))
		}
	}
	for f, vs := range req.MustNotTerms {
		for _, v := range vs {
			mustNot = append(mustNot, termQuery(f, v))
		}
	}

	for _, r := range req.TimeRanges {
		var start, end time.Time
		if r.From != nil {
			start = *r.From
		}
		if r.To != nil {
			end = *r.To
		}
		drq := bleve.NewDateRangeInclusiveQuery(start, end, boolPtr(r.IncFrom), boolPtr(r.IncTo))
		drq.SetField(r.Field)
		must = append(must, drq)
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return bleve.NewMatchAllQuery()
	}
	boolQ := bleve.NewBooleanQuery()
	if len(must) > 0 {
		boolQ.AddMust(must...)
	} else {
		boolQ.AddMust(bleve.NewMatchAllQuery())
	}
	if len(mustNot) > 0 {
		boolQ.AddMustNot(mustNot...)
	}
	return boolQ
}

func termQuery(field, value string) q.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}

func boolPtr(b bool) *bool { return &b }

// describe 调试日志用
func describe(req SearchRequest) string {
	return fmt.Sprintf("kw=%q terms=%v not=%v from=%d size=%d", req.Keyword, req.MustTerms, req.MustNotTerms, req.From, req.Size)
}
