package search

import (
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// 文档类型
const (
	TypeRequest = "request"
	TypeMessage = "message"
)

// BuildIndexMapping 求助请求与医院消息两类文档
func BuildIndexMapping(defaultAnalyzer string) *mapping.IndexMappingImpl {
	if defaultAnalyzer == "" {
		defaultAnalyzer = standard.Name
	}
	idx := mapping.NewIndexMapping()
	idx.DefaultAnalyzer = defaultAnalyzer
	idx.TypeField = "type"

	// 文本
	text := mapping.NewTextFieldMapping()
	text.Store = true
	text.Index = true
	text.Analyzer = defaultAnalyzer
	text.IncludeInAll = true
	text.IncludeTermVectors = true // 高亮更精准

	// 关键词
	kw := mapping.NewTextFieldMapping()
	kw.Store = true
	kw.Index = true
	kw.Analyzer = keyword.Name
	kw.IncludeInAll = false

	dt := mapping.NewDateTimeFieldMapping()
	dt.Store = true
	dt.Index = true

	request := mapping.NewDocumentMapping()
	request.Dynamic = false
	request.AddFieldMappingsAt("message", text)
	request.AddFieldMappingsAt("location", text)
	request.AddFieldMappingsAt("hospital_id", kw)
	request.AddFieldMappingsAt("user_id", kw)
	request.AddFieldMappingsAt("status", kw)
	request.AddFieldMappingsAt("type", kw)
	request.AddFieldMappingsAt("created_at", dt)
	idx.AddDocumentMapping(TypeRequest, request)

	message := mapping.NewDocumentMapping()
	message.Dynamic = false
	message.AddFieldMappingsAt("content", text)
	message.AddFieldMappingsAt("hospital_id", kw)
	message.AddFieldMappingsAt("user_id", kw)
	message.AddFieldMappingsAt("status", kw)
	message.AddFieldMappingsAt("type", kw)
	message.AddFieldMappingsAt("created_at", dt)
	idx.AddDocumentMapping(TypeMessage, message)

	def := mapping.NewDocumentMapping()
	def.Dynamic = false
	idx.DefaultMapping = def
	return idx
}
