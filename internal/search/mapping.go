// Package search wraps the Elasticsearch client with the operations the
// loading pipeline and the grounded-chat flow need: destructive index
// (re)creation, chunked bulk writes, inference ingest pipelines, background
// reindexing, and task polling.
package search

import "encoding/json"

// FieldType enumerates the index field types the pipeline uses.
type FieldType string

const (
	// FieldTypeKeyword is an exact-match identifier field.
	FieldTypeKeyword FieldType = "keyword"
	// FieldTypeText is an analysed full-text field.
	FieldTypeText FieldType = "text"
	// FieldTypeDenseVector is a fixed-dimensionality embedding field.
	FieldTypeDenseVector FieldType = "dense_vector"
)

// Field describes one property in an index mapping.
type Field struct {
	// Type is the Elasticsearch field type.
	Type FieldType `json:"type"`

	// Dims is the vector dimensionality. Dense vector fields only.
	Dims int `json:"dims,omitempty"`

	// Index enables kNN search on the field. Dense vector fields only.
	Index bool `json:"index,omitempty"`

	// Similarity is the vector similarity metric. Dense vector fields only.
	Similarity string `json:"similarity,omitempty"`
}

// KeywordField returns a keyword property.
func KeywordField() Field {
	return Field{Type: FieldTypeKeyword}
}

// TextField returns an analysed text property.
func TextField() Field {
	return Field{Type: FieldTypeText}
}

// DenseVectorField returns an indexed dense vector property with cosine
// similarity and the given dimensionality.
func DenseVectorField(dims int) Field {
	return Field{
		Type:       FieldTypeDenseVector,
		Dims:       dims,
		Index:      true,
		Similarity: "cosine",
	}
}

// Mapping maps field names to their type descriptors.
type Mapping map[string]Field

// indexBody renders the create-index request body for this mapping.
func (m Mapping) indexBody() ([]byte, error) {
	return json.Marshal(map[string]any{
		"mappings": map[string]any{
			"properties": m,
		},
	})
}
