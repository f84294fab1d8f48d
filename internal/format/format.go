// Package format reads and writes the interchange files of the pipelines:
// a CityJSON document or a CityJSON text sequence with one feature per
// line, optionally gzip or zstd compressed.
package format

import (
	"strings"

	"github.com/citymodel-pipeline/pkg/compression"
)

// Format is an interchange encoding.
type Format string

const (
	CityJSON    Format = "cityjson"
	CityJSONSeq Format = "cityjsonseq"
)

// Version is the interchange version written to headers.
const Version = "2.0"

// Extension returns the file extension of the format.
func (f Format) Extension() string {
	if f == CityJSONSeq {
		return ".city.jsonl"
	}
	return ".city.json"
}

// FromPath derives the format from a file name, ignoring a compression
// suffix.
func FromPath(path string) Format {
	if strings.HasSuffix(strings.ToLower(compression.TrimExtension(path)), ".jsonl") {
		return CityJSONSeq
	}
	return CityJSON
}

// Metadata is the document header.
type Metadata struct {
	Title              string    `json:"title,omitempty"`
	ReferenceSystem    string    `json:"referenceSystem,omitempty"`
	GeographicalExtent []float64 `json:"geographicalExtent,omitempty"`
}

type header struct {
	Type     string   `json:"type"`
	Version  string   `json:"version"`
	Metadata Metadata `json:"metadata"`
}

const (
	typeDocument = "CityJSON"
	typeFeature  = "CityJSONFeature"
)
