package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"

	"github.com/citymodel-pipeline/pkg/compression"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// Reader yields the top-level features of one input file in file order.
// Compression is detected from the content.
type Reader struct {
	path     string
	format   Format
	file     *os.File
	zr       io.ReadCloser
	metadata Metadata

	// document
	objects []gjson.Result
	keys    []string
	next    int

	// sequence
	lines *bufio.Reader
	line  int
}

// Open opens path for reading. A file that is not an interchange document
// fails here as a whole; single malformed features are reported by Next.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePrecondition, "failed to open input "+path, err)
	}
	zr, _, err := compression.NewReader(file)
	if err != nil {
		file.Close()
		return nil, apperrors.Wrap(apperrors.CodeParseError, "failed to open decompressor for "+path, err)
	}

	r := &Reader{path: path, format: FromPath(path), file: file, zr: zr}
	if r.format == CityJSONSeq {
		err = r.openSequence()
	} else {
		err = r.openDocument()
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) openDocument() error {
	data, err := io.ReadAll(r.zr)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeParseError, "failed to read "+r.path, err)
	}
	if !gjson.ValidBytes(data) {
		return apperrors.New(apperrors.CodeParseError, r.path+" is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if err := r.readHeader(doc); err != nil {
		return err
	}
	doc.Get("CityObjects").ForEach(func(key, value gjson.Result) bool {
		r.keys = append(r.keys, key.String())
		r.objects = append(r.objects, value)
		return true
	})
	return nil
}

func (r *Reader) openSequence() error {
	r.lines = bufio.NewReaderSize(r.zr, 256*1024)
	line, err := r.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.CodeParseError, r.path+" has no header line")
		}
		return err
	}
	if !gjson.ValidBytes(line) {
		return apperrors.New(apperrors.CodeParseError, r.path+" header is not valid JSON")
	}
	return r.readHeader(gjson.ParseBytes(line))
}

func (r *Reader) readHeader(doc gjson.Result) error {
	if t := doc.Get("type").String(); t != typeDocument {
		return apperrors.Newf(apperrors.CodeParseError, "%s: unexpected document type %q", r.path, t)
	}
	meta := doc.Get("metadata")
	r.metadata.Title = meta.Get("title").String()
	r.metadata.ReferenceSystem = meta.Get("referenceSystem").String()
	for _, v := range meta.Get("geographicalExtent").Array() {
		r.metadata.GeographicalExtent = append(r.metadata.GeographicalExtent, v.Float())
	}
	return nil
}

// readLine returns the next non-blank line.
func (r *Reader) readLine() ([]byte, error) {
	for {
		line, err := r.lines.ReadBytes('\n')
		if len(line) > 0 {
			r.line++
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, apperrors.Wrap(apperrors.CodeParseError, "failed to read "+r.path, err)
		}
	}
}

// Metadata returns the document header.
func (r *Reader) Metadata() Metadata {
	return r.metadata
}

// Format returns the format of the input.
func (r *Reader) Format() Format {
	return r.format
}

// Next returns the next feature, or io.EOF after the last one. A malformed
// feature yields a PARSE_ERROR; reading can continue.
func (r *Reader) Next() (*model.Feature, error) {
	if r.format == CityJSONSeq {
		return r.nextLine()
	}
	if r.next >= len(r.objects) {
		return nil, io.EOF
	}
	i := r.next
	r.next++
	return decodeFeature(r.keys[i], r.objects[i].Raw)
}

func (r *Reader) nextLine() (*model.Feature, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(line) {
		return nil, apperrors.Newf(apperrors.CodeParseError, "%s:%d: invalid JSON", r.path, r.line)
	}
	rec := gjson.ParseBytes(line)
	if t := rec.Get("type").String(); t != typeFeature {
		return nil, apperrors.Newf(apperrors.CodeParseError, "%s:%d: unexpected record type %q", r.path, r.line, t)
	}
	id := rec.Get("id").String()
	obj := rec.Get("CityObjects." + gjson.Escape(id))
	if !obj.Exists() {
		return nil, apperrors.Newf(apperrors.CodeParseError, "%s:%d: feature %q has no object", r.path, r.line, id)
	}
	return decodeFeature(id, obj.Raw)
}

func decodeFeature(key, raw string) (*model.Feature, error) {
	var f model.Feature
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParseError, fmt.Sprintf("failed to decode feature %q", key), err)
	}
	if f.GMLID == "" {
		f.GMLID = key
	}
	return &f, nil
}

// Close releases the input.
func (r *Reader) Close() error {
	var errs []error
	if r.zr != nil {
		errs = append(errs, r.zr.Close())
	}
	if r.file != nil {
		errs = append(errs, r.file.Close())
	}
	return errors.Join(errs...)
}
