package format

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/citymodel-pipeline/pkg/compression"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/utils"
)

// FeatureWriter accepts exported features from many workers.
type FeatureWriter interface {
	Write(ctx context.Context, f *model.Feature) error
}

// Patch rewrites one reference of a written feature once its target is
// known. Root is the id of the top-level feature that was written, Source
// the id of the (possibly nested) feature owning the reference.
type Patch struct {
	Root     string
	Source   string
	Property string
	Target   string
	Href     string
}

// Options configures a FileWriter.
type Options struct {
	Format      Format
	Compression compression.Type
	Level       compression.Level
	Metadata    Metadata
}

// FileWriter writes one output file. Features are spooled next to the
// output in completion order and the final file is assembled on Close,
// after reference patches are known. The output appears atomically: it is
// renamed into place only once complete.
type FileWriter struct {
	path   string
	opts   Options
	logger utils.Logger

	mu      sync.Mutex
	spool   *os.File
	buf     *bufio.Writer
	count   int64
	extent  model.Envelope
	patches map[string][]Patch
	closed  bool
	err     error
}

var _ FeatureWriter = (*FileWriter)(nil)

// Create opens a writer for path. The directory must exist and be
// writable; any other outcome is an OUTPUT_PATH precondition failure.
func Create(path string, opts Options, logger utils.Logger) (*FileWriter, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.CodeOutputPath, "output path is empty")
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeOutputPath, "output directory not accessible: "+dir, err)
	}
	if !info.IsDir() {
		return nil, apperrors.New(apperrors.CodeOutputPath, "output parent is not a directory: "+dir)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return nil, apperrors.New(apperrors.CodeOutputPath, "output path is a directory: "+path)
	}

	spool, err := os.CreateTemp(dir, ".citypipe-*.spool")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeOutputPath, "output directory not writable: "+dir, err)
	}

	if opts.Format == "" {
		opts.Format = FromPath(path)
	}
	if opts.Compression == compression.TypeNone {
		opts.Compression = compression.TypeFromPath(path)
	}
	if opts.Level == 0 {
		opts.Level = compression.LevelDefault
	}

	return &FileWriter{
		path:    path,
		opts:    opts,
		logger:  utils.OrNull(logger).WithField("output", path),
		spool:   spool,
		buf:     bufio.NewWriterSize(spool, 256*1024),
		extent:  model.EmptyEnvelope(),
		patches: make(map[string][]Patch),
	}, nil
}

// Path returns the output path.
func (w *FileWriter) Path() string {
	return w.path
}

// Write serializes f and appends it to the spool. It is safe for
// concurrent use.
func (w *FileWriter) Write(_ context.Context, f *model.Feature) error {
	data, err := json.Marshal(f)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to encode feature "+f.GMLID, err)
	}
	env := f.Envelope
	if env.IsEmpty() || env == (model.Envelope{}) {
		env = f.ComputeEnvelope()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperrors.New(apperrors.CodeWriterError, "writer is closed")
	}
	if _, err := w.buf.Write(data); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to spool feature "+f.GMLID, err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to spool feature "+f.GMLID, err)
	}
	w.count++
	if !env.IsEmpty() {
		w.extent.Extend(env.Min)
		w.extent.Extend(env.Max)
	}
	return nil
}

// Patch registers a reference rewrite applied when the file is assembled.
func (w *FileWriter) Patch(p Patch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.patches[p.Root] = append(w.patches[p.Root], p)
}

// Count returns the number of features written.
func (w *FileWriter) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close assembles the output file and releases the spool. It is safe to
// call more than once and after a failed run; the features written so far
// form a complete, well-formed file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true

	w.err = w.assemble()
	if err := w.spool.Close(); err != nil && w.err == nil {
		w.err = apperrors.Wrap(apperrors.CodeWriterError, "failed to close spool", err)
	}
	if err := os.Remove(w.spool.Name()); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove spool %s: %v", w.spool.Name(), err)
	}
	return w.err
}

func (w *FileWriter) assemble() (err error) {
	if err := w.buf.Flush(); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to flush spool", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to rewind spool", err)
	}

	part := w.path + ".part"
	file, err := os.Create(part)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeOutputPath, "failed to create output", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(part)
		}
	}()

	zw, err := compression.NewWriter(file, w.opts.Compression, w.opts.Level)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to open compressor", err)
	}
	out := bufio.NewWriterSize(zw, 256*1024)

	if err := w.writeBody(out); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to flush output", err)
	}
	if err := zw.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to finish compression", err)
	}
	if err := file.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to close output", err)
	}
	if err := os.Rename(part, w.path); err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to move output into place", err)
	}
	w.logger.Debug("Wrote %d features (%d patched)", w.count, len(w.patches))
	return nil
}

func (w *FileWriter) writeBody(out *bufio.Writer) error {
	meta := w.opts.Metadata
	if !w.extent.IsEmpty() {
		meta.GeographicalExtent = []float64{
			w.extent.Min[0], w.extent.Min[1], w.extent.Min[2],
			w.extent.Max[0], w.extent.Max[1], w.extent.Max[2],
		}
	}
	head, err := json.Marshal(header{Type: typeDocument, Version: Version, Metadata: meta})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWriterError, "failed to encode header", err)
	}

	seq := w.opts.Format == CityJSONSeq
	if seq {
		out.Write(head)
		out.WriteByte('\n')
	} else {
		// Reopen the header object to append the feature map.
		out.Write(head[:len(head)-1])
		out.WriteString(`,"CityObjects":{`)
	}

	in := bufio.NewReaderSize(w.spool, 256*1024)
	first := true
	for {
		line, err := in.ReadBytes('\n')
		if len(line) > 1 {
			line = line[:len(line)-1]
			id := gjson.GetBytes(line, "id").String()
			feature, perr := w.applyPatches(id, line)
			if perr != nil {
				return perr
			}
			key, _ := json.Marshal(id)
			if seq {
				fmt.Fprintf(out, `{"type":%q,"id":%s,"CityObjects":{%s:`, typeFeature, key, key)
				out.Write(feature)
				out.WriteString("}}\n")
			} else {
				if !first {
					out.WriteByte(',')
				}
				out.WriteByte('\n')
				out.Write(key)
				out.WriteByte(':')
				out.Write(feature)
			}
			first = false
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperrors.Wrap(apperrors.CodeWriterError, "failed to read spool", err)
		}
	}

	if !seq {
		out.WriteString("\n}}\n")
	}
	return nil
}

func (w *FileWriter) applyPatches(root string, line []byte) ([]byte, error) {
	patches := w.patches[root]
	if len(patches) == 0 {
		return line, nil
	}

	var f model.Feature
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeWriterError, "failed to decode spooled feature "+root, err)
	}
	for _, p := range patches {
		ApplyPatch(&f, p)
	}
	data, err := json.Marshal(&f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeWriterError, "failed to encode patched feature "+root, err)
	}
	return data, nil
}

// ApplyPatch marks the matching references of the feature tree resolved.
// It reports whether a reference matched.
func ApplyPatch(f *model.Feature, p Patch) bool {
	matched := false
	f.Walk(func(sub *model.Feature) {
		if sub.GMLID != p.Source {
			return
		}
		for _, r := range sub.References {
			if r.Property == p.Property && r.Target == p.Target {
				r.Resolved = true
				r.Href = p.Href
				matched = true
			}
		}
	})
	return matched
}
