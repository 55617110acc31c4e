// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package csvstream implements the append-only, retention-pruned CSV log
// backing every monitor's time series. A stream owns one file, keeps a
// bounded in-memory tail, and is the only way monitors persist samples.
package csvstream

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/util/log"
)

// TimestampField is the mandatory first column of every stream.
const TimestampField = "ts"

// TimestampFormat is ISO-8601 UTC with seconds precision.
const TimestampFormat = "2006-01-02T15:04:05Z"

// ErrHeaderMismatch is returned when an existing file's header does not
// match the declared field list. This is fatal for the stream: schemas are
// never silently migrated.
var ErrHeaderMismatch = errors.New("csv header does not match declared fields")

// ErrUnknownField is returned by Append when a record carries a field the
// stream did not declare.
var ErrUnknownField = errors.New("record contains undeclared field")

// Record is one flat row keyed by field name. Values are already formatted;
// the stream does no type conversion beyond the timestamp column.
type Record map[string]string

// Stream is a single CSV-backed time series. All mutation is serialized
// behind an internal mutex; readers get snapshot copies.
type Stream struct {
	path          string
	fields        []string
	fieldSet      map[string]int
	maxTail       int
	retentionDays int

	mu   sync.Mutex
	tail []Record
	file *os.File
	w    *csv.Writer
}

// New opens or creates the stream at path with the declared field list.
// The field list must start with the timestamp column. On an existing file
// the header is verified before anything else, old rows are pruned, and the
// last maxTail rows are loaded into memory.
func New(path string, fields []string, maxTail, retentionDays int) (*Stream, error) {
	if len(fields) == 0 || fields[0] != TimestampField {
		return nil, errors.Errorf("stream %s: field list must start with %q", filepath.Base(path), TimestampField)
	}
	if maxTail <= 0 {
		return nil, errors.Errorf("stream %s: maxTail must be positive", filepath.Base(path))
	}

	s := &Stream{
		path:          path,
		fields:        append([]string(nil), fields...),
		fieldSet:      make(map[string]int, len(fields)),
		maxTail:       maxTail,
		retentionDays: retentionDays,
	}
	for i, f := range fields {
		s.fieldSet[f] = i
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating stream directory")
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.verifyHeader(); err != nil {
			return nil, err
		}
		if err := s.PruneNow(); err != nil {
			return nil, err
		}
	} else if err := s.writeHeader(); err != nil {
		return nil, err
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.loadTail(); err != nil {
		s.file.Close()
		return nil, err
	}
	return s, nil
}

// Fields returns the declared field list in order.
func (s *Stream) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Path returns the backing file path.
func (s *Stream) Path() string {
	return s.path
}

// Append writes one record to the file and, on success, to the in-memory
// tail. Missing fields become empty strings; undeclared fields are rejected.
// A failed write leaves both file and tail untouched.
func (s *Stream) Append(rec Record) error {
	for k := range rec {
		if _, ok := s.fieldSet[k]; !ok {
			return errors.Wrapf(ErrUnknownField, "stream %s: field %q", filepath.Base(s.path), k)
		}
	}

	row := make([]string, len(s.fields))
	for i, f := range s.fields {
		row[i] = rec[f]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Write(row); err != nil {
		return errors.Wrap(err, "appending row")
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return errors.Wrap(err, "flushing row")
	}

	s.tail = append(s.tail, copyRecord(rec))
	if len(s.tail) > s.maxTail {
		s.tail = s.tail[len(s.tail)-s.maxTail:]
	}
	return nil
}

// Tail returns a snapshot copy of the in-memory tail, newest last.
func (s *Stream) Tail() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.tail))
	for i, r := range s.tail {
		out[i] = copyRecord(r)
	}
	return out
}

// Last returns the newest record, or nil when the stream is empty.
func (s *Stream) Last() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tail) == 0 {
		return nil
	}
	return copyRecord(s.tail[len(s.tail)-1])
}

// Query scans the file for rows with from <= ts <= to. It is defined on the
// whole file, not only the tail. Rows with unparseable timestamps are
// skipped.
func (s *Stream) Query(from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	s.w.Flush()
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "opening stream for query")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(s.fields)
	if _, err := r.Read(); err != nil { // header
		return nil, errors.Wrap(err, "reading header")
	}

	var out []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "scanning rows")
		}
		ts, err := time.Parse(TimestampFormat, row[0])
		if err != nil {
			continue
		}
		if ts.Before(from) || ts.After(to) {
			continue
		}
		rec := make(Record, len(s.fields))
		for i, field := range s.fields {
			rec[field] = row[i]
		}
		out = append(out, rec)
	}
	return out, nil
}

// PruneNow rewrites the file keeping only rows younger than the retention
// window. The rewrite is atomic (write new, rename). Idempotent.
func (s *Stream) PruneNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	if s.w != nil {
		s.w.Flush()
	}

	in, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "opening stream for prune")
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = len(s.fields)
	header, err := r.Read()
	if err != nil {
		in.Close()
		return errors.Wrap(err, "reading header for prune")
	}

	tmpPath := s.path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		in.Close()
		return errors.Wrap(err, "creating prune temp file")
	}

	w := csv.NewWriter(out)
	kept, dropped := 0, 0
	if err := w.Write(header); err == nil {
		for {
			row, rerr := r.Read()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				err = rerr
				break
			}
			ts, perr := time.Parse(TimestampFormat, row[0])
			if perr != nil || ts.Before(cutoff) {
				dropped++
				continue
			}
			if werr := w.Write(row); werr != nil {
				err = werr
				break
			}
			kept++
		}
	}
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rewriting stream")
	}

	// Swap under the open append handle: close, rename, reopen.
	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "replacing stream file")
	}
	if s.file != nil {
		if err := s.open(); err != nil {
			return err
		}
	}

	if dropped > 0 {
		log.Debugf("stream %s: pruned %d rows, kept %d", filepath.Base(s.path), dropped, kept)
	}
	return nil
}

// Close flushes and closes the backing file.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil {
		s.w.Flush()
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Stream) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening stream for append")
	}
	s.file = f
	s.w = csv.NewWriter(f)
	return nil
}

func (s *Stream) writeHeader() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating stream file")
	}
	w := csv.NewWriter(f)
	if err := w.Write(s.fields); err != nil {
		f.Close()
		return errors.Wrap(err, "writing header")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errors.Wrap(err, "flushing header")
	}
	return f.Close()
}

func (s *Stream) verifyHeader() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "opening stream for header check")
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return errors.Wrap(err, "reading header")
	}
	if len(header) != len(s.fields) {
		return errors.Wrapf(ErrHeaderMismatch, "stream %s: %d columns, declared %d", filepath.Base(s.path), len(header), len(s.fields))
	}
	for i, field := range s.fields {
		if header[i] != field {
			return errors.Wrapf(ErrHeaderMismatch, "stream %s: column %d is %q, declared %q", filepath.Base(s.path), i, header[i], field)
		}
	}
	return nil
}

func (s *Stream) loadTail() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "opening stream for tail load")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(s.fields)
	if _, err := r.Read(); err != nil {
		return errors.Wrap(err, "reading header")
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "loading tail")
		}
		rec := make(Record, len(s.fields))
		for i, field := range s.fields {
			rec[field] = row[i]
		}
		s.tail = append(s.tail, rec)
		if len(s.tail) > s.maxTail {
			s.tail = s.tail[1:]
		}
	}
	return nil
}

// Now returns the current time formatted for the timestamp column.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
