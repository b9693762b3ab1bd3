// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jeranaias/techsvc/internal/store"
)

// =============================================================================
// FRAMES
// =============================================================================

const (
	streamMagic   = "techsvc-snapshot"
	streamVersion = 1
)

type frameKind uint8

const (
	frameHeader frameKind = iota + 1
	frameObject
	frameTable
	frameRow
	frameEnd
)

// frame is one CBOR item of a snapshot stream. Only the fields for its
// kind are set.
type frame struct {
	Kind    frameKind      `cbor:"1,keyasint"`
	Header  *streamHeader  `cbor:"2,keyasint,omitempty"`
	Object  *schemaObject  `cbor:"3,keyasint,omitempty"`
	Table   *tableStart    `cbor:"4,keyasint,omitempty"`
	Values  []any          `cbor:"5,keyasint,omitempty"`
	Trailer *streamTrailer `cbor:"6,keyasint,omitempty"`
}

type streamHeader struct {
	Magic         string `cbor:"1,keyasint"`
	Version       int    `cbor:"2,keyasint"`
	SchemaVersion int    `cbor:"3,keyasint"`
	CreatedAt     int64  `cbor:"4,keyasint"`
	SourceMarker  string `cbor:"5,keyasint"`
}

type schemaObject struct {
	Type  string `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint"`
	Table string `cbor:"3,keyasint"`
	SQL   string `cbor:"4,keyasint"`
}

type tableStart struct {
	Name    string   `cbor:"1,keyasint"`
	Columns []string `cbor:"2,keyasint"`
}

type streamTrailer struct {
	Objects int              `cbor:"1,keyasint"`
	Rows    map[string]int64 `cbor:"2,keyasint"`
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error
	frameEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("backup: cbor encoding mode: %v", err))
	}
	// Integers come back as int64 so rows bind exactly as they were read.
	frameDecMode, err = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("backup: cbor decoding mode: %v", err))
	}
}

// =============================================================================
// WRITER
// =============================================================================

// frameWriter gzips a frame stream onto w.
type frameWriter struct {
	gz  *gzip.Writer
	enc *cbor.Encoder

	objects int
	rows    map[string]int64
	current string
}

func newFrameWriter(w io.Writer) *frameWriter {
	gz := gzip.NewWriter(w)
	return &frameWriter{gz: gz, enc: frameEncMode.NewEncoder(gz), rows: make(map[string]int64)}
}

func (fw *frameWriter) header(schemaVersion int, createdAt time.Time, marker string) error {
	return fw.enc.Encode(frame{Kind: frameHeader, Header: &streamHeader{
		Magic:         streamMagic,
		Version:       streamVersion,
		SchemaVersion: schemaVersion,
		CreatedAt:     createdAt.UnixNano(),
		SourceMarker:  marker,
	}})
}

func (fw *frameWriter) object(o store.SchemaObject) error {
	fw.objects++
	return fw.enc.Encode(frame{Kind: frameObject, Object: &schemaObject{
		Type: o.Type, Name: o.Name, Table: o.Table, SQL: o.SQL,
	}})
}

func (fw *frameWriter) table(name string, columns []string) error {
	fw.current = name
	fw.rows[name] = 0
	return fw.enc.Encode(frame{Kind: frameTable, Table: &tableStart{Name: name, Columns: columns}})
}

func (fw *frameWriter) row(values []any) error {
	for i, v := range values {
		// Only INTEGER, REAL, TEXT, BLOB and NULL are carried.
		if t, ok := v.(time.Time); ok {
			values[i] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	fw.rows[fw.current]++
	return fw.enc.Encode(frame{Kind: frameRow, Values: values})
}

// close writes the trailer and flushes the gzip stream.
func (fw *frameWriter) close() error {
	if err := fw.enc.Encode(frame{Kind: frameEnd, Trailer: &streamTrailer{Objects: fw.objects, Rows: fw.rows}}); err != nil {
		return err
	}
	return fw.gz.Close()
}

// =============================================================================
// READER
// =============================================================================

// frameReader decodes a gzipped frame stream.
type frameReader struct {
	gz  *gzip.Reader
	dec *cbor.Decoder
}

func newFrameReader(r io.Reader) (*frameReader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRestoreIncomplete, err)
	}
	return &frameReader{gz: gz, dec: frameDecMode.NewDecoder(gz)}, nil
}

// next returns the next frame. A stream that stops before the trailer
// yields ErrRestoreIncomplete.
func (fr *frameReader) next() (frame, error) {
	var f frame
	if err := fr.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return frame{}, fmt.Errorf("%w: stream ended before the end marker", ErrRestoreIncomplete)
		}
		return frame{}, fmt.Errorf("%w: decode frame: %w", ErrRestoreIncomplete, err)
	}
	return f, nil
}

func (fr *frameReader) close() error { return fr.gz.Close() }

// readHeader reads and checks the first frame.
func (fr *frameReader) readHeader() (*streamHeader, error) {
	f, err := fr.next()
	if err != nil {
		return nil, err
	}
	if f.Kind != frameHeader || f.Header == nil || f.Header.Magic != streamMagic {
		return nil, fmt.Errorf("%w: not a snapshot stream", ErrRestoreIncomplete)
	}
	if f.Header.Version != streamVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrRestoreIncomplete, f.Header.Version)
	}
	return f.Header, nil
}
