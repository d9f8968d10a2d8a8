package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/bloom"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
)

// Segment file layout, all integers big-endian:
//
//	int32  maxDocId
//	int32  termCount
//	termCount × { uint16 len, term bytes, int32 encodedLen, encoded postings }
//	int32  deletedCount
//	deletedCount × int32 docId
//
// The bloom filter is not stored; Load rebuilds it from the terms.

// Persist writes the segment to <dir>/<id>.seg. The file is written to a
// temporary sibling, synced, and renamed into place.
func (s *Segment) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.removed {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating segment directory: %w", err)
	}
	f, err := os.CreateTemp(s.dir, s.id+FileExt+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp segment file: %w", err)
	}
	tmpPath := f.Name()
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(f)
	if err := s.encode(w); err != nil {
		return fmt.Errorf("encoding segment %s: %w", s.id, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing segment %s: %w", s.id, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming segment file: %w", err)
	}
	committed = true
	return nil
}

func (s *Segment) encode(w *bufio.Writer) error {
	var scratch [4]byte
	putInt32 := func(v int32) error {
		binary.BigEndian.PutUint32(scratch[:], uint32(v))
		_, err := w.Write(scratch[:])
		return err
	}

	if err := putInt32(s.maxDocID); err != nil {
		return err
	}
	terms := s.Terms()
	if err := putInt32(int32(len(terms))); err != nil {
		return err
	}
	for _, term := range terms {
		if len(term) > math.MaxUint16 {
			return fmt.Errorf("%w: %d bytes", apperrors.ErrTermTooLong, len(term))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(term)))
		if _, err := w.Write(scratch[:2]); err != nil {
			return err
		}
		if _, err := w.WriteString(term); err != nil {
			return err
		}
		enc := codec.EncodeInt32(s.postings[term])
		if err := putInt32(int32(len(enc))); err != nil {
			return err
		}
		if _, err := w.Write(enc); err != nil {
			return err
		}
	}
	deleted := s.deletedSorted()
	if err := putInt32(int32(len(deleted))); err != nil {
		return err
	}
	for _, id := range deleted {
		if err := putInt32(id); err != nil {
			return err
		}
	}
	return nil
}

// Load reads segment id from dir and rebuilds its bloom filter.
func Load(dir, id string) (*Segment, error) {
	data, err := os.ReadFile(FilePath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening segment %s: %w", id, apperrors.ErrSegmentNotFound)
		}
		return nil, fmt.Errorf("reading segment file %s: %w", id, err)
	}
	s, err := decode(dir, id, data)
	if err != nil {
		return nil, fmt.Errorf("decoding segment %s: %w", id, err)
	}
	return s, nil
}

// IDFromFileName returns the segment id for a file name, or false when the
// name is not a segment file.
func IDFromFileName(name string) (string, bool) {
	if filepath.Ext(name) != FileExt {
		return "", false
	}
	return name[:len(name)-len(FileExt)], true
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) readInt32() (int32, error) {
	if len(r.data)-r.off < 4 {
		return 0, fmt.Errorf("%w: truncated at offset %d", apperrors.ErrCorruptSegment, r.off)
	}
	v := int32(binary.BigEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", apperrors.ErrCorruptSegment, n, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readString() (string, error) {
	lb, err := r.readBytes(2)
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(binary.BigEndian.Uint16(lb)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(dir, id string, data []byte) (*Segment, error) {
	r := &reader{data: data}
	s := &Segment{
		dir:      dir,
		id:       id,
		postings: make(map[string][]int32),
		filter:   bloom.New(),
		deleted:  make(map[int32]struct{}),
	}
	maxDocID, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	s.maxDocID = maxDocID
	termCount, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if termCount < 0 {
		return nil, fmt.Errorf("%w: negative term count %d", apperrors.ErrCorruptSegment, termCount)
	}
	for i := int32(0); i < termCount; i++ {
		term, err := r.readString()
		if err != nil {
			return nil, err
		}
		encLen, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		enc, err := r.readBytes(int(encLen))
		if err != nil {
			return nil, err
		}
		s.postings[term] = codec.DecodeInt32(enc)
		s.filter.Add(term)
	}
	deletedCount, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if deletedCount < 0 {
		return nil, fmt.Errorf("%w: negative deleted count %d", apperrors.ErrCorruptSegment, deletedCount)
	}
	for i := int32(0); i < deletedCount; i++ {
		docID, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		s.deleted[docID] = struct{}{}
	}
	return s, nil
}
