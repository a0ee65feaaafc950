// Package wal is the file-backed log and metadata store. Records are
// framed with a length/CRC header; recovery scans the file and truncates a
// torn tail instead of failing.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shrtyk/raft-sessions/api"
	"github.com/shrtyk/raft-sessions/pkg/logger"
	"github.com/shrtyk/raft-sessions/protocol"
)

const (
	metadataFileName = "metadata.json"
	walFileName      = "log.wal"
	snapFileName     = "snapshot.bin"
	tmpSuffix        = ".tmp"
)

const recordHeaderSize = 8 // 4 bytes for length, 4 for CRC

//  ______________________________________________________
// | Length (4 byte) | CRC Hash (4 byte) |     Record     |
// |_________________|___________________|________________|

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// walMetadata is the content of metadata.json.
type walMetadata struct {
	Term         int64 `json:"term"`
	VotedFor     int64 `json:"voted_for"`
	CompactIndex int64 `json:"compact_index"`
	CompactTerm  int64 `json:"compact_term"`
	SnapIndex    int64 `json:"snap_index"`
	SnapTerm     int64 `json:"snap_term"`
}

// Store implements api.Log and api.MetaStore on the local filesystem.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	logger *slog.Logger
	dir    string

	metadataPath string
	walPath      string
	snapshotPath string

	walFile  *os.File
	metadata walMetadata

	// entries caches the live suffix of the log; entries[0] has index
	// metadata.CompactIndex+1.
	entries []protocol.LogEntry
}

var (
	_ api.Log       = (*Store)(nil)
	_ api.MetaStore = (*Store)(nil)
)

// Open loads or creates a store in dir.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	s := &Store{
		logger:       log,
		dir:          dir,
		metadataPath: filepath.Join(dir, metadataFileName),
		walPath:      filepath.Join(dir, walFileName),
		snapshotPath: filepath.Join(dir, snapFileName),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load WAL data: %w", err)
	}

	walFile, err := os.OpenFile(s.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", s.walPath, err)
	}
	s.walFile = walFile
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walFile == nil {
		return nil
	}
	err := s.walFile.Close()
	s.walFile = nil
	return err
}

// load reads metadata and replays the WAL into the cache. A torn record at
// the tail is dropped and the file truncated to the last good offset.
func (s *Store) load() error {
	metaData, err := os.ReadFile(s.metadataPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &s.metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	f, err := os.Open(s.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL file for reading: %w", err)
	}
	defer f.Close()

	var goodOffset int64
	reader := bufio.NewReader(f)
	for {
		entry, n, err := decodeRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errBadChecksum) {
				s.logger.Warn("truncating torn WAL tail", "offset", goodOffset, logger.ErrAttr(err))
				if terr := os.Truncate(s.walPath, goodOffset); terr != nil {
					return fmt.Errorf("failed to truncate torn WAL tail: %w", terr)
				}
				break
			}
			return fmt.Errorf("failed to decode WAL record: %w", err)
		}
		goodOffset += n
		s.entries = append(s.entries, entry)
	}
	return nil
}

func (s *Store) Append(entry protocol.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Index = s.metadata.CompactIndex + int64(len(s.entries)) + 1
	encoded, err := encodeRecord(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entry: %w", err)
	}
	if _, err := s.walFile.Write(encoded); err != nil {
		return 0, fmt.Errorf("failed to write to WAL file: %w", err)
	}
	if err := s.walFile.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL file: %w", err)
	}
	s.entries = append(s.entries, entry)
	return entry.Index, nil
}

func (s *Store) Get(index int64) (protocol.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index <= s.metadata.CompactIndex {
		return protocol.LogEntry{}, api.ErrCompacted
	}
	slot := index - s.metadata.CompactIndex - 1
	if slot >= int64(len(s.entries)) {
		return protocol.LogEntry{}, api.ErrOutOfBounds
	}
	return s.entries[slot], nil
}

func (s *Store) Term(index int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index == s.metadata.CompactIndex {
		return s.metadata.CompactTerm, nil
	}
	if index < s.metadata.CompactIndex {
		return 0, api.ErrCompacted
	}
	slot := index - s.metadata.CompactIndex - 1
	if slot >= int64(len(s.entries)) {
		return 0, api.ErrOutOfBounds
	}
	return s.entries[slot].Term, nil
}

func (s *Store) FirstIndex() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata.CompactIndex + 1
}

func (s *Store) LastIndex() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata.CompactIndex + int64(len(s.entries))
}

func (s *Store) Truncate(index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.metadata.CompactIndex {
		return api.ErrCompacted
	}
	keep := index - s.metadata.CompactIndex
	if keep >= int64(len(s.entries)) {
		return nil
	}
	s.entries = s.entries[:keep:keep]
	return s.rewriteLocked(s.metadata)
}

func (s *Store) Compact(index, term int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.metadata.CompactIndex {
		return nil
	}
	drop := index - s.metadata.CompactIndex
	if drop < int64(len(s.entries)) {
		s.entries = append([]protocol.LogEntry(nil), s.entries[drop:]...)
	} else {
		s.entries = nil
	}
	meta := s.metadata
	meta.CompactIndex = index
	meta.CompactTerm = term
	return s.rewriteLocked(meta)
}

// rewriteLocked atomically replaces the WAL file with the cached entries
// and persists meta alongside it.
func (s *Store) rewriteLocked(meta walMetadata) error {
	buf := new(bytes.Buffer)
	for _, entry := range s.entries {
		encoded, err := encodeRecord(entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry for rewrite: %w", err)
		}
		buf.Write(encoded)
	}

	if s.walFile != nil {
		if err := s.walFile.Close(); err != nil {
			s.logger.Warn("failed to close WAL file before rewrite", logger.ErrAttr(err))
		}
	}

	if err := syncFile(s.walPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	if err := s.saveMetadataLocked(meta); err != nil {
		return err
	}

	walFile, err := os.OpenFile(s.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file after rewrite: %w", err)
	}
	s.walFile = walFile
	return nil
}

func (s *Store) Metadata() (api.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return api.Metadata{Term: s.metadata.Term, VotedFor: s.metadata.VotedFor}, nil
}

func (s *Store) SaveMetadata(meta api.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newMeta := s.metadata
	newMeta.Term = meta.Term
	newMeta.VotedFor = meta.VotedFor
	return s.saveMetadataLocked(newMeta)
}

func (s *Store) saveMetadataLocked(meta walMetadata) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := syncFile(s.metadataPath, metaBytes, 0644); err != nil {
		return fmt.Errorf("failed to sync metadata file: %w", err)
	}
	s.metadata = meta
	return nil
}

func (s *Store) Snapshot() (*protocol.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.metadata.SnapIndex == 0 {
		return nil, nil
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return &protocol.Snapshot{
		Index: s.metadata.SnapIndex,
		Term:  s.metadata.SnapTerm,
		Data:  data,
	}, nil
}

func (s *Store) SaveSnapshot(snapshot *protocol.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot == nil {
		return errors.New("cannot save nil snapshot")
	}
	if err := syncFile(s.snapshotPath, snapshot.Data, 0644); err != nil {
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	meta := s.metadata
	meta.SnapIndex = snapshot.Index
	meta.SnapTerm = snapshot.Term
	return s.saveMetadataLocked(meta)
}

var errBadChecksum = errors.New("crc mismatch")

func encodeRecord(entry protocol.LogEntry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.Checksum(payload, crc32cTable))
	return append(header, payload...), nil
}

func decodeRecord(r io.Reader) (protocol.LogEntry, int64, error) {
	var entry protocol.LogEntry

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return entry, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return entry, 0, io.ErrUnexpectedEOF
	}

	if actual := crc32.Checksum(payload, crc32cTable); actual != crc {
		return entry, 0, fmt.Errorf("%w: expected %d, got %d", errBadChecksum, crc, actual)
	}

	if err := json.Unmarshal(payload, &entry); err != nil {
		return entry, 0, fmt.Errorf("failed to unmarshal log record: %w", err)
	}
	return entry, int64(recordHeaderSize) + int64(length), nil
}

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	f.Close()
	return os.Rename(tempPath, path)
}
