package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

const (
	recordHeaderLen = 12
	logName         = "journal.log"
	metaName        = "journal.meta"
)

// FileJournal is an append-only integrity event log.
// Record format: [8 bytes id][4 bytes len][len bytes json].
type FileJournal struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.JournalEntryID
	committed ports.JournalEntryID
	sizeBytes int64
	closed    bool
}

func Open(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	j := &FileJournal{
		dir:      dir,
		path:     path,
		metaPath: filepath.Join(dir, metaName),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
	}
	if err := j.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

// recover drops a torn tail record left by a crash and restores the commit marker.
func (j *FileJournal) recover() error {
	valid, lastID, err := scanValidPrefix(j.path)
	if err != nil {
		return err
	}
	if err := j.file.Truncate(valid); err != nil {
		return err
	}
	j.sizeBytes = valid
	j.nextID = lastID

	committed, err := readMeta(j.metaPath)
	if err != nil {
		return err
	}
	j.committed = committed
	if j.nextID < j.committed {
		j.nextID = j.committed
	}
	_, err = j.file.Seek(0, io.SeekEnd)
	return err
}

func scanValidPrefix(path string) (int64, ports.JournalEntryID, error) {
	rf, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer rf.Close()

	r := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.JournalEntryID
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return 0, 0, fmt.Errorf("journal scan header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := int64(binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.CopyN(io.Discard, r, length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return 0, 0, fmt.Errorf("journal scan body: %w", err)
		}
		offset += recordHeaderLen + length
		lastID = id
	}
}

func readMeta(path string) (ports.JournalEntryID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal meta parse: %w", err)
	}
	return ports.JournalEntryID(u), nil
}

func (j *FileJournal) Append(e *domain.IntegrityEvent) (ports.JournalEntryID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, os.ErrClosed
	}

	id := j.nextID + 1
	e.Seq = uint64(id)
	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
	if _, err := j.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.writer.Write(b); err != nil {
		return 0, err
	}
	// Integrity events are rare; flushing each one keeps a crash from losing
	// the last signal before a kill.
	if err := j.writer.Flush(); err != nil {
		return 0, err
	}

	j.nextID = id
	j.sizeBytes += int64(len(b) + recordHeaderLen)
	return id, nil
}

func (j *FileJournal) Iterate(from ports.JournalEntryID, fn func(id ports.JournalEntryID, e *domain.IntegrityEvent) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return iterateFile(j.path, from, fn)
}

func iterateFile(path string, from ports.JournalEntryID, fn func(id ports.JournalEntryID, e *domain.IntegrityEvent) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal iterate header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		b := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt journal: %w", err)
		}
		if id < from {
			continue
		}

		var e domain.IntegrityEvent
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt journal entry %d: %w", id, err)
		}
		if err := fn(id, &e); err != nil {
			return err
		}
	}
}

func (j *FileJournal) Commit(upto ports.JournalEntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto <= j.committed {
		return nil
	}
	j.committed = upto
	return os.WriteFile(j.metaPath, []byte(fmt.Sprintf("%d\n", j.committed)), 0o644)
}

// Compact rewrites the log without committed entries. The id sequence and
// commit marker are preserved.
func (j *FileJournal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return os.ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	tmpPath := j.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	var size int64
	err = iterateFile(j.path, j.committed+1, func(id ports.JournalEntryID, e *domain.IntegrityEvent) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		size += int64(len(b) + recordHeaderLen)
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer.Reset(f)
	j.sizeBytes = size
	return nil
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.nextID,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

var _ ports.Journal = (*FileJournal)(nil)
