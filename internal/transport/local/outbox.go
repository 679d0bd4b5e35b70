package local

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OutboxRecord is one line of the outbox.
type OutboxRecord struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Rotation bounds the outbox on disk. The live file is rotated before a
// record would push it past MaxBytes; Backups older files are kept as
// path.1 (newest) through path.N.
type Rotation struct {
	MaxBytes int64
	Backups  int
}

// Outbox is an append-only JSONL log of sent messages.
type Outbox struct {
	path string
	rot  Rotation

	mu   sync.Mutex
	f    *os.File
	size int64
}

func OpenOutbox(path string, rot Rotation) (*Outbox, error) {
	if path == "" {
		return nil, errors.New("outbox path is empty")
	}
	if rot.MaxBytes <= 0 {
		rot.MaxBytes = 50_000_000
	}
	if rot.Backups < 0 {
		rot.Backups = 0
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	o := &Outbox{path: path, rot: rot}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) open() error {
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat outbox: %w", err)
	}
	o.f, o.size = f, st.Size()
	return nil
}

func (o *Outbox) Path() string { return o.path }

// Append writes rec as one line. A single record larger than MaxBytes
// still lands in a fresh file of its own.
func (o *Outbox) Append(rec OutboxRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outbox record: %w", err)
	}
	line = append(line, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return errors.New("outbox is closed")
	}
	if o.size > 0 && o.size+int64(len(line)) > o.rot.MaxBytes {
		if err := o.rotate(); err != nil {
			return err
		}
	}
	n, err := o.f.Write(line)
	o.size += int64(n)
	if err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

func (o *Outbox) rotate() error {
	if err := o.f.Close(); err != nil {
		return fmt.Errorf("close outbox for rotation: %w", err)
	}
	o.f = nil
	if o.rot.Backups == 0 {
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate outbox: %w", err)
		}
		return o.open()
	}
	if err := os.Remove(backupPath(o.path, o.rot.Backups)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop oldest outbox: %w", err)
	}
	for i := o.rot.Backups - 1; i >= 1; i-- {
		if err := os.Rename(backupPath(o.path, i), backupPath(o.path, i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate outbox: %w", err)
		}
	}
	if err := os.Rename(o.path, backupPath(o.path, 1)); err != nil {
		return fmt.Errorf("rotate outbox: %w", err)
	}
	return o.open()
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

// Records returns the records of this outbox, see ReadOutbox.
func (o *Outbox) Records(channelID string, limit int) ([]OutboxRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ReadOutbox(o.path, o.rot.Backups, channelID, limit)
}

// ReadOutbox returns records oldest first across the backups and the live
// file. An empty channelID matches every channel; limit > 0 keeps only the
// newest limit records. Lines that do not decode are skipped.
func ReadOutbox(path string, backups int, channelID string, limit int) ([]OutboxRecord, error) {
	var out []OutboxRecord
	for i := backups; i >= 0; i-- {
		p := path
		if i > 0 {
			p = backupPath(path, i)
		}
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
		out, err = scanRecords(f, channelID, out)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func scanRecords(r io.Reader, channelID string, out []OutboxRecord) ([]OutboxRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var rec OutboxRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue
		}
		if channelID == "" || rec.ChannelID == channelID {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}

func backupPath(path string, n int) string { return fmt.Sprintf("%s.%d", path, n) }
