// Package fileshare decides where accepted payloads land: files go to the
// download directory through a .part file, text and raw bytes stay in
// memory.
package fileshare

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"nearshare/internal/logging"
	"nearshare/internal/transfer"
)

const (
	// MemoryLimit caps text and byte payloads held in memory. Larger ones
	// are written to disk like files.
	MemoryLimit = 16 * 1024 * 1024

	renameRetries = 5
)

// Store resolves sinks inside one download directory.
type Store struct {
	dir string
	log zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("fileshare: download directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileshare: create %s: %w", dir, err)
	}
	return &Store{dir: dir, log: logging.Component("fileshare"), rng: rand.New(rand.NewSource(seed()))}, nil
}

// seed keeps collision suffixes from repeating across runs.
func seed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Resolve(_ context.Context, peer transfer.Peer, info transfer.PayloadInfo) (transfer.Sink, error) {
	if info.Kind != transfer.KindFile && info.Size <= MemoryLimit {
		return &MemorySink{buf: bytes.NewBuffer(make([]byte, 0, int(info.Size)))}, nil
	}
	name := SafeName(info.Name, info.ID)
	part, err := os.CreateTemp(s.dir, "."+name+".*.part")
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("peer", peer.Name).Str("name", name).Str("part", part.Name()).Msg("receiving into part file")
	return &FileSink{store: s, name: name, part: part}, nil
}

// SafeName strips any directory components a peer put into name.
func SafeName(name string, id uint64) string {
	clean := path.Base(strings.ReplaceAll(name, `\`, "/"))
	clean = strings.TrimSpace(clean)
	switch clean {
	case "", ".", "..", "/":
		return fmt.Sprintf("payload-%d", id)
	}
	return clean
}

// claim reserves a free final path for name. The plain name is tried first,
// then a few random suffixes.
func (s *Store) claim(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(s.dir, name)
	for attempt := 0; attempt <= renameRetries; attempt++ {
		if attempt > 0 {
			candidate = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, s.rng.Intn(10000), ext))
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			if attempt > 0 {
				s.log.Info().Str("name", name).Str("path", candidate).Msg("file already exists, saved under a new name")
			}
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("fileshare: exceeded retry attempts, could not create file %s", name)
}

// FileSink writes to a hidden .part file and renames it on Commit.
type FileSink struct {
	store *Store
	name  string
	part  *os.File
}

func (f *FileSink) Write(p []byte) (int, error) { return f.part.Write(p) }

func (f *FileSink) Commit() (transfer.Received, error) {
	if err := f.part.Sync(); err != nil {
		return transfer.Received{}, err
	}
	if err := f.part.Close(); err != nil {
		return transfer.Received{}, err
	}
	final, err := f.store.claim(f.name)
	if err != nil {
		_ = os.Remove(f.part.Name())
		return transfer.Received{}, err
	}
	if err := os.Rename(f.part.Name(), final); err != nil {
		_ = os.Remove(final)
		_ = os.Remove(f.part.Name())
		return transfer.Received{}, err
	}
	f.store.log.Info().Str("path", final).Msg("file saved")
	return transfer.Received{Path: final}, nil
}

func (f *FileSink) Abort() error {
	_ = f.part.Close()
	err := os.Remove(f.part.Name())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemorySink keeps the payload in memory.
type MemorySink struct {
	buf *bytes.Buffer
}

func (m *MemorySink) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *MemorySink) Commit() (transfer.Received, error) {
	return transfer.Received{Data: bytes.Clone(m.buf.Bytes())}, nil
}

func (m *MemorySink) Abort() error {
	m.buf.Reset()
	return nil
}
