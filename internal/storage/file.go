package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/rs/zerolog"
)

// LogSuffix is appended to a document path to name its operation log
const LogSuffix = ".oplog"

// FileBackend stores each document under a base folder as two files: the
// current text at the document path and the operation log next to it.
// The log is authoritative. It holds one JSON entry per line and every
// append is synced before it returns.
type FileBackend struct {
	root      string
	log       zerolog.Logger
	mu        sync.RWMutex
	connected bool
	openLog   func(path string) (logFile, error)
}

// logFile is the part of *os.File an append uses
type logFile interface {
	Stat() (fs.FileInfo, error)
	Write(p []byte) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

func openLogFile(path string) (logFile, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// NewFileBackend creates a file backend rooted at dir
func NewFileBackend(dir string, logger zerolog.Logger) *FileBackend {
	return &FileBackend{
		root:    dir,
		log:     logger.With().Str("component", "file_backend").Logger(),
		openLog: openLogFile,
	}
}

// Connect creates the base folder if needed
func (f *FileBackend) Connect(ctx context.Context) error {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return NewConnectionError("failed to create base folder", err)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Disconnect marks the backend closed
func (f *FileBackend) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// IsConnected returns connection status
func (f *FileBackend) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// HealthCheck verifies the base folder is still reachable
func (f *FileBackend) HealthCheck(ctx context.Context) (bool, error) {
	if !f.IsConnected() {
		return false, ErrNotConnected
	}
	info, err := os.Stat(f.root)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", f.root)
	}
	return true, nil
}

// paths maps a document name like /notes/todo.txt to its text and log files
func (f *FileBackend) paths(name string) (string, string, error) {
	if !strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, LogSuffix) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	textPath := filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(name, "/")))
	rel, err := filepath.Rel(f.root, textPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return textPath, textPath + LogSuffix, nil
}

// LoadDocument replays the document log. A text file without a log is
// adopted as revision 1.
func (f *FileBackend) LoadDocument(ctx context.Context, name string) (*DocumentRecord, error) {
	if !f.IsConnected() {
		return nil, ErrNotConnected
	}
	textPath, logPath, err := f.paths(name)
	if err != nil {
		return nil, err
	}

	entries, logInfo, err := f.readLog(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return f.importText(name, textPath, logPath)
	}
	if err != nil {
		return nil, err
	}

	record := &DocumentRecord{
		Name:       name,
		Operations: entries,
		CreatedAt:  logInfo.ModTime(),
		UpdatedAt:  logInfo.ModTime(),
	}
	if len(entries) > 0 {
		record.CreatedAt = entries[0].CommittedAt
		record.UpdatedAt = entries[len(entries)-1].CommittedAt
	}

	text := ""
	for _, entry := range entries {
		if text, err = entry.Operation.Apply(text); err != nil {
			return nil, NewQueryError(fmt.Sprintf("failed to replay revision %d of %s", entry.Revision, name), errors.Join(ErrCorruptLog, err))
		}
	}
	record.Text = text

	onDisk, err := os.ReadFile(textPath)
	if err != nil || string(onDisk) != text {
		f.log.Warn().Str("document", name).Int("revision", record.Revision()).Msg("rewriting text file from operation log")
		if err := writeFileAtomic(textPath, []byte(text)); err != nil {
			f.log.Error().Err(err).Str("document", name).Msg("failed to rewrite text file")
		}
	}

	return record, nil
}

// readLog parses every complete line of the log. A trailing line without a
// newline is a write that never finished; it is cut off.
func (f *FileBackend) readLog(logPath string) ([]*OperationEntry, fs.FileInfo, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(logPath)
	if err != nil {
		return nil, nil, err
	}

	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i+1 != len(data) {
		complete = data[:i+1]
		f.log.Warn().Str("path", logPath).Int("bytes", len(data)-len(complete)).Msg("truncating torn log tail")
		if err := os.Truncate(logPath, int64(len(complete))); err != nil {
			return nil, nil, NewQueryError("failed to truncate torn log tail", err)
		}
	}

	var entries []*OperationEntry
	for n, line := range bytes.Split(complete, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var entry OperationEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, nil, NewQueryError(fmt.Sprintf("%s line %d", logPath, n+1), errors.Join(ErrCorruptLog, err))
		}
		if entry.Operation == nil || entry.Revision != len(entries)+1 {
			return nil, nil, NewQueryError(fmt.Sprintf("%s line %d: unexpected revision %d", logPath, n+1, entry.Revision), ErrCorruptLog)
		}
		entries = append(entries, &entry)
	}
	return entries, info, nil
}

func (f *FileBackend) importText(name, textPath, logPath string) (*DocumentRecord, error) {
	content, err := os.ReadFile(textPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to read "+name, err)
	}

	info, err := os.Stat(textPath)
	if err != nil {
		return nil, NewQueryError("failed to stat "+name, err)
	}
	text := strings.ToValidUTF8(string(content), "\uFFFD")
	record := &DocumentRecord{
		Name:      name,
		Text:      text,
		CreatedAt: info.ModTime(),
		UpdatedAt: info.ModTime(),
	}
	if text == "" {
		return record, nil
	}

	entry := &OperationEntry{
		Revision:    1,
		SessionID:   ImportSessionID,
		Operation:   ot.New().Insert(text),
		CommittedAt: info.ModTime().UTC(),
	}
	if err := f.appendLine(logPath, entry); err != nil {
		return nil, NewQueryError("failed to import "+name, err)
	}
	record.Operations = []*OperationEntry{entry}
	f.log.Info().Str("document", name).Int("length", entry.Operation.TargetLen).Msg("imported text file")
	return record, nil
}

// AppendOperation syncs the entry to the log, then refreshes the text file
func (f *FileBackend) AppendOperation(ctx context.Context, name string, entry *OperationEntry, text string) error {
	if !f.IsConnected() {
		return ErrNotConnected
	}
	textPath, logPath, err := f.paths(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return NewQueryError("failed to create folder", err)
	}
	if err := f.appendLine(logPath, entry); err != nil {
		return NewQueryError("failed to append operation", err)
	}

	// the entry is durable at this point; a stale text file is repaired on load
	if err := writeFileAtomic(textPath, []byte(text)); err != nil {
		f.log.Error().Err(err).Str("document", name).Int("revision", entry.Revision).Msg("failed to write text file")
	}
	return nil
}

// ListDocuments returns the names of every document with a log
func (f *FileBackend) ListDocuments(ctx context.Context) ([]string, error) {
	if !f.IsConnected() {
		return nil, ErrNotConnected
	}
	var names []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, LogSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, strings.TrimSuffix(path, LogSuffix))
		if err != nil {
			return err
		}
		names = append(names, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	sort.Strings(names)
	return names, nil
}

// appendLine writes one JSON line and syncs it. On failure the file is cut
// back to its previous size. Once Sync succeeds the line is durable and a
// failing Close is only logged.
func (f *FileBackend) appendLine(path string, entry *OperationEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	fh, err := f.openLog(path)
	if err != nil {
		return err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return err
	}
	size := info.Size()

	if _, err := fh.Write(line); err != nil {
		fh.Truncate(size)
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Truncate(size)
		fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		f.log.Warn().Err(err).Str("path", path).Int("revision", entry.Revision).Msg("failed to close synced log")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
