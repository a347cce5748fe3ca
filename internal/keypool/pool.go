// Package keypool implements cross-process round-robin rotation over a set
// of API credentials. The rotation cursor is file-backed and every
// advance+read happens under an exclusive file lock, so concurrent workers
// in any number of processes observe a strict round-robin sequence.
//
// Rotation is fair but not mutually exclusive in use: two workers may hold
// the same credential at once when the pool is smaller than the concurrency.
package keypool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"skillscan/internal/logging"
)

// ErrNoCredentials indicates the pool file is missing or holds no usable
// entries. Callers treat this as non-fatal and fall back to the ambient
// credential.
var ErrNoCredentials = errors.New("no credentials configured")

// Credential is one entry from the pool file.
type Credential struct {
	Token string
	Label string // optional, from "token|label" lines
	Index int    // pool position this acquisition selected
}

// Pool rotates credentials from a line-oriented file.
type Pool struct {
	poolFile   string
	cursorFile string
	lockFile   string
}

// New creates a Pool. cursorFile and lockFile default next to the pool file
// when empty.
func New(poolFile, cursorFile, lockFile string) *Pool {
	if cursorFile == "" {
		cursorFile = poolFile + ".cursor"
	}
	if lockFile == "" {
		lockFile = poolFile + ".lock"
	}
	return &Pool{
		poolFile:   poolFile,
		cursorFile: cursorFile,
		lockFile:   lockFile,
	}
}

// Load reads the pool file, skipping blank and comment lines. "token|label"
// lines yield a labeled credential.
func (p *Pool) Load() ([]Credential, error) {
	data, err := os.ReadFile(p.poolFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential pool %s: %w", p.poolFile, err)
	}

	var creds []Credential
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token := line
		label := ""
		if i := strings.Index(line, "|"); i >= 0 {
			token = strings.TrimSpace(line[:i])
			label = strings.TrimSpace(line[i+1:])
		}
		if token == "" {
			continue
		}
		creds = append(creds, Credential{Token: token, Label: label})
	}
	return creds, nil
}

// Size returns the number of usable entries in the pool file.
func (p *Pool) Size() (int, error) {
	creds, err := p.Load()
	if err != nil {
		return 0, err
	}
	return len(creds), nil
}

// Acquire returns the next credential in strict round-robin order. The
// cursor read, selection and advance are atomic across concurrent acquirers
// in any process. Fails with ErrNoCredentials when the pool is empty.
func (p *Pool) Acquire() (Credential, error) {
	lock := flock.New(p.lockFile)
	if err := lock.Lock(); err != nil {
		return Credential{}, fmt.Errorf("failed to lock credential pool: %w", err)
	}
	defer lock.Unlock()

	// The list load sits inside the lock scope: the credential picked and
	// the cursor advanced must come from the same view of the pool file.
	creds, err := p.Load()
	if err != nil {
		return Credential{}, err
	}
	if len(creds) == 0 {
		return Credential{}, ErrNoCredentials
	}

	cursor := p.readCursor()
	if cursor < 0 || cursor >= len(creds) {
		cursor = 0
	}

	cred := creds[cursor]
	cred.Index = cursor

	next := (cursor + 1) % len(creds)
	if err := p.writeCursor(next); err != nil {
		return Credential{}, err
	}

	logging.PoolDebug("Acquired credential %d/%d", cursor, len(creds))
	return cred, nil
}

// Cursor returns the persisted cursor position (0 if absent).
func (p *Pool) Cursor() int {
	lock := flock.New(p.lockFile)
	if err := lock.Lock(); err != nil {
		return 0
	}
	defer lock.Unlock()
	return p.readCursor()
}

// Reset sets the cursor back to 0.
func (p *Pool) Reset() error {
	lock := flock.New(p.lockFile)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock credential pool: %w", err)
	}
	defer lock.Unlock()
	return p.writeCursor(0)
}

func (p *Pool) readCursor() int {
	data, err := os.ReadFile(p.cursorFile)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (p *Pool) writeCursor(n int) error {
	if err := os.MkdirAll(filepath.Dir(p.cursorFile), 0755); err != nil {
		return fmt.Errorf("failed to create cursor directory: %w", err)
	}
	if err := os.WriteFile(p.cursorFile, []byte(strconv.Itoa(n)), 0644); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}
