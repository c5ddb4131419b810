package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// DefaultGuardTTL is how long a guard claim stays valid without renewal.
const DefaultGuardTTL = 60 * time.Second

// Claim is the on-disk guard record. A claim older than its TTL, or whose
// process is gone, can be taken over.
type Claim struct {
	Owner    string    `json:"owner"`
	PID      int       `json:"pid"`
	Acquired time.Time `json:"acquired"`
	TTL      string    `json:"ttl"`
}

// TTLDuration parses the claim's TTL, falling back to the default.
func (c *Claim) TTLDuration() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return DefaultGuardTTL
	}
	return d
}

// Stale reports whether the claim can be taken over: either it expired, or
// the claiming process no longer exists on this machine.
func (c *Claim) Stale() bool {
	if time.Since(c.Acquired) > c.TTLDuration() {
		return true
	}
	return !pidAlive(c.PID)
}

// pidAlive checks whether a process exists. Signal 0 probes without sending.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Guard serializes commands against a session via an advisory guard file in
// the session directory. One process, one command at a time per session.
type Guard struct {
	store *Store
	owner string
	mu    sync.Mutex
}

// NewGuard creates a guard over the store's sessions.
func NewGuard(store *Store, owner string) *Guard {
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s@%s", os.Getenv("USER"), host)
	}
	return &Guard{store: store, owner: owner}
}

func (g *Guard) guardPath(sessionID string) string {
	return filepath.Join(g.store.Dir(sessionID), workflow.GuardFileName)
}

// Acquire claims the session, taking over stale claims. Returns
// CodeSessionBusy when another live process holds it.
func (g *Guard) Acquire(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := g.guardPath(sessionID)
	existing, err := readClaim(path)
	if err == nil {
		held := existing.Owner != g.owner || existing.PID != os.Getpid()
		if held && !existing.Stale() {
			return ferrors.SessionBusy(sessionID, existing.Owner)
		}
	} else if !os.IsNotExist(err) {
		return ferrors.Storage("read session guard", err)
	}

	claim := &Claim{
		Owner:    g.owner,
		PID:      os.Getpid(),
		Acquired: time.Now().UTC(),
		TTL:      DefaultGuardTTL.String(),
	}
	data, err := json.MarshalIndent(claim, "", "  ")
	if err != nil {
		return ferrors.Storage("marshal session guard", err)
	}
	if err := util.AtomicWriteFile(path, append(data, '\n'), 0o644); err != nil {
		return ferrors.Storage("write session guard", err)
	}
	return nil
}

// Release drops this process's claim. Releasing an unheld or already
// released guard is not an error.
func (g *Guard) Release(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := g.guardPath(sessionID)
	existing, err := readClaim(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ferrors.Storage("read session guard", err)
	}
	if existing.Owner != g.owner || existing.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ferrors.Storage("remove session guard", err)
	}
	return nil
}

func readClaim(path string) (*Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, fmt.Errorf("parse guard file: %w", err)
	}
	return &claim, nil
}
