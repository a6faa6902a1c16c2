// Package id provides identity tokens for frames, workers and RPC calls.
//
// Every token is a prefixed ULID drawn from crypto/rand entropy:
//   - Unguessable enough that two sessions never collide by accident
//   - Sortable by creation time, which keeps logs readable
//   - Prefixed by kind (frame_*, worker_*, call_*) so a token is never
//     routed to the wrong registry
//
// Tokens carry no security properties beyond routing.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// FrameID identifies one sandboxed browsing session
type FrameID string

// WorkerID identifies a virtualized worker instance (probe or real)
type WorkerID string

// CallID identifies one in-flight RPC call on one side of a channel
type CallID string

const (
	FramePrefix  = "frame"
	WorkerPrefix = "worker"
	CallPrefix   = "call"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests use it for deterministic tokens.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewFrameID generates a new frame token
func NewFrameID() FrameID {
	return FrameID(Default().GenerateWithPrefix(FramePrefix))
}

// NewWorkerID generates a new worker token
func NewWorkerID() WorkerID {
	return WorkerID(Default().GenerateWithPrefix(WorkerPrefix))
}

// NewCallID generates a new RPC call token
func NewCallID() CallID {
	return CallID(Default().GenerateWithPrefix(CallPrefix))
}

func (id FrameID) String() string  { return string(id) }
func (id WorkerID) String() string { return string(id) }
func (id CallID) String() string   { return string(id) }

// HasPrefix reports whether token is a well-formed ULID carrying the given prefix
func HasPrefix(token, prefix string) bool {
	rest, ok := strings.CutPrefix(token, prefix+"_")
	if !ok {
		return false
	}
	return IsValid(rest)
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed or bare token
func Timestamp(token string) (time.Time, error) {
	if i := strings.LastIndexByte(token, '_'); i >= 0 {
		token = token[i+1:]
	}
	parsed, err := ulid.Parse(token)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
