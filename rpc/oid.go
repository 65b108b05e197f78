package rpc

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"
)

// processID is the <host>-<pid> component shared by every oid this
// process hands out, resolved once the way krd's common/socket.User
// resolves and caches the OS user once per process.
var processID = resolveProcessID()

func resolveProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		// fall back to a random token so two hostless processes on the
		// same machine still can't collide.
		host = uuid.NewV4().String()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// nextSocketSeq hands out the per-process, per-transport sequence number
// that distinguishes oids minted by different Endpoints in one process.
var socketSeqCounter int64

func nextSocketSeq() int64 {
	return atomic.AddInt64(&socketSeqCounter, 1)
}

// oidGenerator mints oids of the form <host>-<pid>:<socketSeq>:<counter>,
// unique within this endpoint for its lifetime and never reused.
type oidGenerator struct {
	mu        sync.Mutex
	socketSeq int64
	counter   int64
}

func newOIDGenerator() *oidGenerator {
	return &oidGenerator{socketSeq: nextSocketSeq()}
}

func (g *oidGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s:%d:%d", processID, g.socketSeq, g.counter)
}
