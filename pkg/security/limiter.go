package security

import (
	"sync"
	"time"
)

const (
	// maxIPEntries caps the per-IP table so a flood of distinct addresses
	// cannot grow it without bound.
	maxIPEntries = 10000

	limiterCleanupInterval = 5 * time.Minute
	inactiveEntryTTL       = 10 * time.Minute
)

type ipEntry struct {
	lastSeen time.Time
	active   int
}

// ConnectionLimiter enforces per-IP and total limits on open connections.
// A limit of zero or less disables that limit.
type ConnectionLimiter struct {
	perIP    map[string]*ipEntry
	stopCh   chan struct{}
	stopped  chan struct{}
	maxPerIP int
	maxTotal int
	total    int
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewConnectionLimiter creates a limiter and starts its cleanup goroutine.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:    make(map[string]*ipEntry),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Add records a new connection from ip. It returns false if a limit would be exceeded.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxTotal > 0 && cl.total >= cl.maxTotal {
		return false
	}

	entry, ok := cl.perIP[ip]
	if !ok {
		if len(cl.perIP) >= maxIPEntries && !cl.evictOldestInactiveLocked() {
			return false
		}
		entry = &ipEntry{}
		cl.perIP[ip] = entry
	}
	if cl.maxPerIP > 0 && entry.active >= cl.maxPerIP {
		return false
	}

	entry.active++
	entry.lastSeen = time.Now()
	cl.total++
	return true
}

// Remove records that a connection from ip has closed.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.perIP[ip]
	if !ok || entry.active == 0 {
		return
	}
	entry.active--
	entry.lastSeen = time.Now()
	if cl.total > 0 {
		cl.total--
	}
}

// Total returns the number of open connections.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// ActiveFor returns the number of open connections from ip.
func (cl *ConnectionLimiter) ActiveFor(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if entry, ok := cl.perIP[ip]; ok {
		return entry.active
	}
	return 0
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
		<-cl.stopped
	})
}

func (cl *ConnectionLimiter) evictOldestInactiveLocked() bool {
	var oldestIP string
	var oldest time.Time
	for ip, entry := range cl.perIP {
		if entry.active > 0 {
			continue
		}
		if oldestIP == "" || entry.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = entry.lastSeen
		}
	}
	if oldestIP == "" {
		return false
	}
	delete(cl.perIP, oldestIP)
	return true
}

func (cl *ConnectionLimiter) cleanupLoop() {
	defer close(cl.stopped)

	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stopCh:
			return
		case <-ticker.C:
			cl.cleanup(time.Now())
		}
	}
}

// cleanup drops entries with no open connections that have been idle for a while.
func (cl *ConnectionLimiter) cleanup(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, entry := range cl.perIP {
		if entry.active == 0 && now.Sub(entry.lastSeen) > inactiveEntryTTL {
			delete(cl.perIP, ip)
		}
	}
}
