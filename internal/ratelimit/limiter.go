// Package ratelimit enforces hourly and daily sending quotas per sender
// account and per relay.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuotas = []byte("quotas")

// Level is the scope a quota applies to
type Level string

const (
	LevelSender Level = "sender"
	LevelRelay  Level = "relay"
)

// Limit holds quota values; zero disables the corresponding window
type Limit struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

func (l *Limit) active() bool {
	return l != nil && (l.MessagesPerHour > 0 || l.MessagesPerDay > 0)
}

// Config configures a Limiter
type Config struct {
	Sender *Limit
	Relay  *Limit
	// StatePath is a bbolt file that keeps counters across restarts.
	// Empty keeps counters in memory only.
	StatePath     string
	FlushInterval time.Duration
}

// Counter tracks usage inside the current windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request identifies one message about to be submitted
type Request struct {
	Sender string
	Relay  string
}

// Result is the outcome of Allow
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Limiter counts messages per sender and relay
type Limiter struct {
	config   Config
	db       *bolt.DB
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a limiter. When cfg.StatePath is set, counters are loaded
// from and periodically flushed to that file.
func New(cfg Config) (*Limiter, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	l := &Limiter{
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
	}

	if cfg.StatePath == "" {
		return l, nil
	}

	db, err := bolt.Open(cfg.StatePath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create quotas bucket: %w", err)
	}
	l.db = db

	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load quota counters: %w", err)
	}

	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.flushLoop()

	return l, nil
}

// Enabled reports whether any quota is configured
func (l *Limiter) Enabled() bool {
	return l.config.Sender.active() || l.config.Relay.active()
}

// Allow checks every applicable quota and, when all pass, counts the
// message against each of them.
func (l *Limiter) Allow(req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(req)

	for _, c := range checks {
		counter := l.counter(c.key, now)
		if c.limit.MessagesPerHour > 0 && counter.HourlyCount >= c.limit.MessagesPerHour {
			return Result{DeniedBy: c.level, DeniedKey: c.key, RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}
		}
		if c.limit.MessagesPerDay > 0 && counter.DailyCount >= c.limit.MessagesPerDay {
			return Result{DeniedBy: c.level, DeniedKey: c.key, RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}
		}
	}

	for _, c := range checks {
		counter := l.counters[c.key]
		counter.HourlyCount++
		counter.DailyCount++
	}
	return Result{Allowed: true}
}

// Usage returns the current counters for a key without changing them
func (l *Limiter) Usage(level Level, key string) Counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[makeKey(level, key)]
	if !ok {
		return Counter{}
	}
	out := *c
	now := l.now()
	if now.Sub(out.HourStart) >= time.Hour {
		out.HourlyCount = 0
	}
	if now.Sub(out.DayStart) >= 24*time.Hour {
		out.DailyCount = 0
	}
	return out
}

// Close flushes counters and releases the state file
func (l *Limiter) Close() error {
	if l.db == nil {
		return nil
	}
	close(l.stopCh)
	<-l.done

	err := l.flush()
	if cerr := l.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type check struct {
	level Level
	key   string
	limit *Limit
}

func (l *Limiter) checks(req Request) []check {
	var out []check
	if req.Sender != "" && l.config.Sender.active() {
		out = append(out, check{LevelSender, makeKey(LevelSender, req.Sender), l.config.Sender})
	}
	if req.Relay != "" && l.config.Relay.active() {
		out = append(out, check{LevelRelay, makeKey(LevelRelay, req.Relay), l.config.Relay})
	}
	return out
}

// counter returns the counter for key with expired windows restarted
func (l *Limiter) counter(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok {
		c = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = c
	}
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
	return c
}

func (l *Limiter) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func (l *Limiter) flush() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, c := range l.counters {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotas)
		for key, data := range snapshot {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = l.flush()
		case <-l.stopCh:
			return
		}
	}
}

// makeKey lowercases addresses so "Ana@X.org" and "ana@x.org" share a quota
func makeKey(level Level, key string) string {
	return string(level) + ":" + strings.ToLower(key)
}
