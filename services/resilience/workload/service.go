// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workload

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	configFileName = "config.yaml"
	logFileName    = "service.log"

	hotKey       = "hot"
	poisonedItem = "poisoned"
	cachedRoutes = 64
)

// Options tunes a service. Zero values are replaced by defaults.
type Options struct {
	// Workers is the initial consumer count. Default 2.
	Workers int
	// MinWorkers and MaxWorkers bound Scale. Defaults 1 and 32.
	MinWorkers int
	MaxWorkers int
	// HeartbeatInterval between beats. Default 100ms.
	HeartbeatInterval time.Duration
	// JobCost is the processing time of one queued job. Default 2ms.
	JobCost time.Duration
	// PoisonCost is added to JobCost while the cache is poisoned. Default 20ms.
	PoisonCost time.Duration
	// QueueCapacity bounds the work queue. Default 20000.
	QueueCapacity int
	// CacheSize is the response cache capacity. Values of 64 or less become 256.
	CacheSize int
	// Filter finds and scrubs secrets in the service log.
	Filter SecretFilter
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MinWorkers <= 0 {
		o.MinWorkers = 1
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 32
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 100 * time.Millisecond
	}
	if o.JobCost <= 0 {
		o.JobCost = 2 * time.Millisecond
	}
	if o.PoisonCost <= 0 {
		o.PoisonCost = 20 * time.Millisecond
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 20000
	}
	if o.CacheSize <= cachedRoutes {
		o.CacheSize = 256
	}
	if o.Filter == nil {
		o.Filter = accessKeyFilter{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service is one remediable unit: a config file, a heartbeat, a pool of
// queue consumers, a response cache, a credential and a log file.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Service struct {
	name    string
	opts    Options
	cfgPath string
	logPath string
	logger  *slog.Logger

	limiter  *rate.Limiter
	queue    chan time.Time
	cache    *lru.Cache[string, string]
	lastBeat atomic.Int64
	served   atomic.Int64
	logMu    sync.Mutex

	mu         sync.Mutex
	root       context.Context
	stop       context.CancelFunc
	running    bool
	consumers  []context.CancelFunc
	burners    []context.CancelFunc
	hbStop     context.CancelFunc
	goodConfig []byte
	credential string
	restarts   int
}

func newService(name, dir string, opts Options) (*Service, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create service dir: %w", err)
	}
	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	good, err := DefaultServiceConfig().Marshal()
	if err != nil {
		return nil, err
	}

	s := &Service{
		name:       name,
		opts:       opts,
		cfgPath:    filepath.Join(dir, configFileName),
		logPath:    filepath.Join(dir, logFileName),
		logger:     opts.Logger.With("resource", name),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		queue:      make(chan time.Time, opts.QueueCapacity),
		cache:      cache,
		goodConfig: good,
		credential: uuid.NewString(),
	}
	if err := os.WriteFile(s.cfgPath, good, 0o600); err != nil {
		return nil, fmt.Errorf("write service config: %w", err)
	}
	if err := os.WriteFile(s.logPath, nil, 0o600); err != nil {
		return nil, fmt.Errorf("create service log: %w", err)
	}
	return s, nil
}

// Name returns the resource name.
func (s *Service) Name() string { return s.name }

// ConfigPath is the service's config file.
func (s *Service) ConfigPath() string { return s.cfgPath }

// LogPath is the service's log file.
func (s *Service) LogPath() string { return s.logPath }

func (s *Service) start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.root, s.stop = context.WithCancel(parent)
	s.running = true
	s.startHeartbeatLocked()
	for i := 0; i < s.opts.Workers; i++ {
		s.addConsumerLocked()
	}
	s.appendLog("service started")
}

func (s *Service) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.stop()
	s.running = false
	s.consumers = nil
	s.burners = nil
	s.hbStop = nil
}

func (s *Service) startHeartbeatLocked() {
	ctx, cancel := context.WithCancel(s.root)
	s.hbStop = cancel
	s.lastBeat.Store(time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.lastBeat.Store(now.UnixNano())
			}
		}
	}()
}

func (s *Service) addConsumerLocked() {
	ctx, cancel := context.WithCancel(s.root)
	s.consumers = append(s.consumers, cancel)
	go s.consume(ctx)
}

func (s *Service) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue:
			timer := time.NewTimer(s.jobCost())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			n := s.served.Add(1)
			s.cache.Add(fmt.Sprintf("route-%d", n%cachedRoutes), "ok")
		}
	}
}

func (s *Service) jobCost() time.Duration {
	if v, ok := s.cache.Peek(hotKey); ok && v == poisonedItem {
		return s.opts.JobCost + s.opts.PoisonCost
	}
	return s.opts.JobCost
}

func burn(ctx context.Context) {
	x := 1.0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for i := 0; i < 50_000; i++ {
			x = math.Sqrt(x + float64(i))
		}
		_ = x
	}
}

// =============================================================================
// Observations
// =============================================================================

// Workers is the current consumer count.
func (s *Service) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Load is busy-loop goroutines per worker.
func (s *Service) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.consumers) == 0 {
		return float64(len(s.burners))
	}
	return float64(len(s.burners)) / float64(len(s.consumers))
}

// QueueDepth is the number of queued jobs.
func (s *Service) QueueDepth() int { return len(s.queue) }

// LatencyMs estimates how long a job enqueued now would wait.
func (s *Service) LatencyMs() float64 {
	workers := s.Workers()
	if workers == 0 {
		workers = 1
	}
	wait := time.Duration(s.QueueDepth()) * s.jobCost() / time.Duration(workers)
	return float64(wait) / float64(time.Millisecond)
}

// HeartbeatAge is the time since the last beat.
func (s *Service) HeartbeatAge() time.Duration {
	return time.Since(time.Unix(0, s.lastBeat.Load()))
}

// ConfigError returns why the on-disk config is unusable, or nil.
func (s *Service) ConfigError() error {
	data, err := os.ReadFile(s.cfgPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	_, err = ParseServiceConfig(data)
	return err
}

// LogSecrets counts credentials visible in the log file.
func (s *Service) LogSecrets() int {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	data, err := os.ReadFile(s.logPath)
	if err != nil {
		return 0
	}
	return s.opts.Filter.Count(data)
}

// Restarts is how many times the service was restarted.
func (s *Service) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Metrics returns a snapshot keyed by metric name.
func (s *Service) Metrics() map[string]float64 {
	invalid := 0.0
	if s.ConfigError() != nil {
		invalid = 1
	}
	return map[string]float64{
		MetricCPULoad:       s.Load(),
		MetricQueueDepth:    float64(s.QueueDepth()),
		MetricLatencyMs:     s.LatencyMs(),
		MetricHeartbeatAge:  float64(s.HeartbeatAge()) / float64(time.Millisecond),
		MetricConfigInvalid: invalid,
		MetricLogSecrets:    float64(s.LogSecrets()),
		MetricWorkers:       float64(s.Workers()),
	}
}

// =============================================================================
// Fault injection
// =============================================================================

// SaturateCPU starts n busy-loop goroutines.
func (s *Service) SaturateCPU(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(s.root)
		s.burners = append(s.burners, cancel)
		go burn(ctx)
	}
	s.appendLog(fmt.Sprintf("cpu saturation: %d busy loops", n))
}

// StopHeartbeat stops the heartbeat until the next restart.
func (s *Service) StopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hbStop != nil {
		s.hbStop()
		s.hbStop = nil
	}
}

// Enqueue offers n jobs through the admission limiter and returns how many
// were accepted.
func (s *Service) Enqueue(n int) int {
	accepted := 0
	now := time.Now()
	for i := 0; i < n; i++ {
		if !s.limiter.Allow() {
			continue
		}
		select {
		case s.queue <- now:
			accepted++
		default:
		}
	}
	return accepted
}

// PoisonCache marks the hot cache entry as poisoned, slowing every job.
func (s *Service) PoisonCache() {
	s.cache.Add(hotKey, poisonedItem)
}

// CorruptConfig writes an invalid max_connections and returns the file
// contents before and after.
func (s *Service) CorruptConfig() (before, after []byte, err error) {
	before, err = os.ReadFile(s.cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseServiceConfig(before)
	if err != nil {
		cfg = DefaultServiceConfig()
	}
	cfg.MaxConnections = -1
	after, err = cfg.Marshal()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(s.cfgPath, after, 0o600); err != nil {
		return nil, nil, fmt.Errorf("write config: %w", err)
	}
	return before, after, nil
}

// LeakSecret writes a credential-shaped token into the service log and
// returns it.
func (s *Service) LeakSecret() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	key := "AKIA" + string(buf)
	s.appendLog("connecting to object store with access_key=" + key)
	return key, nil
}

// =============================================================================
// Remediation
// =============================================================================

func (s *Service) restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("service %s is not running", s.name)
	}
	for _, stop := range s.burners {
		stop()
	}
	s.burners = nil
	n := len(s.consumers)
	for _, stop := range s.consumers {
		stop()
	}
	s.consumers = nil
	if s.hbStop != nil {
		s.hbStop()
	}
	s.cache.Purge()

	s.startHeartbeatLocked()
	for i := 0; i < max(n, s.opts.MinWorkers); i++ {
		s.addConsumerLocked()
	}
	s.restarts++
	s.appendLog("service restarted")
	return nil
}

// scale changes the consumer count within bounds and returns old and new.
func (s *Service) scale(delta int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, 0, fmt.Errorf("service %s is not running", s.name)
	}
	from := len(s.consumers)
	to := min(max(from+delta, s.opts.MinWorkers), s.opts.MaxWorkers)
	for len(s.consumers) < to {
		s.addConsumerLocked()
	}
	for len(s.consumers) > to {
		last := len(s.consumers) - 1
		s.consumers[last]()
		s.consumers = s.consumers[:last]
	}
	s.appendLog(fmt.Sprintf("scaled workers %d -> %d", from, to))
	return from, to, nil
}

func (s *Service) rollbackConfig() error {
	s.mu.Lock()
	good := s.goodConfig
	s.mu.Unlock()
	if err := os.WriteFile(s.cfgPath, good, 0o600); err != nil {
		return fmt.Errorf("restore config: %w", err)
	}
	s.appendLog("config rolled back to last known good")
	return nil
}

func (s *Service) patchConfig(params map[string]string) error {
	data, err := os.ReadFile(s.cfgPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseServiceConfig(data)
	if err != nil {
		s.mu.Lock()
		good := s.goodConfig
		s.mu.Unlock()
		if cfg, err = ParseServiceConfig(good); err != nil {
			return err
		}
	}
	for k, v := range params {
		if err := cfg.apply(k, v); err != nil {
			return err
		}
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if _, err := ParseServiceConfig(out); err != nil {
		return fmt.Errorf("patch rejected: %w", err)
	}
	if err := os.WriteFile(s.cfgPath, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s.mu.Lock()
	s.goodConfig = out
	s.mu.Unlock()
	s.appendLog("config patched")
	return nil
}

// shedLoad limits admission to perSec (0 removes the limit) and stops
// busy loops.
func (s *Service) shedLoad(perSec float64) int {
	if perSec <= 0 {
		s.limiter.SetLimit(rate.Inf)
	} else {
		s.limiter.SetLimit(rate.Limit(perSec))
		s.limiter.SetBurst(max(1, int(perSec)))
	}
	s.mu.Lock()
	stopped := len(s.burners)
	for _, stop := range s.burners {
		stop()
	}
	s.burners = nil
	s.mu.Unlock()
	return stopped
}

func (s *Service) drain() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

func (s *Service) rotateSecret() (int, error) {
	s.mu.Lock()
	s.credential = uuid.NewString()
	s.mu.Unlock()

	s.logMu.Lock()
	defer s.logMu.Unlock()
	data, err := os.ReadFile(s.logPath)
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	found := s.opts.Filter.Count(data)
	if found > 0 {
		if err := os.WriteFile(s.logPath, s.opts.Filter.Redact(data), 0o600); err != nil {
			return 0, fmt.Errorf("scrub log: %w", err)
		}
	}
	return found, nil
}

func (s *Service) verify() error {
	s.mu.Lock()
	running := s.running
	hbLive := s.hbStop != nil
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("service %s is not running", s.name)
	}
	if err := s.ConfigError(); err != nil {
		return err
	}
	if !hbLive || s.HeartbeatAge() > 5*s.opts.HeartbeatInterval {
		return fmt.Errorf("heartbeat stale for %v", s.HeartbeatAge())
	}
	return nil
}

// reset returns the service to its freshly started shape: original worker
// count, no admission limit, no busy loops, a live heartbeat, an empty
// queue and cache, a clean log and the known good config on disk.
func (s *Service) reset() error {
	s.limiter.SetLimit(rate.Inf)
	s.drain()
	s.cache.Purge()

	s.mu.Lock()
	if s.running {
		for _, stop := range s.burners {
			stop()
		}
		s.burners = nil
		for len(s.consumers) < s.opts.Workers {
			s.addConsumerLocked()
		}
		for len(s.consumers) > s.opts.Workers {
			last := len(s.consumers) - 1
			s.consumers[last]()
			s.consumers = s.consumers[:last]
		}
		if s.hbStop == nil {
			s.startHeartbeatLocked()
		}
	}
	s.mu.Unlock()

	if s.LogSecrets() > 0 {
		if _, err := s.rotateSecret(); err != nil {
			return err
		}
	}
	if s.ConfigError() != nil {
		return s.rollbackConfig()
	}
	return nil
}

func (s *Service) appendLog(line string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		s.logger.Warn("service log unavailable", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), s.name, line)
}
