// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package provider

import (
	"sync"
	"time"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// DefaultHealthCooldown is how long routing skips a provider after a failed
// chat.
const DefaultHealthCooldown = 30 * time.Second

// HealthMetrics is the health snapshot listed by GET /api/v1/providers.
type HealthMetrics struct {
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
}

// HealthTracker takes a provider out of routing for a cooldown after each
// failure. A success, or the cooldown running out, puts it back.
type HealthTracker struct {
	cooldown time.Duration

	mu          sync.RWMutex
	now         func() time.Time
	downUntil   time.Time // zero while healthy
	lastFailure time.Time
	failures    int64
}

func NewHealthTracker(cooldown time.Duration) (*HealthTracker, error) {
	if cooldown <= 0 {
		return nil, nderr.Errorf(nderr.CodeConfigValidateInvalidValue,
			"health tracker cooldown must be positive, got %s", cooldown)
	}
	return &HealthTracker{cooldown: cooldown, now: time.Now}, nil
}

// availableLocked requires h.mu.
func (h *HealthTracker) availableLocked() bool {
	return h.downUntil.IsZero() || !h.now().Before(h.downUntil)
}

// IsHealthy reports whether routing may pick the provider.
func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.availableLocked()
}

func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.downUntil = time.Time{}
	h.mu.Unlock()
}

func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	h.lastFailure = h.now()
	h.downUntil = h.lastFailure.Add(h.cooldown)
	h.failures++
	h.mu.Unlock()
}

// SetNowFunc replaces the clock (for testing).
func (h *HealthTracker) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	h.now = fn
	h.mu.Unlock()
}

// HealthMetrics returns a copy of the current state. CooldownUntil stays
// set until the next success, even once the cooldown has passed.
func (h *HealthTracker) HealthMetrics() HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := HealthMetrics{FailureCount: h.failures, Available: h.availableLocked()}
	if h.failures > 0 {
		last := h.lastFailure
		m.LastFailureAt = &last
	}
	if !h.downUntil.IsZero() {
		until := h.downUntil
		m.CooldownUntil = &until
	}
	return m
}

// Tracked gives a provider implementation IsHealthy, RecordSuccess,
// RecordFailure and HealthMetrics.
type Tracked struct {
	*HealthTracker
}

func NewTracked() Tracked {
	h, _ := NewHealthTracker(DefaultHealthCooldown)
	return Tracked{HealthTracker: h}
}
