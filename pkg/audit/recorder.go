// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"time"

	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/storage"
)

// Recorder appends audit entries to the store. A write failure is logged and
// swallowed: auditing never fails the request that triggered it.
type Recorder struct {
	store storage.AuditStore
	now   func() time.Time
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store storage.AuditStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record appends one audit entry. Details must not contain secrets; callers
// pass only identifiers and outcome metadata.
func (r *Recorder) Record(ctx context.Context, actor, event, resourceType, resourceID, outcome string, details map[string]any) {
	entry := storage.AuditEntry{
		At:           r.now().UTC(),
		Actor:        actor,
		Event:        event,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Details:      details,
	}
	if err := r.store.WriteAudit(ctx, entry); err != nil {
		logger.Errorw("Failed to write audit entry",
			"event", event,
			"resource_type", resourceType,
			"error", err.Error(),
		)
	}
}
