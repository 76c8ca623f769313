// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"

	"github.com/darkauth/darkauth/pkg/logger"
)

// sweepInterval paces the expiry sweeps. Expired records are already
// unreachable through the consume paths; the sweeper only reclaims rows.
const sweepInterval = time.Minute

func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	pending, err := s.deps.Store.SweepExpiredPendingAuth(ctx, now)
	if err != nil {
		logger.Warnw("Pending-auth sweep failed", "error", err)
	}
	codes, err := s.deps.Store.SweepExpiredCodes(ctx, now)
	if err != nil {
		logger.Warnw("Code sweep failed", "error", err)
	}
	sessions, err := s.deps.Store.SweepExpiredSessions(ctx, now)
	if err != nil {
		logger.Warnw("Session sweep failed", "error", err)
	}

	if pending+codes+sessions > 0 {
		logger.Debugw("Expiry sweep completed",
			"pending_auth", pending, "codes", codes, "sessions", sessions)
	}
}
