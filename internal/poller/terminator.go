// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package poller

import (
	"context"
	"fmt"
)

// Terminators routes termination requests to the client for the right
// server. It implements rules.SessionTerminator.
type Terminators map[string]*TautulliClient

// TerminateSession forwards the request to the matching server client.
func (t Terminators) TerminateSession(ctx context.Context, serverID, sessionKey, reason string) error {
	client, ok := t[serverID]
	if !ok {
		return fmt.Errorf("no client for server %q", serverID)
	}
	return client.TerminateSession(ctx, sessionKey, reason)
}
