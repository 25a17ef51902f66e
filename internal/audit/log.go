// Package audit writes privileged chat actions (bans, role changes, credits)
// as JSON lines on the shared logger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"otterchat.org/internal/auth"
	"otterchat.org/internal/ids"
	"otterchat.org/internal/obs"
)

type ctxKey string

const connIDKey ctxKey = "audit_conn_id"

// WithConnID attaches the transport connection identifier to the context.
func WithConnID(ctx context.Context, connID string) context.Context {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connIDKey, connID)
}

func connIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(connIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with connection and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"id":    ids.New(),
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if cid := connIDFromContext(ctx); cid != "" {
		entry["conn_id"] = cid
	}
	if actor, ok := auth.UserFromContext(ctx); ok {
		entry["actor"] = actor.Username
		entry["actor_role"] = actor.Role.String()
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
