package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/agent/store"
)

// sessionRestorer is the slice of the multiplexer that restore needs.
type sessionRestorer interface {
	Restore(id int, name, dir string, createdAt time.Time, seed session.Usage) (session.Info, error)
}

// restoreSessions revives persisted sessions in creation order, seeding
// each worker with its recorded usage and provider conversation id. Rows
// that cannot be revived (directory gone, scope changed) are deleted along
// with their transcripts: a fresh session under a recycled id must not
// inherit an old transcript.
func restoreSessions(ctx context.Context, st *store.Store, mux sessionRestorer) int {
	recs, err := st.Sessions(ctx)
	if err != nil {
		slog.Warn("load persisted sessions", "error", err)
		return 0
	}

	restored := 0
	for _, rec := range recs {
		_, err := mux.Restore(rec.ID, rec.Name, rec.WorkingDir, rec.CreatedAt, session.Usage{
			MessageCount:      rec.MessageCount,
			InputTokens:       rec.InputTokens,
			OutputTokens:      rec.OutputTokens,
			CostUSD:           rec.CostUSD,
			Model:             rec.Model,
			ProviderSessionID: rec.ProviderSessionID,
		})
		if err != nil {
			slog.Warn("dropping unrestorable session",
				"sessionId", rec.ID, "dir", rec.WorkingDir, "error", err)
			if delErr := st.DeleteSession(ctx, rec.ID); delErr != nil {
				slog.Warn("delete session row", "sessionId", rec.ID, "error", delErr)
			}
			continue
		}
		restored++
	}
	return restored
}
