// Package audit persists a relational record of every non-NO_ACTION
// decision to Supabase, for after-the-fact review and compliance
// export. Writes are best-effort: a failed insert is logged and
// dropped, never propagated back to the ServerManager's saved-action
// consumer, since the saved-action object itself remains the durable
// record.
package audit

import (
	"context"
	"log/slog"

	"github.com/supabase-community/supabase-go"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
)

// Sink is the capability the ServerManager's audit worker depends on.
type Sink interface {
	Record(ctx context.Context, saved domain.SavedAction)
}

// SupabaseSink implements Sink against a Supabase table.
type SupabaseSink struct {
	client *supabase.Client
	table  string
}

// NewSupabaseSink builds a sink against projectURL/serviceKey, writing
// rows to table.
func NewSupabaseSink(projectURL, serviceKey, table string) (*SupabaseSink, error) {
	client, err := supabase.NewClient(projectURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, err
	}
	return &SupabaseSink{client: client, table: table}, nil
}

type auditRow struct {
	ClientName string `json:"client_name"`
	Action     int    `json:"action"`
	Reason     int    `json:"reason"`
	ObjectKey  string `json:"object_key"`
	SavedKey   string `json:"saved_key"`
	SendTime   string `json:"send_time"`
	FinishTime string `json:"finish_time"`
	Branch     string `json:"branch"`
}

// Record inserts one row for saved. Failures are logged, not returned,
// so a flaky audit store never blocks the ServerManager's saved-action
// consumer.
func (s *SupabaseSink) Record(ctx context.Context, saved domain.SavedAction) {
	row := auditRow{
		ClientName: saved.ClientName,
		Action:     saved.Action.Action,
		Reason:     saved.Action.Reason,
		ObjectKey:  saved.SourceObjectKey,
		SavedKey:   saved.SavedObjectKey,
		SendTime:   saved.SendTime.UTC().Format("2006-01-02T15:04:05.000000Z"),
		FinishTime: saved.FinishTime.UTC().Format("2006-01-02T15:04:05.000000Z"),
		Branch:     saved.Branch,
	}
	_, _, err := s.client.From(s.table).Insert(row, false, "", "", "").Execute()
	if err != nil {
		slog.Warn("audit: insert failed, continuing", "client", saved.ClientName, "error", err)
	}
}

// NoopSink discards every record; used when Supabase auditing is
// disabled in the profile.
type NoopSink struct{}

func (NoopSink) Record(context.Context, domain.SavedAction) {}
