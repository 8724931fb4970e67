package schedule

import (
	"fmt"

	"github.com/botlabs-gg/gamesched/common"
)

// Schemas returns the DDL for the kind's table, its due index and the notify triggers
func (k *Kind) Schemas() []string {
	scheduledAtCol := ""
	if k.HasSubjectScheduledAt {
		scheduledAtCol = "\n\tsubject_scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,\n"
	}

	return []string{fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	subject_id BIGINT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,

	target TEXT NOT NULL,
	trigger_time TIMESTAMP WITH TIME ZONE NOT NULL,
	executed BOOLEAN NOT NULL DEFAULT false,
%[3]s
	last_error TEXT,

	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),

	UNIQUE(subject_id, target)
);
`, k.Table, k.SubjectTable, scheduledAtCol), fmt.Sprintf(`
CREATE INDEX IF NOT EXISTS %[1]s_due_idx ON %[1]s(trigger_time) WHERE executed = false;
`, k.Table), fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%[2]s', NEW.subject_id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`, k.Table, k.NotifyChannel()), fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s_notify_insert ON %[1]s;
CREATE TRIGGER %[1]s_notify_insert AFTER INSERT ON %[1]s
	FOR EACH ROW WHEN (NEW.executed = false) EXECUTE PROCEDURE %[1]s_notify();
`, k.Table), fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s_notify_update ON %[1]s;
CREATE TRIGGER %[1]s_notify_update AFTER UPDATE ON %[1]s
	FOR EACH ROW WHEN (NEW.executed = false AND (OLD.executed IS DISTINCT FROM NEW.executed OR OLD.trigger_time IS DISTINCT FROM NEW.trigger_time))
	EXECUTE PROCEDURE %[1]s_notify();
`, k.Table)}
}

// RegisterSchemas queues the schemas of every kind, the subject table has to be registered before this
func RegisterSchemas() {
	common.RegisterDBSchemas("schedule_reminders", RemindersKind.Schemas()...)
	common.RegisterDBSchemas("schedule_transitions", TransitionsKind.Schemas()...)
	common.RegisterDBSchemas("schedule_promotions", PromotionsKind.Schemas()...)
}
