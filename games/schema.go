package games

var DBSchemas = []string{`
CREATE TABLE IF NOT EXISTS games (
	id BIGSERIAL PRIMARY KEY,

	guild_id BIGINT NOT NULL,
	channel_id BIGINT NOT NULL,
	host_id BIGINT NOT NULL,

	title TEXT NOT NULL,
	scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
	duration_seconds BIGINT NOT NULL DEFAULT 3600,

	max_players INT NOT NULL DEFAULT 0,
	reminder_minutes BIGINT[] NOT NULL DEFAULT '{60,15}',

	status TEXT NOT NULL DEFAULT 'SCHEDULED',

	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);
`, `
CREATE INDEX IF NOT EXISTS games_guild_idx ON games(guild_id);
`, `
CREATE TABLE IF NOT EXISTS game_participants (
	id BIGSERIAL PRIMARY KEY,
	game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,

	user_id BIGINT,
	display_name TEXT,

	status TEXT NOT NULL,
	joined_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	is_pre_populated BOOLEAN NOT NULL DEFAULT false,

	CONSTRAINT game_participants_identity_check CHECK ((user_id IS NULL) <> (display_name IS NULL))
);
`, `
CREATE INDEX IF NOT EXISTS game_participants_game_idx ON game_participants(game_id);
`, `
CREATE UNIQUE INDEX IF NOT EXISTS game_participants_user_idx ON game_participants(game_id, user_id) WHERE user_id IS NOT NULL AND status <> 'DROPPED';
`}
