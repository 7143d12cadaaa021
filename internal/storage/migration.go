package storage

// schemaDDL creates the `events` and `nodes` tables (spec.md §3). Columns
// that hold composite edit inputs (ranges, transitions, crop, tags,
// thumbnail) are stored as JSONB: the cutter and the editor shim are the
// only readers/writers and always round-trip the whole structure.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id                      TEXT PRIMARY KEY,
	sheet_name              TEXT NOT NULL,
	event_start             TIMESTAMPTZ,
	event_end               TIMESTAMPTZ,
	category                TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	image_links             JSONB NOT NULL DEFAULT '[]',
	tags                    JSONB NOT NULL DEFAULT '[]',

	ranges                  JSONB NOT NULL DEFAULT '[]',
	transitions             JSONB NOT NULL DEFAULT '[]',
	crop                    JSONB,
	video_title             TEXT NOT NULL DEFAULT '',
	video_desc              TEXT NOT NULL DEFAULT '',
	video_tags              JSONB NOT NULL DEFAULT '[]',
	channel                 TEXT NOT NULL DEFAULT '',
	quality                 TEXT NOT NULL DEFAULT '',
	thumbnail               JSONB,
	allow_holes             BOOLEAN NOT NULL DEFAULT FALSE,
	public                  BOOLEAN NOT NULL DEFAULT FALSE,
	uploader_allow          JSONB NOT NULL DEFAULT '[]',

	upload_location         TEXT NOT NULL DEFAULT '',
	cut_type                TEXT NOT NULL DEFAULT 'smart',

	state                   TEXT NOT NULL DEFAULT 'UNEDITED',
	uploader                TEXT,
	error                   TEXT,
	video_id                TEXT,
	video_link              TEXT,
	editor                  TEXT,
	edit_time               TIMESTAMPTZ,
	upload_time             TIMESTAMPTZ,
	last_modified           TIMESTAMPTZ NOT NULL DEFAULT now(),
	thumbnail_last_written  TEXT
);

CREATE INDEX IF NOT EXISTS events_state_idx ON events (state);
CREATE INDEX IF NOT EXISTS events_state_uploader_idx ON events (state, uploader);
CREATE INDEX IF NOT EXISTS events_last_modified_idx ON events (last_modified);

CREATE TABLE IF NOT EXISTS nodes (
	name          TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	backfill_from BOOLEAN NOT NULL DEFAULT TRUE,
	local         BOOLEAN NOT NULL DEFAULT FALSE
);
`
