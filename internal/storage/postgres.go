package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wubloader/internal/models"
)

// Postgres is the production EventRepository/NodeRepository, backed by a
// pgxpool connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool per cfg and verifies connectivity.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MinConns = cfg.MinConnections
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate applies the schema, idempotently.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaDDL)
	return err
}

func (p *Postgres) Create(ctx context.Context, row models.EventRow) error {
	ranges, transitions, crop, thumbnail, err := marshalEditInputs(row.Ranges, row.Transitions, row.Crop, row.Thumbnail)
	if err != nil {
		return err
	}
	imageLinks, _ := json.Marshal(nilToEmpty(row.ImageLinks))
	tags, _ := json.Marshal(nilToEmpty(row.Tags))
	videoTags, _ := json.Marshal(nilToEmpty(row.VideoTags))
	uploaderAllow, _ := json.Marshal(nilToEmpty(row.UploaderAllow))

	if row.State == "" {
		row.State = models.StateUnedited
	}
	if row.CutType == "" {
		row.CutType = models.CutSmart
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO events (
			id, sheet_name, event_start, event_end, category, description, image_links, tags,
			ranges, transitions, crop, video_title, video_desc, video_tags, channel, quality,
			thumbnail, allow_holes, public, uploader_allow, upload_location, cut_type, state,
			last_modified
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23,
			now()
		)
		ON CONFLICT (id) DO NOTHING
	`,
		row.ID, row.SheetName, row.EventStart, row.EventEnd, row.Category, row.Description, imageLinks, tags,
		ranges, transitions, crop, row.VideoTitle, row.VideoDesc, videoTags, row.Channel, row.Quality,
		thumbnail, row.AllowHoles, row.Public, uploaderAllow, row.UploadLocation, string(row.CutType), string(row.State),
	)
	return err
}

func (p *Postgres) Get(ctx context.Context, id string) (models.EventRow, error) {
	row := p.pool.QueryRow(ctx, eventSelectColumns+` WHERE id = $1`, id)
	return scanEventRow(row)
}

func (p *Postgres) ListByState(ctx context.Context, state models.EventState) ([]models.EventRow, error) {
	rows, err := p.pool.Query(ctx, eventSelectColumns+` WHERE state = $1 ORDER BY last_modified ASC`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEventRows(rows)
}

func (p *Postgres) SubmitEdit(ctx context.Context, id, editor string, edit EventEdit) (models.EventRow, error) {
	ranges, transitions, crop, thumbnail, err := marshalEditInputs(edit.Ranges, edit.Transitions, edit.Crop, edit.Thumbnail)
	if err != nil {
		return models.EventRow{}, err
	}
	videoTags, _ := json.Marshal(nilToEmpty(edit.VideoTags))
	uploaderAllow, _ := json.Marshal(nilToEmpty(edit.UploaderAllow))
	cutType := edit.CutType
	if cutType == "" {
		cutType = models.CutSmart
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE events SET
			ranges = $2, transitions = $3, crop = $4, video_title = $5, video_desc = $6,
			video_tags = $7, channel = $8, quality = $9, thumbnail = $10, allow_holes = $11,
			public = $12, uploader_allow = $13, upload_location = $14, cut_type = $15,
			state = 'EDITED', editor = $16, edit_time = now(), error = NULL,
			last_modified = now()
		WHERE id = $1 AND state IN ('UNEDITED', 'MODIFIED')
		RETURNING `+eventReturningColumns,
		id, ranges, transitions, crop, edit.VideoTitle, edit.VideoDesc,
		videoTags, edit.Channel, edit.Quality, thumbnail, edit.AllowHoles,
		edit.Public, uploaderAllow, edit.UploadLocation, string(cutType), editor,
	)
	return scanEventRow(row)
}

func (p *Postgres) CancelEdit(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = 'UNEDITED', last_modified = now()
		WHERE id = $1 AND state = 'EDITED'
	`, id)
}

func (p *Postgres) Claim(ctx context.Context, id, uploader string) (models.EventRow, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE events SET state = 'CLAIMED', uploader = $2, error = NULL, last_modified = now()
		WHERE id = $1 AND state = 'EDITED' AND uploader IS NULL
		RETURNING `+eventReturningColumns,
		id, uploader,
	)
	result, err := scanEventRow(row)
	if errors.Is(err, ErrNotFound) {
		return models.EventRow{}, ErrClaimLost
	}
	return result, err
}

func (p *Postgres) Release(ctx context.Context, id string, to models.EventState, errMsg *string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = $2, error = $3, last_modified = now(),
			uploader = CASE WHEN $2 = 'EDITED' THEN NULL ELSE uploader END
		WHERE id = $1 AND state = 'CLAIMED'
	`, id, string(to), errMsg)
}

func (p *Postgres) MarkFinalizing(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = 'FINALIZING', last_modified = now()
		WHERE id = $1 AND state = 'CLAIMED'
	`, id)
}

func (p *Postgres) FinalizeFailed(ctx context.Context, id string, to models.EventState, errMsg string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = $2, error = $3, last_modified = now(),
			uploader = CASE WHEN $2 = 'EDITED' THEN NULL ELSE uploader END
		WHERE id = $1 AND state = 'FINALIZING'
	`, id, string(to), errMsg)
}

func (p *Postgres) FinalizeAccepted(ctx context.Context, id string, videoID, videoLink string, immediatelyPlayable bool) error {
	to := models.StateTranscoding
	var uploadTime *time.Time
	if immediatelyPlayable {
		to = models.StateDone
		now := time.Now().UTC()
		uploadTime = &now
	}
	return p.exec1(ctx, `
		UPDATE events SET state = $2, video_id = $3, video_link = $4, upload_time = COALESCE($5, upload_time), last_modified = now()
		WHERE id = $1 AND state = 'FINALIZING'
	`, id, string(to), videoID, videoLink, uploadTime)
}

func (p *Postgres) MarkDone(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = 'DONE', upload_time = COALESCE(upload_time, now()), last_modified = now()
		WHERE id = $1 AND state = 'TRANSCODING'
	`, id)
}

func (p *Postgres) RequestModification(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = 'MODIFIED', last_modified = now()
		WHERE id = $1 AND state = 'DONE'
	`, id)
}

func (p *Postgres) CompleteModification(ctx context.Context, id string) error {
	return p.exec1(ctx, `
		UPDATE events SET state = 'DONE', last_modified = now()
		WHERE id = $1 AND state = 'MODIFIED'
	`, id)
}

func (p *Postgres) StaleClaims(ctx context.Context, olderThan time.Duration) ([]models.EventRow, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := p.pool.Query(ctx, eventSelectColumns+` WHERE state = 'CLAIMED' AND last_modified < $1 ORDER BY last_modified ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEventRows(rows)
}

func (p *Postgres) exec1(ctx context.Context, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Node registry.

func (p *Postgres) List(ctx context.Context) ([]models.NodeRow, error) {
	rows, err := p.pool.Query(ctx, `SELECT name, url, backfill_from, local FROM nodes ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.NodeRow
	for rows.Next() {
		var n models.NodeRow
		if err := rows.Scan(&n.Name, &n.URL, &n.BackfillFrom, &n.Local); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (p *Postgres) Upsert(ctx context.Context, node models.NodeRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO nodes (name, url, backfill_from, local) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET url = $2, backfill_from = $3, local = $4
	`, node.Name, node.URL, node.BackfillFrom, node.Local)
	return err
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM nodes WHERE name = $1`, name)
	return err
}

const eventReturningColumns = `
	id, sheet_name, event_start, event_end, category, description, image_links, tags,
	ranges, transitions, crop, video_title, video_desc, video_tags, channel, quality,
	thumbnail, allow_holes, public, uploader_allow, upload_location, cut_type, state,
	uploader, error, video_id, video_link, editor, edit_time, upload_time, last_modified,
	thumbnail_last_written
`

const eventSelectColumns = `SELECT ` + eventReturningColumns + ` FROM events`

func scanEventRow(row pgx.Row) (models.EventRow, error) {
	var (
		e                                               models.EventRow
		imageLinks, tags, ranges, transitions, videoTags json.RawMessage
		crop, thumbnail, uploaderAllow                   json.RawMessage
		cutType, state                                   string
	)
	err := row.Scan(
		&e.ID, &e.SheetName, &e.EventStart, &e.EventEnd, &e.Category, &e.Description, &imageLinks, &tags,
		&ranges, &transitions, &crop, &e.VideoTitle, &e.VideoDesc, &videoTags, &e.Channel, &e.Quality,
		&thumbnail, &e.AllowHoles, &e.Public, &uploaderAllow, &e.UploadLocation, &cutType, &state,
		&e.Uploader, &e.Error, &e.VideoID, &e.VideoLink, &e.Editor, &e.EditTime, &e.UploadTime, &e.LastModified,
		&e.ThumbnailLastWritten,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EventRow{}, ErrNotFound
		}
		return models.EventRow{}, err
	}

	e.CutType = models.CutType(cutType)
	e.State = models.EventState(state)
	_ = json.Unmarshal(imageLinks, &e.ImageLinks)
	_ = json.Unmarshal(tags, &e.Tags)
	_ = json.Unmarshal(videoTags, &e.VideoTags)
	_ = json.Unmarshal(uploaderAllow, &e.UploaderAllow)
	_ = json.Unmarshal(ranges, &e.Ranges)
	_ = json.Unmarshal(transitions, &e.Transitions)
	if len(crop) > 0 && string(crop) != "null" {
		e.Crop = &models.Crop{}
		_ = json.Unmarshal(crop, e.Crop)
	}
	if len(thumbnail) > 0 && string(thumbnail) != "null" {
		e.Thumbnail = &models.ThumbnailSpec{}
		_ = json.Unmarshal(thumbnail, e.Thumbnail)
	}
	return e, nil
}

func collectEventRows(rows pgx.Rows) ([]models.EventRow, error) {
	var out []models.EventRow
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalEditInputs(ranges []models.Range, transitions []*models.Transition, crop *models.Crop, thumbnail *models.ThumbnailSpec) (rangesJSON, transitionsJSON, cropJSON, thumbnailJSON []byte, err error) {
	rangesJSON, err = json.Marshal(nilToEmptyRanges(ranges))
	if err != nil {
		return
	}
	transitionsJSON, err = json.Marshal(transitions)
	if err != nil {
		return
	}
	if crop != nil {
		cropJSON, err = json.Marshal(crop)
		if err != nil {
			return
		}
	}
	if thumbnail != nil {
		thumbnailJSON, err = json.Marshal(thumbnail)
		if err != nil {
			return
		}
	}
	return
}

func nilToEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nilToEmptyRanges(r []models.Range) []models.Range {
	if r == nil {
		return []models.Range{}
	}
	return r
}
