package collab

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var archiveSchema = []string{
	`create table if not exists collab_updates (
		id bigserial primary key,
		session_id text not null,
		file_path text not null,
		origin uuid not null,
		payload bytea not null,
		created_at timestamptz not null default now()
	)`,
	`create index if not exists collab_updates_session on collab_updates (session_id, id)`,
}

// append-only log of document update frames, replayed to late joiners so
// a fresh replica catches up without a live peer.
type UpdateArchive struct {
	pool *pgxpool.Pool
}

func OpenUpdateArchive(ctx context.Context, postgresUrl string) (*UpdateArchive, error) {
	pool, err := pgxpool.New(ctx, postgresUrl)
	if err != nil {
		return nil, fmt.Errorf("open update archive: %w", err)
	}
	for _, statement := range archiveSchema {
		if _, err := pool.Exec(ctx, statement); err != nil {
			pool.Close()
			return nil, fmt.Errorf("update archive schema: %w", err)
		}
	}
	return &UpdateArchive{
		pool: pool,
	}, nil
}

func (self *UpdateArchive) Append(ctx context.Context, frame *Frame) error {
	if frame.Kind != FrameKindUpdate {
		return nil
	}
	_, err := self.pool.Exec(
		ctx,
		`insert into collab_updates (session_id, file_path, origin, payload) values ($1, $2, $3, $4)`,
		frame.SessionId,
		frame.FilePath,
		frame.Origin.String(),
		frame.Payload,
	)
	return err
}

// replays archived updates for a session in append order
func (self *UpdateArchive) Replay(ctx context.Context, sessionId string, send func(frame *Frame) error) error {
	rows, err := self.pool.Query(
		ctx,
		`select file_path, origin, payload from collab_updates where session_id = $1 order by id`,
		sessionId,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var filePath string
		var originStr string
		var payload []byte
		if err := rows.Scan(&filePath, &originStr, &payload); err != nil {
			return err
		}
		origin, err := ParseId(originStr)
		if err != nil {
			return err
		}
		frame := &Frame{
			Kind:      FrameKindUpdate,
			SessionId: sessionId,
			Origin:    origin,
			FilePath:  filePath,
			Payload:   payload,
		}
		if err := send(frame); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (self *UpdateArchive) Close() {
	self.pool.Close()
}
