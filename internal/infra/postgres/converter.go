package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/rag-chat/internal/core/conversation"
)

// UUIDToPgtype converts uuid.UUID to pgtype.UUID
func UUIDToPgtype(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// PgtypeToUUID converts pgtype.UUID to uuid.UUID
func PgtypeToUUID(id pgtype.UUID) uuid.UUID {
	return id.Bytes
}

// UUIDOptionToPgtype converts mo.Option[uuid.UUID] to a nullable pgtype.UUID
func UUIDOptionToPgtype(id mo.Option[uuid.UUID]) pgtype.UUID {
	v, ok := id.Get()
	if !ok {
		return pgtype.UUID{}
	}
	return UUIDToPgtype(v)
}

// PgtypeToUUIDOption converts a nullable pgtype.UUID to mo.Option[uuid.UUID]
func PgtypeToUUIDOption(id pgtype.UUID) mo.Option[uuid.UUID] {
	if !id.Valid {
		return mo.None[uuid.UUID]()
	}
	return mo.Some(uuid.UUID(id.Bytes))
}

// TimeToPgtype converts time.Time to pgtype.Timestamptz
func TimeToPgtype(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// PgtypeToTime converts pgtype.Timestamptz to time.Time
func PgtypeToTime(t pgtype.Timestamptz) time.Time {
	return t.Time
}

// ChunkRefsToJSON converts chunk references to a JSONB value (NULL when empty)
func ChunkRefsToJSON(refs []conversation.ChunkRef) ([]byte, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk refs: %w", err)
	}
	return data, nil
}

// JSONToChunkRefs converts a JSONB value to chunk references
func JSONToChunkRefs(data []byte) ([]conversation.ChunkRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var refs []conversation.ChunkRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk refs: %w", err)
	}
	return refs, nil
}
