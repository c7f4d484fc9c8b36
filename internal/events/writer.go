package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"intentescrow/internal/domain"
)

// GenesisHash is the prev_hash of the first event in a log.
var GenesisHash = strings.Repeat("0", 64)

var ErrChainBroken = errors.New("event chain broken")

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx. Payloads are stored in RFC 8785 canonical
// form and each row is chained to the previous one by hash.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, owner, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return domain.Event{}, fmt.Errorf("canonicalize event payload: %w", err)
	}
	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("read chain head: %w", err)
	}
	evt := domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		Owner:      owner,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(canonical),
		PrevHash:   prev,
	}
	evt.Hash = Hash(evt)
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,owner,entity_kind,entity_id,actor_id,payload_json,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.Owner), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload, evt.PrevHash, evt.Hash)
	if err != nil {
		return domain.Event{}, err
	}
	evt.ID, _ = res.LastInsertId()
	return evt, nil
}

// Hash computes the chained digest of an event from its stored fields.
func Hash(evt domain.Event) string {
	h := sha256.New()
	for _, part := range []string{evt.PrevHash, evt.TS, evt.Type, evt.Owner, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a contiguous, ascending slice of the log starting at the
// genesis event.
func Verify(evts []domain.Event) error {
	prev := GenesisHash
	for _, evt := range evts {
		if evt.PrevHash != prev {
			return fmt.Errorf("%w: event %d links to %s, want %s", ErrChainBroken, evt.ID, evt.PrevHash, prev)
		}
		if got := Hash(evt); got != evt.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, evt.ID)
		}
		prev = evt.Hash
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
