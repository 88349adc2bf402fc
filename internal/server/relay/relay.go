// Package relay implements the server relay: a persistent per-address
// message log keyed by monotonic delivery stamp, and live fan-out to the
// address's current subscribers. The durable log is SQLite; the
// broadcaster sets live in memory and are rebuilt from scratch on
// restart, since a subscription dies with its connection anyway.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/licks-chat/licks/internal/blindaddr"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/xcrypto"
	"github.com/licks-chat/licks/internal/xerr"
)

// SubscriberBufferSize bounds each subscriber's channel. A slow
// subscriber may lose messages; it can always refetch via
// RetrieveQueue with its last seen stamp.
const SubscriberBufferSize = 128

// Record is one durable message under a public tag.
type Record struct {
	Stamp      ids.DeliveryStamp
	Ciphertext []byte
}

type subscriber struct {
	tag        blindaddr.Public
	commitment [32]byte
	ch         chan Record
}

// Relay holds the per-address durable log (SQLite) and the in-memory
// broadcaster sets keyed by public tag.
type Relay struct {
	db *sql.DB

	mu         sync.RWMutex
	byTag      map[blindaddr.Public]map[ids.ListenerId]*subscriber
	byListener map[ids.ListenerId]*subscriber
}

// Open creates the relay's durable log table against db if absent and
// returns a Relay ready to serve sends/subscribes.
func Open(ctx context.Context, db *sql.DB) (*Relay, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS messages_by_tag (
	public_tag BLOB NOT NULL,
	stamp      BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	PRIMARY KEY (public_tag, stamp)
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("relay: create messages table: %w", err))
	}
	return &Relay{
		db:         db,
		byTag:      make(map[blindaddr.Public]map[ids.ListenerId]*subscriber),
		byListener: make(map[ids.ListenerId]*subscriber),
	}, nil
}

// Send handles SendMessage: verify the proof against the declared
// public tag, assign a fresh delivery stamp, append to the durable log,
// and fan out to live subscribers (best-effort).
func (r *Relay) Send(ctx context.Context, proof blindaddr.Proof, declared blindaddr.Public) (ids.DeliveryStamp, error) {
	if !proof.VerifyAgainst(declared) {
		return ids.DeliveryStamp{}, xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("relay: blinded address proof mismatch"))
	}

	stamp, err := ids.NewDeliveryStamp()
	if err != nil {
		return ids.DeliveryStamp{}, fmt.Errorf("relay: generate delivery stamp: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO messages_by_tag (public_tag, stamp, ciphertext) VALUES (?, ?, ?)`,
		declared[:], stamp[:], proof.Ciphertext,
	); err != nil {
		return ids.DeliveryStamp{}, xerr.NewStorage(xerr.IOError, fmt.Errorf("relay: append: %w", err))
	}

	r.broadcast(declared, Record{Stamp: stamp, Ciphertext: proof.Ciphertext})
	return stamp, nil
}

func (r *Relay) broadcast(tag blindaddr.Public, rec Record) {
	r.mu.RLock()
	subs := r.byTag[tag]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- rec:
		default:
			// Subscriber buffer full: dropped. They can refetch
			// via RetrieveQueue.
		}
	}
}

// RetrieveQueue returns the records under tag strictly
// after afterStamp, ascending order.
func (r *Relay) RetrieveQueue(ctx context.Context, tag blindaddr.Public, afterStamp ids.DeliveryStamp) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT stamp, ciphertext FROM messages_by_tag WHERE public_tag = ? AND stamp > ? ORDER BY stamp ASC`,
		tag[:], afterStamp[:],
	)
	if err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("relay: retrieve queue: %w", err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var stampBytes, ciphertext []byte
		if err := rows.Scan(&stampBytes, &ciphertext); err != nil {
			return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("relay: scan record: %w", err))
		}
		var stamp ids.DeliveryStamp
		copy(stamp[:], stampBytes)
		out = append(out, Record{Stamp: stamp, Ciphertext: ciphertext})
	}
	if err := rows.Err(); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, err)
	}
	return out, nil
}

// Subscribe handles SubscribeToAddress: registers a fresh
// broadcast sink under tag and mints the ListenerId the caller returns to
// the client.
func (r *Relay) Subscribe(tag blindaddr.Public, commitment [32]byte) (ids.ListenerId, <-chan Record, error) {
	listenerID, err := ids.NewListenerId()
	if err != nil {
		return ids.ListenerId{}, nil, fmt.Errorf("relay: generate listener id: %w", err)
	}

	sub := &subscriber{tag: tag, commitment: commitment, ch: make(chan Record, SubscriberBufferSize)}

	r.mu.Lock()
	if r.byTag[tag] == nil {
		r.byTag[tag] = make(map[ids.ListenerId]*subscriber)
	}
	r.byTag[tag][listenerID] = sub
	r.byListener[listenerID] = sub
	r.mu.Unlock()

	return listenerID, sub.ch, nil
}

// StopListening checks the SHA-256 preimage capability before tearing
// down listenerID's subscription.
func (r *Relay) StopListening(listenerID ids.ListenerId, token [32]byte) error {
	r.mu.Lock()
	sub, ok := r.byListener[listenerID]
	if !ok {
		r.mu.Unlock()
		return xerr.NewService(xerr.InvalidRequest, fmt.Errorf("relay: unknown listener id"))
	}
	if commitmentOf(token) != sub.commitment {
		r.mu.Unlock()
		return xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("relay: stop listening token mismatch"))
	}
	delete(r.byListener, listenerID)
	if tagSubs := r.byTag[sub.tag]; tagSubs != nil {
		delete(tagSubs, listenerID)
		if len(tagSubs) == 0 {
			delete(r.byTag, sub.tag)
		}
	}
	r.mu.Unlock()

	close(sub.ch)
	return nil
}

func commitmentOf(token [32]byte) [32]byte {
	return xcrypto.SHA256(token[:])
}
