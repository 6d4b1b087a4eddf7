// Package store is the per-instance embedded event store: a single badger
// database per tenant holding the primary event records plus the secondary
// indexes that make filtered queries possible without decoding every event,
// per spec.md §4.A. Grounded on the teacher's database package (badger v4,
// fixed-width binary index keys, a single writer serialized by badger's own
// transaction API, a lease-based serial sequence).
package store

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"moar.dev/internal/apputil"
	"moar.dev/internal/chk"
	"moar.dev/internal/log"
	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/store/indexes"
)

// S is one tenant's embedded event store.
type S struct {
	dir string
	db  *badger.DB
	seq *badger.Sequence

	// writeMu serializes Store/Delete calls so that replaceable-kind
	// prune-and-replace sequences observe a consistent prior state; badger
	// itself already serializes single-key writes, but the
	// query-then-delete-then-write sequence for replaceables needs a wider
	// critical section.
	writeMu sync.Mutex
}

// Open opens (creating if absent) the badger database rooted at dir.
func Open(dir string) (s *S, err error) {
	if err = os.MkdirAll(dir, 0o750); chk.E(err) {
		return
	}
	if err = apputil.EnsureDir(filepath.Join(dir, "dummy.sst")); chk.E(err) {
		return
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	s = &S{dir: dir}
	if s.db, err = badger.Open(opts); chk.E(err) {
		return
	}
	if s.seq, err = s.db.GetSequence([]byte("EVENTS"), 1000); chk.E(err) {
		return
	}
	return
}

// Close releases the serial lease and closes the database.
func (s *S) Close() (err error) {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

// Path returns the directory this store's badger files live under.
func (s *S) Path() string { return s.dir }

// Store persists ev, enforcing replaceable/parametrised-replaceable and
// ephemeral store-class semantics:
//
//  1. ephemeral kinds are never persisted — Store is a no-op for them,
//     since delivery to live subscribers happens at the dispatcher, not
//     through the store.
//  2. a duplicate id (already indexed) is a no-op, not an error.
//  3. replaceable/parametrised-replaceable kinds first look up the prior
//     event for the same (kind, pubkey[, d-tag]) tuple; if the prior event
//     is newer than ev, or has the same created_at and an id not greater
//     than ev's, ev is rejected (stale write); otherwise the prior event
//     and its indexes are deleted before ev is written.
func (s *S) Store(ev *event.E) (stored bool, err error) {
	if ev.Kind.IsEphemeral() {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var dup bool
	if dup, err = s.hasID(ev.Id); chk.E(err) {
		return
	}
	if dup {
		return false, nil
	}

	var dTag []byte
	replaceable := ev.Kind.IsReplaceable() || ev.Kind.IsParameterizedReplaceable()
	if ev.Kind.IsParameterizedReplaceable() {
		if d := ev.Tags.GetFirst("d"); d != nil {
			dTag = d.Value()
		}
	}

	if replaceable {
		var prevSerial uint64
		var havePrev bool
		if prevSerial, havePrev, err = s.lookupReplaceable(ev.Kind.K, ev.Pubkey, dTag); chk.E(err) {
			return
		}
		if havePrev {
			var prev *event.E
			if prev, err = s.getBySerial(prevSerial); chk.E(err) {
				return
			}
			if prev != nil {
				switch {
				case prev.CreatedAt.I64() > ev.CreatedAt.I64():
					log.T.F("rejecting stale replaceable event kind %d pubkey %x", ev.Kind.K, ev.Pubkey)
					return false, nil
				case prev.CreatedAt.I64() == ev.CreatedAt.I64() && bytes.Compare(prev.Id, ev.Id) <= 0:
					log.T.F("rejecting replaceable event kind %d pubkey %x: tied created_at, not lex-smaller id", ev.Kind.K, ev.Pubkey)
					return false, nil
				}
			}
			if prev != nil {
				if err = s.deleteRecord(prev, prevSerial); chk.E(err) {
					return
				}
			}
		}
	}

	var serial uint64
	if serial, err = s.seq.Next(); chk.E(err) {
		return
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keysForEvent(ev, serial) {
			if err := txn.Set(k, nil); err != nil {
				return err
			}
		}
		if replaceable {
			if err := txn.Set(indexes.ReplaceableKey(ev.Kind.K, ev.Pubkey, dTag), serialValue(serial)); err != nil {
				return err
			}
		}
		return txn.Set(indexes.EventKey(serial), ev.Bytes())
	})
	if chk.E(err) {
		return
	}
	stored = true
	return
}

func serialValue(serial uint64) []byte {
	b := make([]byte, indexes.SerialLen)
	indexes.PutUint40(b, serial)
	return b
}

// keysForEvent builds every secondary index key for ev at serial, mirroring
// the teacher's GetIndexesForEvent: id, global created_at, per-author,
// per-kind, per-(kind,author), and — for every single-letter tag row — the
// per-tag and per-(kind,tag) indexes.
func keysForEvent(ev *event.E, serial uint64) [][]byte {
	ca := ev.CreatedAt.I64()
	idxs := [][]byte{
		indexes.IdKey(ev.Id, serial),
		indexes.CreatedAtKey(ca, serial),
		indexes.PubkeyCreatedAtKey(ev.Pubkey, ca, serial),
		indexes.KindCreatedAtKey(ev.Kind.K, ca, serial),
		indexes.KindPubkeyCreatedAtKey(ev.Kind.K, ev.Pubkey, ca, serial),
	}
	for i := 0; i < ev.Tags.Len(); i++ {
		t := ev.Tags.Get(i)
		if t.Len() < 2 || len(t.B(0)) != 1 {
			continue
		}
		letter, value := t.B(0)[0], t.B(1)
		idxs = append(idxs,
			indexes.TagCreatedAtKey(letter, value, ca, serial),
			indexes.KindTagCreatedAtKey(ev.Kind.K, letter, value, ca, serial),
		)
	}
	return idxs
}

func (s *S) hasID(id []byte) (found bool, err error) {
	prefix := indexes.IdPrefix(id)
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	chk.E(err)
	return
}

func (s *S) lookupReplaceable(k uint16, pubkey, d []byte) (serial uint64, found bool, err error) {
	key := indexes.ReplaceableKey(k, pubkey, d)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			serial = indexes.Uint40(v)
			return nil
		})
	})
	chk.E(err)
	return
}

func (s *S) getBySerial(serial uint64) (ev *event.E, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexes.EventKey(serial))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			ev, err = event.FromBytes(v)
			return err
		})
	})
	chk.E(err)
	return
}

// deleteRecord removes an event's primary record and every secondary index
// entry pointing at it, used both by the replaceable-prune path and by
// explicit NIP-09 deletion requests.
func (s *S) deleteRecord(ev *event.E, serial uint64) error {
	keys := append(keysForEvent(ev, serial), indexes.EventKey(serial))
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the event with the given full 32-byte id, if present,
// implementing NIP-09-style deletion. Returns found=false if no event with
// that id is stored.
func (s *S) Delete(id []byte) (found bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var serial uint64
	var ev *event.E
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := indexes.IdPrefix(id)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			serial = indexes.Uint40(k[len(k)-indexes.SerialLen:])
			item, err := txn.Get(indexes.EventKey(serial))
			if err != nil {
				continue
			}
			var candidate *event.E
			if err := item.Value(func(v []byte) error {
				var perr error
				candidate, perr = event.FromBytes(v)
				return perr
			}); err != nil {
				return err
			}
			if bytes.Equal(candidate.Id, id) {
				ev = candidate
				found = true
				return nil
			}
		}
		return nil
	})
	if chk.E(err) || !found {
		return
	}
	err = s.deleteRecord(ev, serial)
	chk.E(err)
	return
}

// plan describes the single most selective index scan chosen for a filter,
// and the scan ranges (one per enumerated value of that dimension) needed
// to cover it.
type plan struct {
	ranges [][2][]byte // inclusive start, exclusive end (nil end means prefix scan)
}

// buildPlan picks, in priority order, the narrowest index available given
// which filter fields are populated: explicit ids first, then
// (kind,tag), then tag, then (kind,author), then kind, then author, and
// finally the global chronological index. This mirrors the teacher's
// priority order in GetIndexesFromFilter, simplified to a single chosen
// dimension — correctness for the fields NOT covered by the chosen index
// is restored by re-checking filter.Matches against every candidate event.
// Note: the chosen index bounds the upper end of the scan (and Limit caps
// how many matches are kept) but does not itself stop the lower end at
// Since — every candidate still passes through filter.Matches, which does
// enforce Since precisely. For a narrow Since/Until window on a
// high-traffic kind this scans more than the tightest possible plan would;
// that full per-dimension range-intersection is the teacher's approach and
// is a reasonable next optimization, not a correctness requirement.
func buildPlan(f *filter.T) plan {
	since, until := int64(0), int64(math.MaxInt64-1)
	if f.Since != nil {
		since = f.Since.I64()
	}
	if f.Until != nil {
		until = f.Until.I64()
	}

	if len(f.Ids) > 0 {
		p := plan{}
		for _, id := range f.Ids {
			pfx := indexes.IdPrefix(id)
			p.ranges = append(p.ranges, [2][]byte{pfx, nil})
		}
		return p
	}

	for key, values := range f.Tags {
		if len(key) != 2 || key[0] != '#' {
			continue
		}
		letter := key[1]
		p := plan{}
		if len(f.Kinds) > 0 {
			for _, k := range f.Kinds {
				for _, v := range values {
					p.ranges = append(p.ranges, [2][]byte{
						indexes.KindTagCreatedAtKey(k.K, letter, []byte(v), since, 0),
						indexes.KindTagCreatedAtKey(k.K, letter, []byte(v), until+1, 0),
					})
				}
			}
			return p
		}
		for _, v := range values {
			p.ranges = append(p.ranges, [2][]byte{
				indexes.TagCreatedAtKey(letter, []byte(v), since, 0),
				indexes.TagCreatedAtKey(letter, []byte(v), until+1, 0),
			})
		}
		return p
	}

	if len(f.Kinds) > 0 && len(f.Authors) > 0 {
		p := plan{}
		for _, k := range f.Kinds {
			for _, a := range f.Authors {
				p.ranges = append(p.ranges, [2][]byte{
					indexes.KindPubkeyCreatedAtKey(k.K, a, since, 0),
					indexes.KindPubkeyCreatedAtKey(k.K, a, until+1, 0),
				})
			}
		}
		return p
	}

	if len(f.Kinds) > 0 {
		p := plan{}
		for _, k := range f.Kinds {
			p.ranges = append(p.ranges, [2][]byte{
				indexes.KindCreatedAtKey(k.K, since, 0),
				indexes.KindCreatedAtKey(k.K, until+1, 0),
			})
		}
		return p
	}

	if len(f.Authors) > 0 {
		p := plan{}
		for _, a := range f.Authors {
			p.ranges = append(p.ranges, [2][]byte{
				indexes.PubkeyCreatedAtKey(a, since, 0),
				indexes.PubkeyCreatedAtKey(a, until+1, 0),
			})
		}
		return p
	}

	return plan{ranges: [][2][]byte{{
		indexes.CreatedAtKey(since, 0),
		indexes.CreatedAtKey(until+1, 0),
	}}}
}

// Query returns every stored event matching any filter in fs (logical OR
// across filters), newest first, deduplicated by id.
func (s *S) Query(fs filter.S) (events []*event.E, err error) {
	seen := map[string]struct{}{}
	err = s.db.View(func(txn *badger.Txn) error {
		for _, f := range fs {
			p := buildPlan(f)
			limit := -1
			if f.Limit != nil {
				limit = *f.Limit
			}
			if limit == 0 {
				continue
			}
			matched := 0
			for _, r := range p.ranges {
				opts := badger.DefaultIteratorOptions
				opts.Reverse = true
				it := txn.NewIterator(opts)
				seekKey := r[1]
				scanPrefix := r[0]
				if seekKey == nil {
					seekKey = append(append([]byte{}, r[0]...), 0xff)
				} else {
					scanPrefix = r[0][:len(r[0])-8-indexes.SerialLen]
				}
				for it.Seek(seekKey); it.ValidForPrefix(scanPrefix); it.Next() {
					k := it.Item().Key()
					if r[1] != nil && bytes.Compare(k, r[1]) >= 0 {
						continue
					}
					serial := indexes.Uint40(k[len(k)-indexes.SerialLen:])
					item, err := txn.Get(indexes.EventKey(serial))
					if err == badger.ErrKeyNotFound {
						continue
					}
					if err != nil {
						it.Close()
						return err
					}
					var ev *event.E
					if err := item.Value(func(v []byte) error {
						var perr error
						ev, perr = event.FromBytes(v)
						return perr
					}); err != nil {
						it.Close()
						return err
					}
					if !f.Matches(ev) {
						continue
					}
					idStr := string(ev.Id)
					if _, dup := seen[idStr]; dup {
						continue
					}
					seen[idStr] = struct{}{}
					events = append(events, ev)
					matched++
					if limit >= 0 && matched >= limit {
						break
					}
				}
				it.Close()
				if limit >= 0 && matched >= limit {
					break
				}
			}
		}
		return nil
	})
	if chk.E(err) {
		return
	}
	sort.Slice(events, func(i, j int) bool {
		ci, cj := events[i].CreatedAt.I64(), events[j].CreatedAt.I64()
		if ci != cj {
			return ci > cj
		}
		return bytes.Compare(events[i].Id, events[j].Id) < 0
	})
	return
}

// Count returns the number of stored events matching fs. It runs Query and
// returns the length of its result, so every matched event is decoded and
// held in memory.
func (s *S) Count(fs filter.S) (n int, err error) {
	events, err := s.Query(fs)
	if chk.E(err) {
		return
	}
	return len(events), nil
}

// Export writes every stored event to w as newline-delimited JSON
// (NDJSON), in ascending serial (insertion) order, for the admin surface's
// GET /api/relays/{id}/export endpoint (spec.md §6).
func (s *S) Export(w io.Writer) (err error) {
	prefix := []byte(indexes.PEvent)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if verr := item.Value(func(v []byte) error {
				ev, derr := event.FromBytes(v)
				if derr != nil {
					return derr
				}
				b, merr := ev.MarshalJSON()
				if merr != nil {
					return merr
				}
				if _, werr := w.Write(b); werr != nil {
					return werr
				}
				_, werr := w.Write([]byte{'\n'})
				return werr
			}); verr != nil {
				return verr
			}
		}
		return nil
	})
	return
}

// Import reads NDJSON events from r and Stores each one, returning how
// many were newly stored, how many were skipped (duplicate or superseded),
// and the per-line error messages for lines that failed to parse or
// verify, for the admin surface's POST /api/relays/{id}/import endpoint.
func (s *S) Import(r io.Reader) (imported, skipped int, errs []string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev := event.New()
		if err := ev.UnmarshalJSON(line); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if valid, verr := ev.Verify(); verr != nil || !valid {
			errs = append(errs, "signature verification failed")
			continue
		}
		stored, err := s.Store(ev)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if stored {
			imported++
		} else {
			skipped++
		}
	}
	return
}

// ForEachStoredKind reports whether k would be retained by Store (not
// ephemeral). Exposed for the policy engine's pre-acceptance checks so it
// doesn't need to import the store just to classify a kind.
func ForEachStoredKind(k *kind.T) bool { return !k.IsEphemeral() }
