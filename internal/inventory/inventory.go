// Package inventory maintains the append-only stock journal and its
// derived on-hand caches.
//
// The journal under inventory/<sfid>/journal.ndjson is the sole source of
// truth: one JSON object per line, never rewritten. The generated caches
// (per-entity and the per-location reverse index) are pure reductions of
// journal state and can always be rebuilt from scratch. Cache timestamps
// derive from the last journal transaction, not the wall clock, so
// rebuilding twice with no intervening posts produces byte-identical
// files.
package inventory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
	"github.com/smallfactory/sf/internal/txn"
)

// locationDir is the reverse-index subtree under inventory/. The leading
// underscore keeps it from colliding with entity identifiers, which never
// start with one.
const locationDir = "_location"

// Entry is one immutable journal line. The transaction id is a time-ordered
// UUIDv7; its embedded timestamp is the entry's only notion of time. There
// is no unit field: deltas are always in the entity's base unit.
type Entry struct {
	Txn      string `json:"txn"`
	Location string `json:"location"`
	QtyDelta int    `json:"qty_delta"`
	Reason   string `json:"reason,omitempty"`
}

// Onhand is the generated per-entity cache: quantity by location plus a
// total, with zero locations dropped.
type Onhand struct {
	UOM        string         `yaml:"uom" json:"uom"`
	AsOf       string         `yaml:"as_of,omitempty" json:"as_of,omitempty"`
	ByLocation map[string]int `yaml:"by_location" json:"by_location"`
	Total      int            `yaml:"total" json:"total"`
}

// LocationOnhand is the generated per-location reverse index: quantity by
// entity plus a total, with zero entities dropped.
type LocationOnhand struct {
	UOM   string         `yaml:"uom" json:"uom"`
	AsOf  string         `yaml:"as_of,omitempty" json:"as_of,omitempty"`
	Parts map[string]int `yaml:"parts" json:"parts"`
	Total int            `yaml:"total" json:"total"`
}

// PostResult reports one accepted journal append.
type PostResult struct {
	Part     string `yaml:"part" json:"part"`
	Location string `yaml:"location" json:"location"`
	QtyDelta int    `yaml:"qty_delta" json:"qty_delta"`
	Txn      string `yaml:"txn" json:"txn"`
	Onhand   Onhand `yaml:"onhand" json:"onhand"`
}

// SummaryEntry is one entity's total in the repo-wide summary.
type SummaryEntry struct {
	SFID  string `yaml:"sfid" json:"sfid"`
	UOM   string `yaml:"uom" json:"uom"`
	Total int    `yaml:"total" json:"total"`
}

// Summary aggregates on-hand totals across every journaled entity.
type Summary struct {
	Parts []SummaryEntry `yaml:"parts" json:"parts"`
	Total int            `yaml:"total" json:"total"`
}

// RebuildResult lists the caches regenerated by a full rebuild.
type RebuildResult struct {
	Parts     []string `yaml:"parts" json:"parts"`
	Locations []string `yaml:"locations" json:"locations"`
}

// Ledger posts journal entries and serves on-hand views for one datarepo.
// Ledger itself performs no locking: callers serialize writes through the
// mutation coordinator so concurrent posts never interleave their appends.
type Ledger struct {
	store *entity.Store
}

// NewLedger returns a Ledger over the given entity store.
func NewLedger(store *entity.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) root() string {
	return filepath.Join(l.store.Repo(), "inventory")
}

// Repo-relative paths, for mutation commit scoping.

func journalRel(id string) string {
	return filepath.Join("inventory", id, "journal.ndjson")
}

func onhandRel(id string) string {
	return filepath.Join("inventory", id, "onhand.generated.yml")
}

func locationRel(id string) string {
	return filepath.Join("inventory", locationDir, id, "onhand.generated.yml")
}

func (l *Ledger) journalFile(id string) string {
	return filepath.Join(l.store.Repo(), journalRel(id))
}

func (l *Ledger) onhandFile(id string) string {
	return filepath.Join(l.store.Repo(), onhandRel(id))
}

func (l *Ledger) locationFile(id string) string {
	return filepath.Join(l.store.Repo(), locationRel(id))
}

// Post appends one signed delta to the entity's journal and refreshes the
// two affected caches. The append is O(1): existing journal lines are
// never read or rewritten on the hot path. An empty location falls back to
// the datarepo's configured default.
func (l *Ledger) Post(part string, delta int, location, reason string) (PostResult, *txn.Mutation, error) {
	if err := sfid.Validate(part); err != nil {
		return PostResult{}, nil, err
	}
	if !l.store.Exists(part) {
		return PostResult{}, nil, sferr.New(sferr.CodeNotFound, "entity %q does not exist", part).WithEntity(part)
	}
	if location == "" {
		location = l.store.Config().Inventory.DefaultLocation
	}
	if location == "" {
		return PostResult{}, nil, sferr.New(sferr.CodeValidationError,
			"location is required (or configure inventory.default_location)")
	}
	if err := sfid.ValidateLocation(location); err != nil {
		return PostResult{}, nil, err
	}
	if !l.store.Exists(location) {
		return PostResult{}, nil, sferr.New(sferr.CodeNotFound, "location %q does not exist", location).WithEntity(location)
	}
	if delta == 0 {
		return PostResult{}, nil, sferr.New(sferr.CodeValidationError, "qty_delta must be non-zero").WithEntity(part)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return PostResult{}, nil, fmt.Errorf("generate txn id: %w", err)
	}
	entry := Entry{Txn: id.String(), Location: location, QtyDelta: delta, Reason: reason}
	if err := l.appendEntry(part, entry); err != nil {
		return PostResult{}, nil, err
	}

	cache, err := l.writePartCache(part)
	if err != nil {
		return PostResult{}, nil, err
	}
	if err := l.updateLocationCache(location, part); err != nil {
		return PostResult{}, nil, err
	}

	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Inventory post for %s at %s qty_delta %d", part, location, delta),
		Entities: []string{part, location},
		Detail:   map[string]string{"delta": fmt.Sprintf("%d", delta)},
		Paths: []string{
			journalRel(part),
			onhandRel(part),
			locationRel(location),
		},
	}
	return PostResult{Part: part, Location: location, QtyDelta: delta, Txn: entry.Txn, Onhand: cache}, mut, nil
}

func (l *Ledger) appendEntry(part string, entry Entry) error {
	path := l.journalFile(part)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return f.Close()
}

// readJournal replays every well-formed line of one entity's journal.
// Malformed lines are skipped rather than failing the replay: the journal
// uses git union merge, and a reduction that aborts on one bad line would
// make every read of the entity fail forever.
func (l *Ledger) readJournal(part string) ([]Entry, error) {
	f, err := os.Open(l.journalFile(part))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Location == "" {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// reduce folds journal entries into the by-location mapping, dropping
// locations that net to zero.
func reduce(entries []Entry) (byLoc map[string]int, total int, asOf string) {
	byLoc = map[string]int{}
	for _, e := range entries {
		byLoc[e.Location] += e.QtyDelta
		total += e.QtyDelta
	}
	for loc, qty := range byLoc {
		if qty == 0 {
			delete(byLoc, loc)
		}
	}
	if n := len(entries); n > 0 {
		asOf = txnTime(entries[n-1].Txn)
	}
	return byLoc, total, asOf
}

// txnTime extracts the timestamp embedded in a UUIDv7 transaction id.
// Unparseable ids yield an empty string.
func txnTime(id string) string {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return ""
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

// computeOnhand replays one entity's journal in memory.
func (l *Ledger) computeOnhand(part string) (Onhand, error) {
	entries, err := l.readJournal(part)
	if err != nil {
		return Onhand{}, err
	}
	byLoc, total, asOf := reduce(entries)
	rec, err := l.store.Read(part)
	uom := "ea"
	if err == nil {
		uom = rec.UOM()
	}
	return Onhand{UOM: uom, AsOf: asOf, ByLocation: byLoc, Total: total}, nil
}

func (l *Ledger) writePartCache(part string) (Onhand, error) {
	cache, err := l.computeOnhand(part)
	if err != nil {
		return Onhand{}, err
	}
	if err := writeYAML(l.onhandFile(part), cache); err != nil {
		return Onhand{}, err
	}
	return cache, nil
}

// updateLocationCache refreshes one location's reverse index from the
// per-entity caches of the entities already listed plus the entity just
// posted. It never scans journals or unrelated entities.
func (l *Ledger) updateLocationCache(location, part string) error {
	existing := LocationOnhand{}
	readYAML(l.locationFile(location), &existing)

	members := map[string]bool{part: true}
	for id := range existing.Parts {
		members[id] = true
	}
	cache, err := l.composeLocationCache(location, sortedKeys(members))
	if err != nil {
		return err
	}
	return writeYAML(l.locationFile(location), cache)
}

// composeLocationCache builds a location's reverse index from the named
// entities' per-entity caches.
func (l *Ledger) composeLocationCache(location string, parts []string) (LocationOnhand, error) {
	out := LocationOnhand{UOM: "ea", Parts: map[string]int{}}
	for _, id := range parts {
		var cache Onhand
		if err := readYAML(l.onhandFile(id), &cache); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return LocationOnhand{}, err
		}
		if qty := cache.ByLocation[location]; qty != 0 {
			out.Parts[id] = qty
			out.Total += qty
		}
		if cache.UOM != "" {
			out.UOM = cache.UOM
		}
		if cache.AsOf > out.AsOf {
			out.AsOf = cache.AsOf
		}
	}
	return out, nil
}

// OnhandEntity reports one entity's on-hand quantities. With readonly set,
// or when no cache exists, the journal is replayed in memory and nothing
// is written.
func (l *Ledger) OnhandEntity(part string, readonly bool) (Onhand, error) {
	if err := sfid.Validate(part); err != nil {
		return Onhand{}, err
	}
	if !l.store.Exists(part) {
		return Onhand{}, sferr.New(sferr.CodeNotFound, "entity %q does not exist", part).WithEntity(part)
	}
	if !readonly {
		var cache Onhand
		err := readYAML(l.onhandFile(part), &cache)
		if err == nil {
			return cache, nil
		}
		if !os.IsNotExist(err) {
			return Onhand{}, err
		}
	}
	return l.computeOnhand(part)
}

// OnhandLocation reports one location's reverse index. With readonly set,
// or when no cache exists, it is composed in memory from per-entity state.
func (l *Ledger) OnhandLocation(location string, readonly bool) (LocationOnhand, error) {
	if err := sfid.ValidateLocation(location); err != nil {
		return LocationOnhand{}, err
	}
	if !l.store.Exists(location) {
		return LocationOnhand{}, sferr.New(sferr.CodeNotFound, "location %q does not exist", location).WithEntity(location)
	}
	if !readonly {
		var cache LocationOnhand
		err := readYAML(l.locationFile(location), &cache)
		if err == nil {
			return cache, nil
		}
		if !os.IsNotExist(err) {
			return LocationOnhand{}, err
		}
	}
	parts, err := l.journaledEntities()
	if err != nil {
		return LocationOnhand{}, err
	}
	out := LocationOnhand{UOM: "ea", Parts: map[string]int{}}
	for _, id := range parts {
		cache, err := l.computeOnhand(id)
		if err != nil {
			return LocationOnhand{}, err
		}
		if qty := cache.ByLocation[location]; qty != 0 {
			out.Parts[id] = qty
			out.Total += qty
		}
		if cache.UOM != "" {
			out.UOM = cache.UOM
		}
		if cache.AsOf > out.AsOf {
			out.AsOf = cache.AsOf
		}
	}
	return out, nil
}

// OnhandSummary totals every journaled entity.
func (l *Ledger) OnhandSummary(readonly bool) (Summary, error) {
	parts, err := l.journaledEntities()
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Parts: []SummaryEntry{}}
	for _, id := range parts {
		cache, err := l.OnhandEntity(id, readonly)
		if err != nil {
			if sferr.IsNotFound(err) {
				continue
			}
			return Summary{}, err
		}
		sum.Parts = append(sum.Parts, SummaryEntry{SFID: id, UOM: cache.UOM, Total: cache.Total})
		sum.Total += cache.Total
	}
	return sum, nil
}

// Rebuild regenerates every per-entity cache from its journal, then every
// per-location reverse index from the per-entity results. Running it twice
// with no intervening posts produces byte-identical files.
func (l *Ledger) Rebuild() (RebuildResult, *txn.Mutation, error) {
	parts, err := l.journaledEntities()
	if err != nil {
		return RebuildResult{}, nil, err
	}

	res := RebuildResult{Parts: []string{}, Locations: []string{}}
	locations := map[string]bool{}
	for _, id := range parts {
		cache, err := l.writePartCache(id)
		if err != nil {
			return RebuildResult{}, nil, err
		}
		res.Parts = append(res.Parts, id)
		for loc := range cache.ByLocation {
			locations[loc] = true
		}
	}
	for _, loc := range sortedKeys(locations) {
		cache, err := l.composeLocationCache(loc, parts)
		if err != nil {
			return RebuildResult{}, nil, err
		}
		if err := writeYAML(l.locationFile(loc), cache); err != nil {
			return RebuildResult{}, nil, err
		}
		res.Locations = append(res.Locations, loc)
	}

	if len(res.Parts) == 0 && len(res.Locations) == 0 {
		return res, nil, nil
	}
	mut := &txn.Mutation{
		Summary: "Rebuilt inventory onhand caches",
		Detail:  map[string]string{"action": "rebuild"},
	}
	for _, id := range res.Parts {
		mut.Paths = append(mut.Paths, onhandRel(id))
	}
	for _, loc := range res.Locations {
		mut.Paths = append(mut.Paths, locationRel(loc))
	}
	return res, mut, nil
}

// journaledEntities lists inventory/ subdirectories holding a journal,
// sorted, skipping the reverse-index subtree.
func (l *Ledger) journaledEntities() ([]string, error) {
	dirs, err := os.ReadDir(l.root())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inventory dir: %w", err)
	}
	var out []string
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == locationDir {
			continue
		}
		if _, err := os.Stat(l.journalFile(d.Name())); err == nil {
			out = append(out, d.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func readYAML(path string, into any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, raw, 0o644)
}
