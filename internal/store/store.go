// Package store is the record store for checks, their history and the contact
// directory, kept in Redis.
//
// Reads go straight to Redis. Writes are staged on a Tx and applied atomically by
// Commit, so callers holding a lock scope can read, decide, then commit in one step.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/model"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store reads and writes records in Redis.
type Store struct {
	client *redis.Client
}

// New creates a store over client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// getMany loads the records for ids, skipping ids whose record has gone.
func getMany[T any](ctx context.Context, s *Store, keyFn func(string) string, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	out := make([]*T, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ordered(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return ids, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixNano())
}

// Check returns the check with the given id.
func (s *Store) Check(ctx context.Context, id string) (*model.Check, error) {
	var c model.Check
	if err := s.getJSON(ctx, checkKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CheckByName returns the check with the given name.
func (s *Store) CheckByName(ctx context.Context, name string) (*model.Check, error) {
	id, err := s.client.Get(ctx, checkNameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: check %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up check %s: %w", name, err)
	}
	return s.Check(ctx, id)
}

// Checks returns every check.
func (s *Store) Checks(ctx context.Context) ([]*model.Check, error) {
	ids, err := s.members(ctx, checksKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Check](ctx, s, checkKey, ids)
}

// ChecksByID returns the checks with the given ids, skipping missing ones.
func (s *Store) ChecksByID(ctx context.Context, ids []string) ([]*model.Check, error) {
	return getMany[model.Check](ctx, s, checkKey, ids)
}

// State returns the state with the given id.
func (s *Store) State(ctx context.Context, id string) (*model.State, error) {
	var st model.State
	if err := s.getJSON(ctx, stateKey(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// States returns a check's states, oldest first.
func (s *Store) States(ctx context.Context, checkID string) ([]*model.State, error) {
	ids, err := s.ordered(ctx, checkStatesKey(checkID))
	if err != nil {
		return nil, err
	}
	return getMany[model.State](ctx, s, stateKey, ids)
}

// LastState returns a check's most recent state, or nil if it has none.
func (s *Store) LastState(ctx context.Context, checkID string) (*model.State, error) {
	ids, err := s.client.ZRevRange(ctx, checkStatesKey(checkID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read last state of %s: %w", checkID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.State(ctx, ids[0])
}

// Entry returns the entry with the given id.
func (s *Store) Entry(ctx context.Context, id string) (*model.Entry, error) {
	var e model.Entry
	if err := s.getJSON(ctx, entryKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// StateEntries returns a state's entries, oldest first.
func (s *Store) StateEntries(ctx context.Context, stateID string) ([]*model.Entry, error) {
	ids, err := s.ordered(ctx, stateEntriesKey(stateID))
	if err != nil {
		return nil, err
	}
	return getMany[model.Entry](ctx, s, entryKey, ids)
}

// EntryLinked reports whether a pending notification still references the entry.
func (s *Store) EntryLinked(ctx context.Context, entryID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, linkedEntriesKey, entryID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read entry links: %w", err)
	}
	return ok, nil
}

// CheckTags returns a check's tags, sorted.
func (s *Store) CheckTags(ctx context.Context, checkID string) ([]string, error) {
	return s.members(ctx, checkTagsKey(checkID))
}

// Maintenances returns a check's maintenance windows of one kind, by start time.
func (s *Store) Maintenances(ctx context.Context, checkID string, kind model.MaintenanceKind) ([]*model.Maintenance, error) {
	ids, err := s.ordered(ctx, checkMaintenanceKey(checkID, kind))
	if err != nil {
		return nil, err
	}
	return getMany[model.Maintenance](ctx, s, maintenanceKey, ids)
}

// CurrentMaintenance returns the window of the given kind covering t, or nil. When
// several overlap, the one ending last wins.
func (s *Store) CurrentMaintenance(ctx context.Context, checkID string, kind model.MaintenanceKind, t time.Time) (*model.Maintenance, error) {
	ids, err := s.client.ZRangeByScore(ctx, checkMaintenanceKey(checkID, kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s of %s: %w", kind, checkID, err)
	}
	windows, err := getMany[model.Maintenance](ctx, s, maintenanceKey, ids)
	if err != nil {
		return nil, err
	}
	var current *model.Maintenance
	for _, m := range windows {
		if m.Covers(t) && (current == nil || m.EndTime.After(current.EndTime)) {
			current = m
		}
	}
	return current, nil
}

// Route returns the route with the given id.
func (s *Store) Route(ctx context.Context, id string) (*model.Route, error) {
	var r model.Route
	if err := s.getJSON(ctx, routeKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Routes returns every route.
func (s *Store) Routes(ctx context.Context) ([]*model.Route, error) {
	ids, err := s.members(ctx, routesKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Route](ctx, s, routeKey, ids)
}

// CheckRoutes returns the routes linked to a check.
func (s *Store) CheckRoutes(ctx context.Context, checkID string) ([]*model.Route, error) {
	ids, err := s.members(ctx, checkRoutesKey(checkID))
	if err != nil {
		return nil, err
	}
	return getMany[model.Route](ctx, s, routeKey, ids)
}

// GlobalRules returns the rules without tags, which apply to every check.
func (s *Store) GlobalRules(ctx context.Context) ([]*model.Rule, error) {
	ids, err := s.members(ctx, globalRulesKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Rule](ctx, s, ruleKey, ids)
}

// Rule returns the rule with the given id.
func (s *Store) Rule(ctx context.Context, id string) (*model.Rule, error) {
	var r model.Rule
	if err := s.getJSON(ctx, ruleKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Rules returns every rule.
func (s *Store) Rules(ctx context.Context) ([]*model.Rule, error) {
	ids, err := s.members(ctx, rulesKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Rule](ctx, s, ruleKey, ids)
}

// Contact returns the contact with the given id.
func (s *Store) Contact(ctx context.Context, id string) (*model.Contact, error) {
	var c model.Contact
	if err := s.getJSON(ctx, contactKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Contacts returns every contact.
func (s *Store) Contacts(ctx context.Context) ([]*model.Contact, error) {
	ids, err := s.members(ctx, contactsKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Contact](ctx, s, contactKey, ids)
}

// Medium returns the medium with the given id.
func (s *Store) Medium(ctx context.Context, id string) (*model.Medium, error) {
	var m model.Medium
	if err := s.getJSON(ctx, mediumKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Media returns every medium.
func (s *Store) Media(ctx context.Context) ([]*model.Medium, error) {
	ids, err := s.members(ctx, mediaKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Medium](ctx, s, mediumKey, ids)
}

// Blackholes returns every blackhole.
func (s *Store) Blackholes(ctx context.Context) ([]*model.Blackhole, error) {
	ids, err := s.members(ctx, blackholesKey)
	if err != nil {
		return nil, err
	}
	return getMany[model.Blackhole](ctx, s, blackholeKey, ids)
}

// Notification returns the notification with the given id.
func (s *Store) Notification(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	if err := s.getJSON(ctx, notificationKey(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Alert returns the alert with the given id.
func (s *Store) Alert(ctx context.Context, id string) (*model.Alert, error) {
	var a model.Alert
	if err := s.getJSON(ctx, alertKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}
