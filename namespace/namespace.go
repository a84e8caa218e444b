// Package namespace tracks which tables exist and how they are sharded, and
// hosts the changefeed broadcasters for locally served shards. It is the
// changefeed client's NamespaceSource.
package namespace

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/changefeed"
	"github.com/daveisfera/rethinkdb/mailbox"
)

// Table is one hosted table: its shard regions and the broadcaster serving
// each one.
type Table struct {
	id      changefeed.TableID
	name    string
	servers []*changefeed.Server
	shards  []changefeed.Shard
}

// ID returns the table's identity.
func (t *Table) ID() changefeed.TableID { return t.id }

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Shards implements changefeed.NamespaceAccess.
func (t *Table) Shards() []changefeed.Shard { return t.shards }

// Servers returns the table's broadcasters, one per shard, ordered like
// Shards.
func (t *Table) Servers() []*changefeed.Server { return t.servers }

// OnWrite routes one applied write to the broadcaster of the owning shard.
func (t *Table) OnWrite(ctx context.Context, rep changefeed.WriteReport) {
	for i, sh := range t.shards {
		if sh.Region.Contains(rep.Key) {
			t.servers[i].OnWrite(ctx, rep)
			return
		}
	}
	log.Warn().Str("table", t.name).Msg("Write key outside every shard region")
}

// Manager owns the node's hosted tables.
type Manager struct {
	mbox *mailbox.Manager

	mu     sync.RWMutex
	tables map[changefeed.TableID]*Table
	byName map[string]*Table
}

func NewManager(mbox *mailbox.Manager) *Manager {
	return &Manager{
		mbox:   mbox,
		tables: make(map[changefeed.TableID]*Table),
		byName: make(map[string]*Table),
	}
}

// CreateTable hosts a new table sharded at splitKeys: n split keys make n+1
// shards covering the whole keyspace. read backs the table's limit windows.
func (m *Manager) CreateTable(name string, splitKeys []changefeed.Datum, read changefeed.ReadFunc) (*Table, error) {
	for i := 1; i < len(splitKeys); i++ {
		if splitKeys[i-1].Compare(splitKeys[i]) >= 0 {
			return nil, fmt.Errorf("split keys must be strictly increasing")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("table %q already exists", name)
	}

	t := &Table{id: changefeed.NewTableID(), name: name}
	var start changefeed.Datum
	for i := 0; i <= len(splitKeys); i++ {
		var end changefeed.Datum
		if i < len(splitKeys) {
			end = splitKeys[i]
		}
		srv := changefeed.NewServer(m.mbox, name, read)
		t.servers = append(t.servers, srv)
		t.shards = append(t.shards, changefeed.Shard{
			Region:       changefeed.Range(start, end),
			RegisterAddr: srv.RegisterAddr(),
			StopAddr:     srv.StopAddr(),
		})
		start = end
	}

	m.tables[t.id] = t
	m.byName[name] = t

	log.Info().
		Str("table", name).
		Str("id", t.id.String()).
		Int("shards", len(t.shards)).
		Msg("Table created")
	return t, nil
}

// DropTable stops the table's broadcasters and forgets it. Feeds watching it
// receive Stop from every shard.
func (m *Manager) DropTable(id changefeed.TableID) bool {
	m.mu.Lock()
	t, ok := m.tables[id]
	if ok {
		delete(m.tables, id)
		delete(m.byName, t.name)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	for _, srv := range t.servers {
		srv.Close()
	}
	log.Info().Str("table", t.name).Msg("Table dropped")
	return true
}

// Lookup finds a hosted table by name.
func (m *Manager) Lookup(name string) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byName[name]
	return t, ok
}

// Tables returns all hosted tables.
func (m *Manager) Tables() []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	return out
}

// Resolve implements changefeed.NamespaceSource.
func (m *Manager) Resolve(_ context.Context, id changefeed.TableID) (changefeed.NamespaceAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %s not hosted here", id.String())
	}
	return t, nil
}

// Close drops every hosted table.
func (m *Manager) Close() {
	m.mu.Lock()
	tables := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.tables = make(map[changefeed.TableID]*Table)
	m.byName = make(map[string]*Table)
	m.mu.Unlock()

	for _, t := range tables {
		for _, srv := range t.servers {
			srv.Close()
		}
	}
}
