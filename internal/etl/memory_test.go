package etl

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
)

// memoryDestination is an in-memory Destination with the same
// create-or-update semantics as the SQL destinations.
type memoryDestination struct {
	mu           sync.Mutex
	tables       map[string]map[string][]any
	schemas      map[string]models.TableDescriptor
	failKeys     map[string]bool
	provisionErr error
	provisions   int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemoryDestination() *memoryDestination {
	return &memoryDestination{
		tables:   map[string]map[string][]any{},
		schemas:  map[string]models.TableDescriptor{},
		failKeys: map[string]bool{},
	}
}

func (m *memoryDestination) Provision(_ context.Context, desc models.TableDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisions++
	if m.provisionErr != nil {
		return m.provisionErr
	}
	if _, ok := m.tables[desc.Name]; !ok {
		m.tables[desc.Name] = map[string][]any{}
		m.schemas[desc.Name] = desc
	}
	return nil
}

func (m *memoryDestination) Truncate(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = map[string][]any{}
	return nil
}

func (m *memoryDestination) WriteBatch(_ context.Context, desc models.TableDescriptor, rows [][]models.Value) (BatchCounts, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[desc.Name]
	if !ok {
		return BatchCounts{}, fmt.Errorf("relation %q does not exist", desc.Name)
	}
	keyIdx := -1
	for i, c := range desc.Columns {
		if c.Name == desc.PrimaryKey {
			keyIdx = i
		}
	}

	// stage first so a failing batch leaves no trace
	staged := map[string][]any{}
	var counts BatchCounts
	for _, row := range rows {
		key := row[keyIdx].String()
		if m.failKeys[key] {
			return BatchCounts{}, errors.New("forced failure")
		}
		_, existed := table[key]
		if _, again := staged[key]; again {
			existed = true
		}
		if existed {
			counts.Updated++
		} else {
			counts.Inserted++
		}
		staged[key] = desc.Coerce(row)
	}
	for k, v := range staged {
		table[k] = v
	}
	return counts, nil
}

func (m *memoryDestination) rowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *memoryDestination) row(table, key string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[table][key]
}

// hash fingerprints the table contents independent of write order.
func (m *memoryDestination) hash(table string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.tables[table]))
	for k, v := range m.tables[table] {
		lines = append(lines, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(lines)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprint(lines))))
}
