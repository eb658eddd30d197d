package contacts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory for tests and replays.
type MemoryDirectory struct {
	mu     sync.RWMutex
	people map[string]Person
}

// NewMemoryDirectory creates an empty directory, optionally seeded.
func NewMemoryDirectory(seed ...Person) *MemoryDirectory {
	d := &MemoryDirectory{people: make(map[string]Person)}
	for _, p := range seed {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		d.people[p.ID] = p
	}
	return d
}

func (d *MemoryDirectory) Create(_ context.Context, name, email string) (Person, error) {
	return d.add(name, email, false)
}

func (d *MemoryDirectory) add(name, email string, isMe bool) (Person, error) {
	name = cleanName(name)
	if name == "" {
		return Person{}, ErrEmptyName
	}
	now := time.Now().UTC()
	p := Person{ID: uuid.New().String(), Name: name, Email: email, IsMe: isMe, CreatedAt: now, UpdatedAt: now}

	d.mu.Lock()
	d.people[p.ID] = p
	d.mu.Unlock()
	return p, nil
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (Person, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.people[id]
	if !ok {
		return Person{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (d *MemoryDirectory) FindByName(_ context.Context, name string) ([]Person, error) {
	key := nameKey(cleanName(name))
	var out []Person
	for _, p := range d.snapshot() {
		if nameKey(p.Name) == key {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]Person, error) {
	return d.snapshot(), nil
}

// snapshot returns everybody, the local user first, then by name.
func (d *MemoryDirectory) snapshot() []Person {
	d.mu.RLock()
	out := make([]Person, 0, len(d.people))
	for _, p := range d.people {
		out = append(out, p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsMe != out[j].IsMe {
			return out[i].IsMe
		}
		if ki, kj := nameKey(out[i].Name), nameKey(out[j].Name); ki != kj {
			return ki < kj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *MemoryDirectory) Rename(_ context.Context, id, name string) error {
	name = cleanName(name)
	if name == "" {
		return ErrEmptyName
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.people[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Name = name
	p.UpdatedAt = time.Now().UTC()
	d.people[id] = p
	return nil
}

func (d *MemoryDirectory) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.people[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(d.people, id)
	return nil
}

func (d *MemoryDirectory) Me(_ context.Context) (Person, error) {
	d.mu.Lock()
	for _, p := range d.people {
		if p.IsMe {
			d.mu.Unlock()
			return p, nil
		}
	}
	now := time.Now().UTC()
	p := Person{ID: uuid.New().String(), Name: DefaultMeName, IsMe: true, CreatedAt: now, UpdatedAt: now}
	d.people[p.ID] = p
	d.mu.Unlock()
	return p, nil
}

func nameKey(name string) string {
	return strings.ToLower(name)
}
