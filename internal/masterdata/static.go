package masterdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildora/buildora/internal/inventory"
)

// Static is an in-memory registry and catalog used by tests and local runs.
type Static struct {
	mu        sync.RWMutex
	locations map[inventory.Location]inventory.LocationInfo
	items     map[int64]inventory.Item
}

var (
	_ inventory.LocationRegistry = (*Static)(nil)
	_ inventory.ItemCatalog      = (*Static)(nil)
)

// NewStatic returns an empty Static.
func NewStatic() *Static {
	return &Static{
		locations: make(map[inventory.Location]inventory.LocationInfo),
		items:     make(map[int64]inventory.Item),
	}
}

// AddWarehouse registers an active warehouse.
func (s *Static) AddWarehouse(tenantID, id int64) *Static {
	return s.addLocation(inventory.Warehouse(id), tenantID)
}

// AddProject registers an active project.
func (s *Static) AddProject(tenantID, id int64) *Static {
	return s.addLocation(inventory.Project(id), tenantID)
}

func (s *Static) addLocation(loc inventory.Location, tenantID int64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[loc] = inventory.LocationInfo{TenantID: tenantID, Active: true}
	return s
}

// Deactivate marks a location as soft-deleted.
func (s *Static) Deactivate(loc inventory.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.locations[loc]; ok {
		info.Active = false
		s.locations[loc] = info
	}
}

// AddItem registers an item.
func (s *Static) AddItem(item inventory.Item) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return s
}

// DeleteItem soft-deletes an item at the given time.
func (s *Static) DeleteItem(itemID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[itemID]; ok {
		item.DeletedOn = &at
		s.items[itemID] = item
	}
}

func (s *Static) Resolve(_ context.Context, loc inventory.Location) (inventory.LocationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.locations[loc]
	if !ok {
		return inventory.LocationInfo{}, fmt.Errorf("%w: %s", inventory.ErrLocationNotFound, loc)
	}
	return info, nil
}

func (s *Static) Item(_ context.Context, itemID int64) (inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return inventory.Item{}, fmt.Errorf("%w: item %d", inventory.ErrItemNotFound, itemID)
	}
	return item, nil
}
