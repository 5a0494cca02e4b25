package relay

import (
	"sync/atomic"
)

// Static always returns the same snapshot.
type Static struct {
	Domains *Domains
}

func (s Static) RelayDomains() *Domains {
	return s.Domains
}

// Store holds the current relay domain snapshot. Readers never block; a
// configuration change swaps the whole snapshot.
type Store struct {
	current atomic.Pointer[Domains]
}

func NewStore(initial *Domains) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

func (s *Store) RelayDomains() *Domains {
	return s.current.Load()
}

func (s *Store) Set(d *Domains) {
	s.current.Store(d)
}

// ReloadFile replaces the snapshot with the contents of path. The current
// snapshot is left untouched if the file cannot be loaded.
func (s *Store) ReloadFile(path string) (*Domains, error) {
	d, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s.Set(d)
	return d, nil
}
