package program

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/reamlang/ream/internal/log"
)

// Store is the content-addressed Program cache ("Programs are
// content-addressed... for sharing across
// processes"). A hot in-memory LRU of decoded *Program values sits in
// front of an on-disk blob directory; blobs larger than a small
// threshold are mapped into the process's address space with mmap
// instead of being read fully onto the heap, so many processes sharing
// a large Program never each pay for a private copy.
type Store struct {
	log  *log.Logger
	dir  string
	hot  *lru.Cache // [32]byte -> *Program
	mu   sync.Mutex
	maps map[[32]byte]mmap.MMap
}

// NewStore creates a Store rooted at dir, keeping hotSize decoded
// Programs resident in the LRU.
func NewStore(dir string, hotSize int) (*Store, error) {
	if hotSize <= 0 {
		hotSize = 256
	}
	c, err := lru.New(hotSize)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{
		log:  log.Root.New("component", "program-store"),
		dir:  dir,
		hot:  c,
		maps: make(map[[32]byte]mmap.MMap),
	}, nil
}

func (s *Store) blobPath(hash [32]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(hash[:])+".ream")
}

// Put verifies and admits a Program, returning its content hash.
func (s *Store) Put(p *Program, opt VerifyOptions) ([32]byte, error) {
	if err := Verify(p, opt); err != nil {
		return [32]byte{}, err
	}
	hash := p.Hash()
	s.hot.Add(hash, p)
	if s.dir != "" {
		path := s.blobPath(hash)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, p.Encode(), 0o644); err != nil {
				return hash, fmt.Errorf("program store: write blob: %w", err)
			}
		}
	}
	s.log.Debug("program admitted", "hash", hex.EncodeToString(hash[:8]), "instructions", len(p.Instructions))
	return hash, nil
}

// Get resolves a content hash to its decoded Program, consulting the
// hot LRU first and falling back to an mmap'd read of the on-disk blob.
func (s *Store) Get(hash [32]byte) (*Program, error) {
	if v, ok := s.hot.Get(hash); ok {
		return v.(*Program), nil
	}
	if s.dir == "" {
		return nil, fmt.Errorf("program store: unknown program %x", hash[:8])
	}
	p, err := s.loadFromDisk(hash)
	if err != nil {
		return nil, err
	}
	s.hot.Add(hash, p)
	return p, nil
}

func (s *Store) loadFromDisk(hash [32]byte) (*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[hash]; ok {
		return Decode(m)
	}
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("program store: %w", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("program store: mmap: %w", err)
	}
	s.maps[hash] = m
	return Decode(m)
}

// Close releases any mmap'd blobs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for h, m := range s.maps {
		if err := m.Unmap(); err != nil && first == nil {
			first = err
		}
		delete(s.maps, h)
	}
	return first
}
