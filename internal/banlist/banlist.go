// Package banlist implements the address+username ban list (spec §4.C):
// two parallel ordered sequences where entry i of addresses corresponds to
// entry i of usernames, persisted as a single JSON document on every
// mutation.
package banlist

import (
	"encoding/json"
	"fmt"
	"os"
)

// Document is the persisted shape of the ban list (spec §6:
// banlist.json -> {addresses:[], usernames:[]}).
type Document struct {
	Addresses []string `json:"addresses"`
	Usernames []string `json:"usernames"`
}

// Store loads and saves a Document as a blob. The default implementation
// writes a flat JSON file; tests substitute an in-memory Store.
type Store interface {
	Load() (*Document, error)
	Save(*Document) error
}

// FileStore persists the ban list to a JSON file on disk.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load() (*Document, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return &Document{Addresses: []string{}, Usernames: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("banlist: load %s: %w", f.Path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("banlist: parse %s: %w", f.Path, err)
	}
	return &doc, nil
}

func (f *FileStore) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("banlist: marshal: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("banlist: save %s: %w", f.Path, err)
	}
	return nil
}

// List is the in-memory ban list, backed by a Store for persistence.
// List is not safe for concurrent use on its own - callers are expected to
// serialize access the same way every other room mutation is serialized
// (§5), since a ban add/remove must complete its write before the next
// packet on any connection is processed.
type List struct {
	store     Store
	addresses []string
	usernames []string
}

// Load constructs a List from the given Store's current document.
func Load(store Store) (*List, error) {
	doc, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &List{
		store:     store,
		addresses: append([]string(nil), doc.Addresses...),
		usernames: append([]string(nil), doc.Usernames...),
	}, nil
}

// IsBanned reports whether address appears anywhere in the ban list.
func (l *List) IsBanned(address string) bool {
	for _, a := range l.addresses {
		if a == address {
			return true
		}
	}
	return false
}

// Add appends a new ban entry and persists the document.
func (l *List) Add(address, username string) error {
	l.addresses = append(l.addresses, address)
	l.usernames = append(l.usernames, username)
	return l.persist()
}

// Remove deletes the entry for username (and its paired address) and
// persists the document. No-op if username isn't present.
func (l *List) Remove(username string) error {
	for i, u := range l.usernames {
		if u == username {
			l.addresses = append(l.addresses[:i], l.addresses[i+1:]...)
			l.usernames = append(l.usernames[:i], l.usernames[i+1:]...)
			return l.persist()
		}
	}
	return nil
}

// Len returns the number of ban entries; addresses and usernames are
// always the same length (§8 invariant 6).
func (l *List) Len() int {
	return len(l.addresses)
}

func (l *List) persist() error {
	return l.store.Save(&Document{
		Addresses: append([]string(nil), l.addresses...),
		Usernames: append([]string(nil), l.usernames...),
	})
}
