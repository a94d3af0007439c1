package remote

import (
	"fmt"
	"slices"
)

// KeyRecords remembers which file IDs hold the content of a key. IDs of
// published files stay valid even after the file left the latest version.
type KeyRecords interface {
	IDs(key ContentKey) ([]int64, error)
	SetIDs(key ContentKey, ids []int64) error
}

// NopRecords remembers nothing.
type NopRecords struct{}

func (NopRecords) IDs(ContentKey) ([]int64, error) { return nil, nil }

func (NopRecords) SetIDs(ContentKey, []int64) error { return nil }

func addRecord(r KeyRecords, key ContentKey, id int64) error {
	ids, err := r.IDs(key)
	if err != nil {
		return fmt.Errorf("could not read records of %s: %w", key, err)
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return r.SetIDs(key, append(ids, id))
}

func dropRecord(r KeyRecords, key ContentKey, id int64) error {
	ids, err := r.IDs(key)
	if err != nil {
		return fmt.Errorf("could not read records of %s: %w", key, err)
	}
	if !slices.Contains(ids, id) {
		return nil
	}
	return r.SetIDs(key, slices.DeleteFunc(ids, func(i int64) bool { return i == id }))
}
