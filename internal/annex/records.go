package annex

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/torfstack/annex-dataverse/internal/remote"
)

// stateRecords keeps the file IDs of a key in the remote's git-annex state,
// as a comma separated list.
type stateRecords struct {
	conn *Conn
}

func (s stateRecords) IDs(key remote.ContentKey) ([]int64, error) {
	v, err := s.conn.Query("GETSTATE", string(key))
	if err != nil {
		return nil, err
	}
	return parseIDs(v)
}

func (s stateRecords) SetIDs(key remote.ContentKey, ids []int64) error {
	return s.conn.Send("SETSTATE", string(key), formatIDs(ids))
}

func parseIDs(v string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed file id record '%s': %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatIDs(ids []int64) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(s, ",")
}
