package taxii

import (
	"encoding/base64"
	"encoding/json"
	"hash/fnv"
)

// cursor is the opaque pagination token: index-based and bound
// to the snapshot generation it was issued against. If the snapshot changes
// between paginated reads, Gen won't match and the server restarts
// pagination from the beginning rather than interleaving generations.
type cursor struct {
	Offset int    `json:"o"`
	Gen    uint32 `json:"g"`
}

func snapshotGeneration(raw []byte) uint32 {
	h := fnv.New32a()
	h.Write(raw)
	return h.Sum32()
}

func encodeCursor(c cursor) string {
	buf, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// decodeCursor returns ok=false for a malformed or absent cursor; callers
// treat that as "start from the beginning".
func decodeCursor(s string) (cursor, bool) {
	if s == "" {
		return cursor{}, false
	}
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, false
	}
	var c cursor
	if err := json.Unmarshal(buf, &c); err != nil {
		return cursor{}, false
	}
	return c, true
}
