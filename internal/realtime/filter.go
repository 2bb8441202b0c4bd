package realtime

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/mbd888/siterisk/internal/site"
)

// filterFromQuery reads repeated type, structure and level parameters plus
// an optional minScore.
func filterFromQuery(q url.Values) (Filter, error) {
	var f Filter
	for _, k := range q["type"] {
		switch Kind(k) {
		case KindLevelState, KindAlert:
			f.Kinds = append(f.Kinds, Kind(k))
		default:
			return Filter{}, fmt.Errorf("unknown type %q", k)
		}
	}
	f.Structures = q["structure"]
	for _, l := range q["level"] {
		ref, err := site.ParseRef(l)
		if err != nil {
			return Filter{}, err
		}
		f.Levels = append(f.Levels, ref)
	}
	if v := q.Get("minScore"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return Filter{}, fmt.Errorf("minScore must be an integer in [0, 100]")
		}
		f.MinScore = n
	}
	return f, nil
}
