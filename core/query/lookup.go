package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultLocale is the locale used when a Context does not name one.
const DefaultLocale = "en_US"

// AllLocales asks translatable columns to return every locale at once.
const AllLocales = "all"

// Order sorts by one column.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Asc sorts ascending by column.
func Asc(column string) Order { return Order{Column: column} }

// Desc sorts descending by column.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// Lookup describes which records a select returns.
type Lookup struct {
	Columns  []string
	Where    Node
	Order    []Order
	Limit    int
	Offset   int
	Distinct bool
	// Expand names relations to load alongside the records.
	Expand []string
}

// Clone returns a shallow copy with independent slices.
func (l *Lookup) Clone() *Lookup {
	if l == nil {
		return &Lookup{}
	}
	c := *l
	c.Columns = append([]string(nil), l.Columns...)
	c.Order = append([]Order(nil), l.Order...)
	c.Expand = append([]string(nil), l.Expand...)
	return &c
}

// Hash returns a stable fingerprint of the lookup.
func (l *Lookup) Hash() string {
	if l == nil {
		return "0"
	}
	where := []byte("null")
	if !IsEmpty(l.Where) {
		if b, err := Marshal(l.Where); err == nil {
			where = b
		} else {
			where = []byte(fmt.Sprint(l.Where))
		}
	}
	expand := append([]string(nil), l.Expand...)
	sort.Strings(expand)
	payload, _ := json.Marshal(struct {
		Columns  []string        `json:"c"`
		Where    json.RawMessage `json:"w"`
		Order    []Order         `json:"o"`
		Limit    int             `json:"l"`
		Offset   int             `json:"s"`
		Distinct bool            `json:"d"`
		Expand   []string        `json:"e"`
	}{l.Columns, where, l.Order, l.Limit, l.Offset, l.Distinct, expand})
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Context carries per-call options that affect how a lookup is compiled and
// cached.
type Context struct {
	Locale    string
	Namespace string
	// Timeout overrides the cache expiry for this call; zero defers to the
	// table and system timeouts.
	Timeout time.Duration
	// NoCache bypasses the record cache.
	NoCache bool
	// Force permits deletes without a where clause.
	Force bool
}

// LocaleOrDefault returns the context locale or DefaultLocale.
func (c *Context) LocaleOrDefault() string {
	if c == nil || c.Locale == "" {
		return DefaultLocale
	}
	return c.Locale
}

// Hash returns a stable fingerprint of the options that change results.
func (c *Context) Hash() string {
	if c == nil {
		return "0"
	}
	return strconv.FormatUint(xxhash.Sum64String(c.LocaleOrDefault()+"\x00"+c.Namespace), 16)
}
