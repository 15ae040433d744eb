package primarykey

import (
	"cmp"
	"fmt"
	"time"
)

// Date is a calendar day counted from 1970-01-01 (UTC).
// It is the enumerable key type used for time dimensions.
type Date int32

const dateLayout = "2006-01-02"

// DateOf returns the day containing t, in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return Date(midnight.Unix() / 86400)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// String renders the day as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

// type ranks give heterogeneous values a total order.
const (
	rankBool = iota
	rankNumber
	rankDate
	rankString
	rankOther
)

func rankOf(v any) int {
	switch v.(type) {
	case bool:
		return rankBool
	case int64, float64:
		return rankNumber
	case Date:
		return rankDate
	case string:
		return rankString
	default:
		return rankOther
	}
}

// CompareValues orders two key components.
// Values of different kinds order by kind; int64 and float64 compare numerically.
func CompareValues(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y)
		case float64:
			return cmp.Compare(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, float64(y))
		case float64:
			return cmp.Compare(x, y)
		}
	case Date:
		return cmp.Compare(x, b.(Date))
	case string:
		return cmp.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// IsEnumerable reports whether v belongs to a discrete type that supports
// Next and Distance.
func IsEnumerable(v any) bool {
	switch v.(type) {
	case int64, Date:
		return true
	}
	return false
}

// Next returns the successor of an enumerable value.
func Next(v any) (any, bool) {
	switch x := v.(type) {
	case int64:
		return x + 1, true
	case Date:
		return x + 1, true
	}
	return nil, false
}

// Distance returns to-from for two enumerable values of the same type.
func Distance(from, to any) (int64, bool) {
	switch x := from.(type) {
	case int64:
		if y, ok := to.(int64); ok {
			return y - x, true
		}
	case Date:
		if y, ok := to.(Date); ok {
			return int64(y) - int64(x), true
		}
	}
	return 0, false
}
