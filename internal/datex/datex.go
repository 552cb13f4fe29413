// Package datex 把站点上各种区域格式的日期文本解析为日历日期。
//
// 匹配按固定优先级进行：4 位年份数字格式 > 2 位年份数字格式 > 英文月份格式 > 相对日期。
// 每种输入形态只会命中一个模式族，因此同一输入不会出现两个模式给出不同结果。
package datex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/songsync/internal/domain"
)

// Order 决定“a/b/yyyy”这类歧义数字日期中日与月的先后。
type Order string

const (
	// OrderAuto 未知站点区域：两种解释都合法时取日在前。
	OrderAuto       Order = "auto"
	OrderDayFirst   Order = "day-first"
	OrderMonthFirst Order = "month-first"
)

// ParseOrder 解析配置中的 date.order；空串视为 auto。
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OrderAuto, nil
	case OrderAuto, OrderDayFirst, OrderMonthFirst:
		return o, nil
	default:
		return "", fmt.Errorf("date.order 只能为 auto/day-first/month-first，实际=%q", s)
	}
}

// Resolver 是无副作用的日期解析器（除 Now 外不读取任何外部状态），可并发使用。
type Resolver struct {
	order Order
	now   func() time.Time
}

// New 创建解析器。now 为 nil 时使用 time.Now（仅用于 today/yesterday）。
func New(order Order, now func() time.Time) *Resolver {
	if order == "" {
		order = OrderAuto
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{order: order, now: now}
}

var (
	reYearFirst  = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	reNumeric4   = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})$`)
	reNumeric2   = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{2})$`)
	reMonthDay   = regexp.MustCompile(`^([a-z]+)\.? (\d{1,2}),? (\d{4})$`)
	reDayMonth   = regexp.MustCompile(`^(\d{1,2}) ([a-z]+)\.?,? (\d{4})$`)
	reDayMonDash = regexp.MustCompile(`^(\d{1,2})-([a-z]+)-(\d{2}|\d{4})$`)
	reOrdinal    = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)
)

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// Resolve 解析 raw；失败时返回包装了 domain.ErrUnparsableDate 的错误，从不 panic。
func (r *Resolver) Resolve(raw string) (domain.Date, error) {
	s := normalize(raw)
	if s == "" {
		return domain.Date{}, fmt.Errorf("%w：空文本", domain.ErrUnparsableDate)
	}

	if m := reYearFirst.FindStringSubmatch(s); m != nil {
		if d, ok := domain.NewDate(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3])); ok {
			return d, nil
		}
		return domain.Date{}, unparsable(raw)
	}
	if m := reNumeric4.FindStringSubmatch(s); m != nil {
		return r.ambiguous(raw, atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := reNumeric2.FindStringSubmatch(s); m != nil {
		return r.ambiguous(raw, atoi(m[1]), atoi(m[2]), expandYear(atoi(m[3])))
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		return textual(raw, m[1], m[2], m[3])
	}
	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		return textual(raw, m[2], m[1], m[3])
	}
	if m := reDayMonDash.FindStringSubmatch(s); m != nil {
		return textual(raw, m[2], m[1], m[3])
	}

	switch s {
	case "today":
		return domain.DateOf(r.now()), nil
	case "yesterday":
		return domain.DateOf(r.now().AddDate(0, 0, -1)), nil
	}
	return domain.Date{}, unparsable(raw)
}

// ambiguous 处理 a/b/yyyy：优先按配置的顺序解释；该解释在日历上不合法时退回另一种。
func (r *Resolver) ambiguous(raw string, a, b, year int) (domain.Date, error) {
	dayFirst := r.order != OrderMonthFirst

	first, second := [2]int{b, a}, [2]int{a, b} // {month, day}
	if !dayFirst {
		first, second = second, first
	}
	if d, ok := domain.NewDate(year, time.Month(first[0]), first[1]); ok {
		return d, nil
	}
	if d, ok := domain.NewDate(year, time.Month(second[0]), second[1]); ok {
		return d, nil
	}
	return domain.Date{}, unparsable(raw)
}

func textual(raw, monthName, day, year string) (domain.Date, error) {
	mon, ok := months[monthName]
	if !ok {
		return domain.Date{}, unparsable(raw)
	}
	y := atoi(year)
	if len(year) == 2 {
		y = expandYear(y)
	}
	d, ok := domain.NewDate(y, mon, atoi(day))
	if !ok {
		return domain.Date{}, unparsable(raw)
	}
	return d, nil
}

// expandYear 使用与 POSIX strptime %y 相同的分界：69–99 → 19xx，00–68 → 20xx。
func expandYear(yy int) int {
	if yy < 69 {
		return 2000 + yy
	}
	return 1900 + yy
}

func normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	s = reOrdinal.ReplaceAllString(s, "$1")
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func unparsable(raw string) error {
	return fmt.Errorf("%w：%q", domain.ErrUnparsableDate, raw)
}
